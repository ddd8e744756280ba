package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// Entry is one record of the append-only chain. EntryHash commits to the
// index, the payload and the previous entry's hash, so any mutation anywhere
// in the log breaks every later entry.
type Entry struct {
	Index     uint64
	Payload   []byte
	PrevHash  Hash
	EntryHash Hash
	Timestamp time.Time
}

// Sink is the audit collaborator surface the orchestrator and the decrypt
// coordinator write to. Append must be durable before it returns.
type Sink interface {
	Append(payload []byte) (Entry, error)
	Verify(i uint64) error
	Proof(i uint64) (Proof, error)
	Len() uint64
}

// Store persists entries. Implementations: in-memory (tests) and pebble.
type Store interface {
	Put(e Entry) error
	Get(i uint64) (Entry, bool, error)
	Len() uint64
}

var (
	ErrNotFound  = errors.New("audit entry not found")
	ErrCorrupted = errors.New("audit chain corrupted")
)

func corruptedAt(i uint64) error { return fmt.Errorf("index %d: %w", i, ErrCorrupted) }

// Chain serializes appends behind a mutex; reads go straight to the store.
type Chain struct {
	mu    sync.Mutex
	store Store
	head  Hash
	next  uint64
	log   *zap.SugaredLogger
}

// NewChain opens a chain over store and re-verifies every persisted link, so
// a partially flushed or tampered log refuses to open.
func NewChain(store Store, logger *zap.SugaredLogger) (*Chain, error) {
	c := &Chain{store: store, log: logger}

	n := store.Len()
	var prev Hash
	for i := uint64(0); i < n; i++ {
		e, ok, err := store.Get(i)
		if err != nil {
			return nil, fmt.Errorf("replay entry %d: %w", i, err)
		}
		if !ok {
			return nil, fmt.Errorf("replay entry %d: %w", i, ErrNotFound)
		}
		if e.PrevHash != prev || EntryHash(e.Index, e.Payload, e.PrevHash) != e.EntryHash {
			return nil, fmt.Errorf("replay: %w", corruptedAt(i))
		}
		prev = e.EntryHash
	}
	c.head = prev
	c.next = n

	if logger != nil && n > 0 {
		logger.Infow("audit_chain_replayed", "entries", n, "head", prev.String())
	}
	return c, nil
}

// EntryHash computes H(index || payload || prev_hash).
func EntryHash(index uint64, payload []byte, prev Hash) Hash {
	h := sha256.New()
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	h.Write(idx[:])
	h.Write(payload)
	h.Write(prev[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Append persists a new entry and advances the head. The store write is
// synchronous; callers may treat a returned Entry as durable.
func (c *Chain) Append(payload []byte) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{
		Index:     c.next,
		Payload:   append([]byte(nil), payload...),
		PrevHash:  c.head,
		Timestamp: time.Now(),
	}
	e.EntryHash = EntryHash(e.Index, e.Payload, e.PrevHash)

	if err := c.store.Put(e); err != nil {
		return Entry{}, fmt.Errorf("append entry %d: %w", e.Index, err)
	}
	c.head = e.EntryHash
	c.next++

	if c.log != nil {
		c.log.Debugw("audit_append", "index", e.Index, "hash", e.EntryHash.String())
	}
	return e, nil
}

// Verify recomputes entry i's hash from stored fields and checks the link to
// its predecessor.
func (c *Chain) Verify(i uint64) error {
	e, ok, err := c.store.Get(i)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if EntryHash(e.Index, e.Payload, e.PrevHash) != e.EntryHash {
		return corruptedAt(i)
	}
	if i > 0 {
		prev, ok, err := c.store.Get(i - 1)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if prev.EntryHash != e.PrevHash {
			return corruptedAt(i)
		}
	}
	return nil
}

func (c *Chain) Len() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *Chain) Head() Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *Chain) Get(i uint64) (Entry, error) {
	e, ok, err := c.store.Get(i)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

var _ Sink = (*Chain)(nil)

// MemoryStore keeps the chain in a slice; used by tests and ephemeral nodes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Index != uint64(len(s.entries)) {
		return fmt.Errorf("non-contiguous append at %d", e.Index)
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Get(i uint64) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i >= uint64(len(s.entries)) {
		return Entry{}, false, nil
	}
	return s.entries[i], true, nil
}

func (s *MemoryStore) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries))
}

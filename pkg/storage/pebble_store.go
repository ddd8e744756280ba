package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/reliquary/reliquary/pkg/audit"
	"github.com/reliquary/reliquary/pkg/orchestrator"
	"github.com/reliquary/reliquary/pkg/threshold"
)

// PebbleStore is the durable backend: audit entries, threshold schemes and
// shares, and terminal decision results. Audit writes use pebble.Sync so an
// append is on disk before the orchestrator returns.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

// Put appends one audit entry. Entries must arrive contiguously; the length
// marker moves in the same batch as the entry so a crash never leaves a gap.
func (s *PebbleStore) Put(e audit.Entry) error {
	n := s.Len()
	if e.Index != n {
		return fmt.Errorf("audit put out of order: index %d, length %d", e.Index, n)
	}
	val, err := encodeGob(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(auditEntryKey(e.Index), val, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(keyAuditLen), indexKey(e.Index+1), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit audit entry %d: %w", e.Index, err)
	}
	return nil
}

func (s *PebbleStore) Get(i uint64) (audit.Entry, bool, error) {
	val, closer, err := s.db.Get(auditEntryKey(i))
	if err == pebble.ErrNotFound {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, err
	}
	defer closer.Close()
	var out audit.Entry
	if err := decodeGob(val, &out); err != nil {
		return audit.Entry{}, false, fmt.Errorf("decode audit entry %d: %w", i, err)
	}
	return out, true, nil
}

func (s *PebbleStore) Len() uint64 {
	val, closer, err := s.db.Get([]byte(keyAuditLen))
	if err != nil {
		return 0
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val)
}

var _ audit.Store = (*PebbleStore)(nil)

// SaveScheme persists a threshold scheme definition.
func (s *PebbleStore) SaveScheme(sch threshold.Scheme) error {
	val, err := encodeGob(sch)
	if err != nil {
		return fmt.Errorf("encode scheme %s: %w", sch.ID, err)
	}
	if err := s.db.Set(schemeKey(sch.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("save scheme %s: %w", sch.ID, err)
	}
	return nil
}

// SaveShare persists one party's share of the latest dealing.
func (s *PebbleStore) SaveShare(sh threshold.Share) error {
	val, err := encodeGob(sh)
	if err != nil {
		return fmt.Errorf("encode share %s/%d: %w", sh.SchemeID, sh.PartyID, err)
	}
	if err := s.db.Set(shareKey(sh.SchemeID, sh.PartyID), val, pebble.Sync); err != nil {
		return fmt.Errorf("save share %s/%d: %w", sh.SchemeID, sh.PartyID, err)
	}
	return nil
}

var _ threshold.Persister = (*PebbleStore)(nil)

// LoadSchemes returns every persisted scheme definition.
func (s *PebbleStore) LoadSchemes() ([]threshold.Scheme, error) {
	prefix := []byte(prefixScheme)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []threshold.Scheme
	for iter.First(); iter.Valid(); iter.Next() {
		var sch threshold.Scheme
		if err := decodeGob(iter.Value(), &sch); err != nil {
			return nil, fmt.Errorf("decode scheme at %q: %w", iter.Key(), err)
		}
		out = append(out, sch)
	}
	return out, nil
}

// LoadShares returns the persisted dealing for one scheme, sorted by party.
func (s *PebbleStore) LoadShares(schemeID string) ([]threshold.Share, error) {
	prefix := sharePrefix(schemeID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []threshold.Share
	for iter.First(); iter.Valid(); iter.Next() {
		var sh threshold.Share
		if err := decodeGob(iter.Value(), &sh); err != nil {
			return nil, fmt.Errorf("decode share at %q: %w", iter.Key(), err)
		}
		out = append(out, sh)
	}
	return out, nil
}

// SaveResult persists a terminal decision result for post-restart queries.
func (s *PebbleStore) SaveResult(res orchestrator.Result) error {
	val, err := encodeGob(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", res.RequestID, err)
	}
	if err := s.db.Set(resultKey(res.RequestID), val, pebble.NoSync); err != nil {
		return fmt.Errorf("save result %s: %w", res.RequestID, err)
	}
	return nil
}

func (s *PebbleStore) LoadResult(requestID string) (orchestrator.Result, bool, error) {
	val, closer, err := s.db.Get(resultKey(requestID))
	if err == pebble.ErrNotFound {
		return orchestrator.Result{}, false, nil
	}
	if err != nil {
		return orchestrator.Result{}, false, err
	}
	defer closer.Close()
	var out orchestrator.Result
	if err := decodeGob(val, &out); err != nil {
		return orchestrator.Result{}, false, fmt.Errorf("decode result %s: %w", requestID, err)
	}
	return out, true, nil
}

var _ orchestrator.ResultStore = (*PebbleStore)(nil)

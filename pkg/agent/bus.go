package agent

import (
	"sync"
	"time"
)

const defaultInboxCap = 256

type MessageKind string

const (
	MsgHeartbeat  MessageKind = "heartbeat"
	MsgDirective  MessageKind = "directive"
	MsgVoteNotice MessageKind = "vote_notice"
)

type Message struct {
	From      string
	To        string
	Kind      MessageKind
	Payload   []byte
	Timestamp time.Time
}

// Bus runs a bounded per-agent inbox. Delivery is at-most-once: a full inbox
// drops the message rather than block the sender, matching the drop-on-full
// signalling the consensus path uses.
type Bus struct {
	mu       sync.Mutex
	inboxes  map[string][]Message
	capacity int
	dropped  uint64
}

func NewBus() *Bus {
	return &Bus{inboxes: make(map[string][]Message), capacity: defaultInboxCap}
}

// Send enqueues a message for one agent. Returns false when the inbox is
// full or unknown and the message was dropped.
func (b *Bus) Send(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.inboxes[msg.To]
	if !ok {
		b.dropped++
		return false
	}
	if len(q) >= b.capacity {
		b.dropped++
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inboxes[msg.To] = append(q, msg)
	return true
}

// Broadcast sends to every open inbox and reports how many deliveries stuck.
func (b *Bus) Broadcast(msg Message) int {
	b.mu.Lock()
	targets := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		targets = append(targets, id)
	}
	b.mu.Unlock()

	n := 0
	for _, id := range targets {
		m := msg
		m.To = id
		if b.Send(m) {
			n++
		}
	}
	return n
}

// Open creates the inbox for an agent; idempotent.
func (b *Bus) Open(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agentID]; !ok {
		b.inboxes[agentID] = nil
	}
}

// Close discards an agent's inbox and any queued messages.
func (b *Bus) Close(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxes, agentID)
}

// Recv drains and returns all queued messages for agentID in FIFO order.
func (b *Bus) Recv(agentID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.inboxes[agentID]
	if len(q) == 0 {
		return nil
	}
	b.inboxes[agentID] = nil
	return q
}

func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

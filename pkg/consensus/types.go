package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

type NodeID string
type View uint64
type Sequence uint64

type MsgType uint8

const (
	MsgRequest MsgType = iota
	MsgPrePrepare
	MsgPrepare
	MsgCommit
	MsgViewChange
	MsgNewView
	MsgCheckpoint
	MsgHeartbeat
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgPrePrepare:
		return "pre_prepare"
	case MsgPrepare:
		return "prepare"
	case MsgCommit:
		return "commit"
	case MsgViewChange:
		return "view_change"
	case MsgNewView:
		return "new_view"
	case MsgCheckpoint:
		return "checkpoint"
	case MsgHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("msgtype(%d)", uint8(t))
	}
}

type Phase uint8

const (
	PhasePrePrepare Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseDecided
	PhaseTimeout
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "pre_prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseDecided:
		return "decided"
	case PhaseTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Quorum: N agents tolerate F = (N-1)/3 Byzantine faults; agreement needs
// 2F+1 matching messages.
type Quorum struct{ N, F int }

func NewQuorum(n int) Quorum { return Quorum{N: n, F: (n - 1) / 3} }

func (q Quorum) Threshold() int { return 2*q.F + 1 }

type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// HashOfValue is the canonical digest the committee agrees on.
func HashOfValue(value []byte) Hash { return sha256.Sum256(value) }

// Message is one authenticated protocol message. ValueDigest identifies the
// proposed value; PRE_PREPARE additionally carries the value itself in
// Payload, and VIEW_CHANGE/NEW_VIEW carry evidence payloads.
type Message struct {
	Type        MsgType
	View        View
	Sequence    Sequence
	Sender      NodeID
	Timestamp   time.Time
	ValueDigest Hash
	Payload     []byte
	Signature   []byte
}

// DigestOf computes the integrity digest over every field except the
// signature; the authenticator signs and verifies exactly this value, so any
// mutation of a relayed message invalidates it.
func DigestOf(m Message) Hash {
	h := sha256.New()

	h.Write([]byte{byte(m.Type)})

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(m.View))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(m.Sequence))
	h.Write(buf[:])

	h.Write([]byte(m.Sender))

	binary.BigEndian.PutUint64(buf[:], uint64(m.Timestamp.UnixNano()))
	h.Write(buf[:])

	h.Write(m.ValueDigest[:])
	h.Write(m.Payload)

	return sha256.Sum256(h.Sum(nil))
}

// PreparedProof is the evidence a replica attaches to a VIEW_CHANGE: the
// highest sequence it prepared, with the value so the new leader can re-drive
// it. Zero Sequence with empty Value means nothing was prepared.
type PreparedProof struct {
	View        View
	Sequence    Sequence
	ValueDigest Hash
	Value       []byte
}

// Decision is emitted by a replica when it commits a value.
type Decision struct {
	View     View
	Sequence Sequence
	Digest   Hash
	Value    []byte
	Replica  NodeID
}

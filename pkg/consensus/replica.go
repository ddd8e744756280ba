package consensus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/reliquary/pkg/crypto"
)

type dedupKey struct {
	Sender   NodeID
	View     View
	Sequence Sequence
	Type     MsgType
}

// Replica is one committee member's PBFT state machine. All inbound traffic
// arrives through Receive on the network's single dispatch goroutine; the
// mutex only guards against external calls (LeadPropose, snapshots).
type Replica struct {
	mu      sync.Mutex
	state   *State
	auth    crypto.Authenticator
	net     Network
	elector Elector
	log     *zap.SugaredLogger

	seen         map[dedupKey]bool
	sentPrepare  map[Sequence]bool
	sentCommit   map[Sequence]bool
	votedView    map[View]bool
	checkpointAt Sequence // interval; 0 disables

	onDecide func(Decision)

	// Silent drops all outbound traffic; used to inject a crashed or
	// Byzantine-silent leader in tests.
	Silent bool
}

type ReplicaConfig struct {
	Self               NodeID
	Quorum             Quorum
	Auth               crypto.Authenticator
	Net                Network
	Elector            Elector
	Logger             *zap.SugaredLogger
	CheckpointInterval uint64
	OnDecide           func(Decision)
}

func NewReplica(cfg ReplicaConfig) *Replica {
	r := &Replica{
		state:        NewState(cfg.Self, cfg.Quorum),
		auth:         cfg.Auth,
		net:          cfg.Net,
		elector:      cfg.Elector,
		log:          cfg.Logger,
		seen:         make(map[dedupKey]bool),
		sentPrepare:  make(map[Sequence]bool),
		sentCommit:   make(map[Sequence]bool),
		votedView:    make(map[View]bool),
		checkpointAt: Sequence(cfg.CheckpointInterval),
		onDecide:     cfg.OnDecide,
	}
	r.state.LeaderID = cfg.Elector.LeaderOf(0)
	cfg.Net.SetHandler(r.Receive)
	return r
}

func (r *Replica) ID() NodeID { return r.state.SelfID }

func (r *Replica) StateSnapshot() StateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StateSnapshot{
		View:           r.state.View,
		Sequence:       r.state.Sequence,
		Phase:          r.state.Phase,
		LeaderID:       r.state.LeaderID,
		Decided:        len(r.state.decided),
		LastCheckpoint: r.state.lastCheckpoint,
	}
}

// DecidedValue returns the committed value at seq, if any.
func (r *Replica) DecidedValue(seq Sequence) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state.decided[seq]
	return v, ok
}

func (r *Replica) sign(m *Message) error {
	d := DigestOf(*m)
	sig, err := r.auth.Sign(d[:])
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

func (r *Replica) broadcast(ctx context.Context, m Message) {
	if r.Silent {
		return
	}
	if err := r.sign(&m); err != nil {
		if r.log != nil {
			r.log.Warnw("sign_failed", "replica", r.state.SelfID, "type", m.Type.String(), "err", err)
		}
		return
	}
	if err := r.net.Broadcast(ctx, m); err != nil && r.log != nil {
		r.log.Warnw("broadcast_failed", "replica", r.state.SelfID, "type", m.Type.String(), "err", err)
	}
}

// LeadPropose starts agreement on value at seq in the current view. Only the
// view's leader may call it; other callers are ignored.
func (r *Replica) LeadPropose(ctx context.Context, seq Sequence, value []byte) bool {
	r.mu.Lock()
	view := r.state.View
	if r.elector.LeaderOf(view) != r.state.SelfID {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	m := Message{
		Type:        MsgPrePrepare,
		View:        view,
		Sequence:    seq,
		Sender:      r.state.SelfID,
		Timestamp:   time.Now(),
		ValueDigest: HashOfValue(value),
		Payload:     value,
	}
	r.broadcast(ctx, m)
	return true
}

// StartViewChange votes to replace the current leader with leader(target).
// Idempotent per target view.
func (r *Replica) StartViewChange(ctx context.Context, target View) {
	r.mu.Lock()
	if target <= r.state.View || r.votedView[target] {
		r.mu.Unlock()
		return
	}
	r.votedView[target] = true
	proof := r.state.highestPrepared()
	r.mu.Unlock()

	payload, err := gobEncode(proof)
	if err != nil {
		return
	}
	m := Message{
		Type:      MsgViewChange,
		View:      target,
		Sender:    r.state.SelfID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	r.broadcast(ctx, m)
}

// Receive validates, deduplicates and dispatches one inbound message.
// Messages failing signature verification are dropped silently; messages for
// other views are dropped unless they drive a view change.
func (r *Replica) Receive(ctx context.Context, m Message) {
	d := DigestOf(m)
	if !r.auth.Verify(string(m.Sender), d[:], m.Signature) {
		if r.log != nil {
			r.log.Debugw("drop_bad_signature", "replica", r.state.SelfID, "sender", m.Sender, "type", m.Type.String())
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Phase messages for another view are dropped before dedup bookkeeping,
	// so a leader's re-broadcast still lands once this replica catches up.
	switch m.Type {
	case MsgPrePrepare, MsgPrepare, MsgCommit:
		if m.View != r.state.View {
			return
		}
	}

	key := dedupKey{Sender: m.Sender, View: m.View, Sequence: m.Sequence, Type: m.Type}
	if r.seen[key] {
		// A second distinct PRE_PREPARE for the same slot is equivocation
		// evidence, not a duplicate.
		if m.Type == MsgPrePrepare {
			if prev, ok := r.state.prePrepares[m.Sequence]; ok && prev.View == m.View && prev.ValueDigest != m.ValueDigest {
				r.equivocationLocked(ctx, m)
			}
		}
		return
	}
	r.seen[key] = true

	switch m.Type {
	case MsgHeartbeat, MsgRequest:
		return
	case MsgViewChange:
		r.onViewChangeLocked(ctx, m)
		return
	case MsgNewView:
		r.onNewViewLocked(m)
		return
	case MsgCheckpoint:
		if m.Sequence > r.state.lastCheckpoint {
			r.state.lastCheckpoint = m.Sequence
		}
		return
	}

	switch m.Type {
	case MsgPrePrepare:
		r.onPrePrepareLocked(ctx, m)
	case MsgPrepare:
		r.onPrepareLocked(ctx, m)
	case MsgCommit:
		r.onCommitLocked(ctx, m)
	}
}

func (r *Replica) onPrePrepareLocked(ctx context.Context, m Message) {
	if m.Sender != r.elector.LeaderOf(m.View) {
		return
	}
	if HashOfValue(m.Payload) != m.ValueDigest {
		return
	}
	if prev, ok := r.state.prePrepares[m.Sequence]; ok {
		if prev.ValueDigest != m.ValueDigest {
			r.equivocationLocked(ctx, m)
		}
		return
	}
	r.state.prePrepares[m.Sequence] = m
	r.state.Phase = PhasePrepare

	if r.sentPrepare[m.Sequence] {
		return
	}
	r.sentPrepare[m.Sequence] = true

	prep := Message{
		Type:        MsgPrepare,
		View:        m.View,
		Sequence:    m.Sequence,
		Sender:      r.state.SelfID,
		Timestamp:   time.Now(),
		ValueDigest: m.ValueDigest,
	}
	go r.broadcast(ctx, prep)
}

func (r *Replica) onPrepareLocked(ctx context.Context, m Message) {
	matching := r.state.addPrepare(m)
	if matching < r.state.Q.Threshold() {
		return
	}
	pp, ok := r.state.prePrepares[m.Sequence]
	if !ok || pp.ValueDigest != m.ValueDigest {
		return
	}
	if r.sentCommit[m.Sequence] {
		return
	}
	r.sentCommit[m.Sequence] = true
	r.state.Phase = PhaseCommit

	commit := Message{
		Type:        MsgCommit,
		View:        m.View,
		Sequence:    m.Sequence,
		Sender:      r.state.SelfID,
		Timestamp:   time.Now(),
		ValueDigest: m.ValueDigest,
	}
	go r.broadcast(ctx, commit)
}

func (r *Replica) onCommitLocked(ctx context.Context, m Message) {
	matching := r.state.addCommit(m)
	if matching < r.state.Q.Threshold() {
		return
	}
	if _, done := r.state.decided[m.Sequence]; done {
		return
	}
	pp, ok := r.state.prePrepares[m.Sequence]
	if !ok || pp.ValueDigest != m.ValueDigest {
		return
	}

	r.state.decided[m.Sequence] = pp.Payload
	r.state.decidedDigests[m.Sequence] = m.ValueDigest
	r.state.Phase = PhaseDecided
	if m.Sequence >= r.state.Sequence {
		r.state.Sequence = m.Sequence + 1
	}

	if r.log != nil {
		r.log.Infow("decided",
			"replica", r.state.SelfID, "view", m.View, "seq", m.Sequence, "digest", m.ValueDigest.String())
	}

	if r.checkpointAt > 0 && r.state.Sequence%r.checkpointAt == 0 {
		r.state.lastCheckpoint = m.Sequence
		cp := Message{
			Type:      MsgCheckpoint,
			View:      m.View,
			Sequence:  m.Sequence,
			Sender:    r.state.SelfID,
			Timestamp: time.Now(),
		}
		go r.broadcast(ctx, cp)
	}

	if r.onDecide != nil {
		dec := Decision{
			View:     m.View,
			Sequence: m.Sequence,
			Digest:   m.ValueDigest,
			Value:    pp.Payload,
			Replica:  r.state.SelfID,
		}
		go r.onDecide(dec)
	}
}

func (r *Replica) equivocationLocked(ctx context.Context, m Message) {
	if r.log != nil {
		r.log.Warnw("leader_equivocation",
			"replica", r.state.SelfID, "view", m.View, "seq", m.Sequence, "leader", m.Sender)
	}
	target := r.state.View + 1
	if r.votedView[target] {
		return
	}
	r.votedView[target] = true
	proof := r.state.highestPrepared()
	payload, err := gobEncode(proof)
	if err != nil {
		return
	}
	vc := Message{
		Type:      MsgViewChange,
		View:      target,
		Sender:    r.state.SelfID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	go r.broadcast(ctx, vc)
}

func (r *Replica) onViewChangeLocked(ctx context.Context, m Message) {
	if m.View <= r.state.View {
		return
	}
	votes := r.state.addViewChange(m)
	if votes < r.state.Q.Threshold() {
		return
	}

	target := m.View
	newLeader := r.elector.LeaderOf(target)
	r.state.resetForView(target)
	r.state.LeaderID = newLeader

	if r.log != nil {
		r.log.Infow("view_change", "replica", r.state.SelfID, "new_view", target, "new_leader", newLeader)
	}

	if newLeader != r.state.SelfID {
		return
	}

	// New leader: carry the highest prepared value from the evidence set so
	// any value decided by an honest replica stays decided.
	var best PreparedProof
	for _, vc := range r.state.viewChanges[target] {
		var proof PreparedProof
		if err := gobDecode(vc.Payload, &proof); err != nil {
			continue
		}
		if len(proof.Value) > 0 && proof.Sequence >= best.Sequence {
			best = proof
		}
	}
	payload, err := gobEncode(best)
	if err != nil {
		return
	}
	nv := Message{
		Type:      MsgNewView,
		View:      target,
		Sender:    r.state.SelfID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	go r.broadcast(ctx, nv)

	if len(best.Value) > 0 {
		pp := Message{
			Type:        MsgPrePrepare,
			View:        target,
			Sequence:    best.Sequence,
			Sender:      r.state.SelfID,
			Timestamp:   time.Now(),
			ValueDigest: best.ValueDigest,
			Payload:     best.Value,
		}
		go r.broadcast(ctx, pp)
	}
}

func (r *Replica) onNewViewLocked(m Message) {
	if m.View <= r.state.View {
		return
	}
	if m.Sender != r.elector.LeaderOf(m.View) {
		return
	}
	r.state.resetForView(m.View)
	r.state.LeaderID = m.Sender
}

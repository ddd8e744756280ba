package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/reliquary/pkg/util"
)

// PhaseTimers split a round's consensus budget across the three phases.
type PhaseTimers struct {
	PrePrepareFraction float64
	PrepareFraction    float64
	CommitFraction     float64
}

func DefaultPhaseTimers() PhaseTimers {
	return PhaseTimers{PrePrepareFraction: 0.3, PrepareFraction: 0.3, CommitFraction: 0.4}
}

var (
	ErrNotEnoughAgents = errors.New("committee smaller than 3f+1 minimum")
	ErrRoundFailed     = errors.New("consensus round failed")
)

// Metrics is the protocol counter set exposed to operators.
type Metrics struct {
	Rounds      uint64  `json:"rounds"`
	Successes   uint64  `json:"successes"`
	Failures    uint64  `json:"failures"`
	ViewChanges uint64  `json:"view_changes"`
	SuccessRate float64 `json:"success_rate"`
	Tolerance   int     `json:"tolerance"`
	N           int     `json:"n"`
}

// Engine drives proposals through a committee of replicas and accounts for
// round outcomes. One engine instance serves one orchestrator; the replicas
// it references may be local or remote (the engine only needs the leader's).
type Engine struct {
	mu       sync.Mutex
	replicas map[NodeID]*Replica
	elector  Elector
	q        Quorum
	timers   PhaseTimers
	clock    util.Clock
	log      *zap.SugaredLogger

	view    View
	nextSeq Sequence

	decidedCh chan Decision

	rounds      uint64
	successes   uint64
	failures    uint64
	viewChanges uint64
}

type EngineConfig struct {
	Replicas map[NodeID]*Replica
	Elector  Elector
	Quorum   Quorum
	Timers   PhaseTimers
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Quorum.N < 3*cfg.Quorum.F+1 || cfg.Quorum.N < 4 {
		return nil, fmt.Errorf("%w: n=%d f=%d", ErrNotEnoughAgents, cfg.Quorum.N, cfg.Quorum.F)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	timers := cfg.Timers
	if timers.PrePrepareFraction == 0 && timers.PrepareFraction == 0 && timers.CommitFraction == 0 {
		timers = DefaultPhaseTimers()
	}
	return &Engine{
		replicas:  cfg.Replicas,
		elector:   cfg.Elector,
		q:         cfg.Quorum,
		timers:    timers,
		clock:     clock,
		log:       cfg.Logger,
		decidedCh: make(chan Decision, cfg.Quorum.N*4),
	}, nil
}

// SetReplicas installs the committee after construction; replicas need the
// engine's DecisionSink at build time, so wiring is two-phase.
func (e *Engine) SetReplicas(replicas map[NodeID]*Replica) {
	e.mu.Lock()
	e.replicas = replicas
	e.mu.Unlock()
}

// DecisionSink returns the callback replicas should be constructed with.
func (e *Engine) DecisionSink() func(Decision) {
	return func(d Decision) {
		select {
		case e.decidedCh <- d:
		default:
			// Channel full; the quorum already signalled this slot.
		}
	}
}

func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Propose drives value to agreement within budget. It re-drives the round
// through view changes until the committee decides or the budget expires.
func (e *Engine) Propose(ctx context.Context, value []byte, budget time.Duration) (Decision, error) {
	e.mu.Lock()
	seq := e.nextSeq
	e.rounds++
	e.mu.Unlock()

	deadline := e.clock.Now().Add(budget)
	wantDigest := HashOfValue(value)

	for {
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 || ctx.Err() != nil {
			e.fail()
			return Decision{}, fmt.Errorf("%w: budget exhausted at view %d", ErrRoundFailed, e.View())
		}

		e.mu.Lock()
		view := e.view
		replicas := e.replicas
		e.mu.Unlock()

		leaderID := e.elector.LeaderOf(view)
		if leader, ok := replicas[leaderID]; ok {
			leader.LeadPropose(ctx, seq, value)
		}

		// Half the remaining budget per round leaves headroom to re-drive
		// the request after a view change; once the window gets tight the
		// last round takes whatever is left.
		roundBudget := remaining / 2
		if roundBudget < 50*time.Millisecond {
			roundBudget = remaining
		}
		dec, ok := e.awaitDecision(ctx, seq, wantDigest, roundBudget)
		if ok {
			e.mu.Lock()
			e.successes++
			e.nextSeq = seq + 1
			e.mu.Unlock()
			if e.log != nil {
				e.log.Infow("round_decided", "view", dec.View, "seq", dec.Sequence, "digest", dec.Digest.String())
			}
			return dec, nil
		}
		if ctx.Err() != nil {
			e.fail()
			return Decision{}, fmt.Errorf("%w: %v", ErrRoundFailed, ctx.Err())
		}

		// Timeout: rotate the leader.
		next := view + 1
		for _, r := range replicas {
			r.StartViewChange(ctx, next)
		}
		e.mu.Lock()
		e.view = next
		e.viewChanges++
		e.rounds++
		e.mu.Unlock()
		if e.log != nil {
			e.log.Warnw("round_timeout", "view", view, "seq", seq, "next_leader", e.elector.LeaderOf(next))
		}

		// Let the committee adopt the view before re-driving; proposing into
		// a view the followers have not reached yet wastes the round.
		if leader, ok := replicas[e.elector.LeaderOf(next)]; ok {
			adoptBy := e.clock.Now().Add(500 * time.Millisecond)
			for e.clock.Now().Before(adoptBy) && leader.StateSnapshot().View < next {
				time.Sleep(5 * time.Millisecond)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// awaitDecision waits for any replica to commit (seq, digest) within the
// per-round budget, spread over the phase split.
func (e *Engine) awaitDecision(ctx context.Context, seq Sequence, digest Hash, budget time.Duration) (Decision, bool) {
	total := e.timers.PrePrepareFraction + e.timers.PrepareFraction + e.timers.CommitFraction
	if total <= 0 || total > 1 {
		total = 1
	}
	timeout := e.clock.After(time.Duration(float64(budget) * total))

	for {
		select {
		case <-ctx.Done():
			return Decision{}, false
		case <-timeout:
			return Decision{}, false
		case d := <-e.decidedCh:
			if d.Sequence == seq && d.Digest == digest {
				return d, true
			}
			// Stale or foreign decision; keep draining.
		}
	}
}

func (e *Engine) fail() {
	e.mu.Lock()
	e.failures++
	e.mu.Unlock()
}

func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		Rounds:      e.rounds,
		Successes:   e.successes,
		Failures:    e.failures,
		ViewChanges: e.viewChanges,
		Tolerance:   e.q.F,
		N:           e.q.N,
	}
	if e.rounds > 0 {
		m.SuccessRate = float64(e.successes) / float64(e.rounds)
	}
	return m
}

package orchestrator

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/reliquary/reliquary/pkg/agent"
	"github.com/reliquary/reliquary/pkg/audit"
	"github.com/reliquary/reliquary/pkg/consensus"
	"github.com/reliquary/reliquary/pkg/util"
)

// ConsensusDriver is the agreement collaborator; the engine in pkg/consensus
// satisfies it.
type ConsensusDriver interface {
	Propose(ctx context.Context, value []byte, budget time.Duration) (consensus.Decision, error)
	Metrics() consensus.Metrics
}

// WAL records one line per terminal result for crash forensics.
type WAL interface {
	Append(line string)
}

// ResultStore persists terminal results beyond the in-memory cache, so a
// restarted node can still answer status queries for old requests. The pebble
// store in pkg/storage satisfies it.
type ResultStore interface {
	SaveResult(res Result) error
	LoadResult(requestID string) (Result, bool, error)
}

// Stats is the orchestrator's operator surface.
type Stats struct {
	Active    int               `json:"active"`
	Queued    int               `json:"queued"`
	Completed int               `json:"completed"`
	Consensus consensus.Metrics `json:"consensus"`
}

// Orchestrator drives decision requests through agent evaluation, consensus,
// weighted finalization and the audit log.
type Orchestrator struct {
	registry *agent.Registry
	driver   ConsensusDriver
	trust    agent.TrustProvider
	auditLog audit.Sink
	wal      WAL

	slots     *slots
	completed *lru.Cache
	results   ResultStore

	mu      sync.Mutex
	history []string // completion order, newest last

	defaultTimeout     time.Duration
	evalFraction       float64
	consensusThreshold float64
	overrideEnabled    bool
	clock              util.Clock
	log                *zap.SugaredLogger
}

type Config struct {
	Registry *agent.Registry
	Driver   ConsensusDriver
	Trust    agent.TrustProvider
	Audit    audit.Sink
	WAL      WAL
	Results  ResultStore

	RequestTimeout           time.Duration
	MaxConcurrent            int
	MaxQueue                 int
	EvaluationBudgetFraction float64
	ConsensusThreshold       float64
	CompletedCacheSize       int
	EmergencyOverrideEnabled bool

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil || cfg.Driver == nil || cfg.Audit == nil {
		return nil, fmt.Errorf("registry, driver and audit sink are required")
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxQueue == 0 {
		cfg.MaxQueue = 100
	}
	if cfg.EvaluationBudgetFraction == 0 {
		cfg.EvaluationBudgetFraction = 0.8
	}
	if cfg.ConsensusThreshold == 0 {
		cfg.ConsensusThreshold = 0.6
	}
	if cfg.CompletedCacheSize == 0 {
		cfg.CompletedCacheSize = 10000
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Trust == nil {
		cfg.Trust = agent.StaticTrustProvider{Score: 0.5}
	}
	if cfg.WAL == nil {
		cfg.WAL = nopWAL{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	cache, err := lru.New(cfg.CompletedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("completed cache: %w", err)
	}
	return &Orchestrator{
		registry:           cfg.Registry,
		driver:             cfg.Driver,
		trust:              cfg.Trust,
		auditLog:           cfg.Audit,
		wal:                cfg.WAL,
		slots:              newSlots(cfg.MaxConcurrent, cfg.MaxQueue),
		completed:          cache,
		results:            cfg.Results,
		defaultTimeout:     cfg.RequestTimeout,
		evalFraction:       cfg.EvaluationBudgetFraction,
		consensusThreshold: cfg.ConsensusThreshold,
		overrideEnabled:    cfg.EmergencyOverrideEnabled,
		clock:              clock,
		log:                cfg.Logger,
	}, nil
}

type nopWAL struct{}

func (nopWAL) Append(string) {}

// Orchestrate blocks until the request reaches a terminal state and returns
// exactly one result. Every terminal result is recorded in the completed map
// and appended to the audit log.
func (o *Orchestrator) Orchestrate(ctx context.Context, req DecisionRequest) (Result, error) {
	if req.RequestID == "" {
		return Result{}, fmt.Errorf("%w: empty request id", ErrBadRequest)
	}
	if req.Timeout <= 0 {
		req.Timeout = o.defaultTimeout
	}
	if req.Priority < 1 || req.Priority > 10 {
		return Result{}, fmt.Errorf("%w: priority %d outside 1..10", ErrBadRequest, req.Priority)
	}

	start := o.clock.Now()
	res := Result{
		RequestID:     req.RequestID,
		FinalDecision: agent.DecisionDeny,
		Status:        StatusPending,
		StartedAt:     start,
	}

	reqCtx, cancel := context.WithDeadline(ctx, start.Add(req.Timeout))
	defer cancel()

	// Admission. Queue wait counts against the request deadline.
	if err := o.slots.acquire(reqCtx, req.Priority); err != nil {
		if err == ErrOverCapacity {
			res.Status = StatusFailed
			res.Reason = "over_capacity"
		} else {
			res.Status = StatusTimeout
			res.Reason = "timed out waiting for an execution slot"
		}
		return o.finalize(res, start), nil
	}
	defer o.slots.release()

	// Evaluation phase.
	res.Status = StatusEvaluating
	trustScore := o.assessTrust(reqCtx, req)
	res.TrustScore = trustScore

	adapters := o.registry.Snapshot()
	if len(adapters) == 0 {
		res.Status = StatusFailed
		res.Reason = "no agents registered"
		return o.finalize(res, start), nil
	}
	for _, a := range adapters {
		res.Participants = append(res.Participants, a.ID())
	}

	evalBudget := time.Duration(float64(req.Timeout) * o.evalFraction)
	verdicts := o.evaluate(reqCtx, req, adapters, trustScore, evalBudget)
	res.Verdicts = verdicts

	if reqCtx.Err() != nil {
		res.Status = StatusTimeout
		res.Reason = "request deadline exceeded during evaluation"
		return o.finalize(res, start), nil
	}

	// Consensus phase: the committee agrees on the verdict set itself, so
	// every replica finalizes from identical inputs.
	encoded, err := encodeVerdicts(verdicts)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("encode verdicts: %v", err)
		return o.finalize(res, start), nil
	}

	deadline := start.Add(req.Timeout)
	consensusBudget := deadline.Sub(o.clock.Now())
	if consensusBudget <= 0 {
		res.Status = StatusTimeout
		res.Reason = "no consensus budget remaining"
		return o.finalize(res, start), nil
	}

	dec, err := o.driver.Propose(reqCtx, encoded, consensusBudget)
	if err != nil {
		res.Consensus = StatusConsensusFailed
		if reqCtx.Err() != nil {
			res.Status = StatusTimeout
			res.Reason = "request deadline exceeded during consensus"
		} else {
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("consensus failed: %v", err)
		}
		return o.finalize(res, start), nil
	}

	decided, err := decodeVerdicts(dec.Value)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("decode decided verdicts: %v", err)
		return o.finalize(res, start), nil
	}
	res.Consensus = StatusConsensusReached
	res.Verdicts = decided

	// Finalization: weighted tally over the decided verdict set.
	decision, confidence := Tally(decided)
	if decision == agent.DecisionAllow && confidence < o.consensusThreshold {
		decision = agent.DecisionDeny
		res.Reason = fmt.Sprintf("confidence %.3f below threshold %.2f", confidence, o.consensusThreshold)
	}
	res.FinalDecision = decision
	res.Confidence = confidence
	res.Status = StatusExecuted

	return o.finalize(res, start), nil
}

func (o *Orchestrator) assessTrust(ctx context.Context, req DecisionRequest) float64 {
	assessment, err := o.trust.EvaluateTrust(ctx, req.UserID, req.Context)
	if err != nil {
		if o.log != nil {
			o.log.Warnw("trust_provider_failed", "request", req.RequestID, "err", err)
		}
		return 0
	}
	return assessment.TrustScore
}

// evaluate fans out to every registered agent in parallel. Agents that error
// or outlive the budget contribute a fallback deny, so the verdict set always
// matches the committee.
func (o *Orchestrator) evaluate(ctx context.Context, req DecisionRequest, adapters []agent.Adapter, trustScore float64, budget time.Duration) []agent.Verdict {
	evalCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type indexed struct {
		i int
		v agent.Verdict
	}
	out := make(chan indexed, len(adapters))
	for i, a := range adapters {
		go func(i int, a agent.Adapter) {
			started := o.clock.Now()
			v, err := a.Evaluate(evalCtx, agent.EvalRequest{
				RequestID:  req.RequestID,
				Context:    req.Context,
				TrustScore: trustScore,
				History:    req.History,
			})
			if err != nil {
				v = agent.FallbackVerdict(a.ID(), a.Role(), err.Error())
			}
			v.ProcessingTime = o.clock.Now().Sub(started)
			out <- indexed{i, v}
		}(i, a)
	}

	verdicts := make([]agent.Verdict, len(adapters))
	received := make([]bool, len(adapters))
	collected := 0
	for collected < len(adapters) {
		select {
		case iv := <-out:
			verdicts[iv.i] = iv.v
			received[iv.i] = true
			collected++
			o.registry.Touch(iv.v.AgentID)
		case <-evalCtx.Done():
			for i, ok := range received {
				if !ok {
					verdicts[i] = agent.FallbackVerdict(adapters[i].ID(), adapters[i].Role(), "evaluation budget exceeded")
				}
			}
			return verdicts
		}
	}
	return verdicts
}

// Tally computes the weighted decision per the dual-majority rule: ALLOW
// needs both more allow votes and more allow trust weight; every tie falls to
// DENY.
func Tally(verdicts []agent.Verdict) (agent.Decision, float64) {
	var allowCount, denyCount int
	var allowWeight, denyWeight float64
	for _, v := range verdicts {
		if v.Decision == agent.DecisionAllow {
			allowCount++
			allowWeight += v.TrustScore
		} else {
			denyCount++
			denyWeight += v.TrustScore
		}
	}

	total := allowWeight + denyWeight
	if allowCount > denyCount && allowWeight > denyWeight {
		if total == 0 {
			return agent.DecisionAllow, 0
		}
		return agent.DecisionAllow, allowWeight / total
	}
	if total == 0 {
		return agent.DecisionDeny, 0
	}
	return agent.DecisionDeny, denyWeight / total
}

// finalize audits and records the terminal result. An audit failure demotes
// the outcome to FAILED; the caller never sees an unaudited decision.
func (o *Orchestrator) finalize(res Result, start time.Time) Result {
	res.Duration = o.clock.Now().Sub(start)

	payload, err := json.Marshal(map[string]any{
		"kind":       "decision",
		"request":    res.RequestID,
		"decision":   res.FinalDecision,
		"confidence": res.Confidence,
		"status":     res.Status,
		"reason":     res.Reason,
		"agents":     res.Participants,
		"duration":   res.Duration.String(),
	})
	if err == nil {
		var entry audit.Entry
		entry, err = o.auditLog.Append(payload)
		if err == nil {
			res.AuditIndex = entry.Index
		}
	}
	if err != nil {
		res.Status = StatusFailed
		res.FinalDecision = agent.DecisionDeny
		res.Reason = fmt.Sprintf("audit append failed: %v", err)
		if o.log != nil {
			o.log.Errorw("audit_append_failed", "request", res.RequestID, "err", err)
		}
	}

	o.record(res)

	o.wal.Append(fmt.Sprintf("%s %s %s %.3f %s",
		res.StartedAt.UTC().Format(time.RFC3339Nano), res.RequestID, res.FinalDecision, res.Confidence, res.Status))
	if o.log != nil {
		o.log.Infow("decision_finalized",
			"request", res.RequestID, "decision", res.FinalDecision,
			"confidence", res.Confidence, "status", res.Status, "duration", res.Duration)
	}
	return res
}

func (o *Orchestrator) record(res Result) {
	o.completed.Add(res.RequestID, res)
	if o.results != nil {
		if err := o.results.SaveResult(res); err != nil && o.log != nil {
			o.log.Warnw("result_persist_failed", "request", res.RequestID, "err", err)
		}
	}
	o.mu.Lock()
	o.history = append(o.history, res.RequestID)
	// The LRU evicts old results; ids past twice its cap can never resolve.
	if len(o.history) > 20000 {
		o.history = append([]string(nil), o.history[len(o.history)-10000:]...)
	}
	o.mu.Unlock()
}

// Query returns the terminal result for a completed request, falling back to
// the result store when the cache has evicted it.
func (o *Orchestrator) Query(requestID string) (Result, error) {
	if v, ok := o.completed.Get(requestID); ok {
		return v.(Result), nil
	}
	if o.results != nil {
		if res, ok, err := o.results.LoadResult(requestID); err == nil && ok {
			return res, nil
		}
	}
	return Result{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
}

// History returns up to limit most recent results, newest first.
func (o *Orchestrator) History(limit int) []Result {
	o.mu.Lock()
	ids := append([]string(nil), o.history...)
	o.mu.Unlock()

	out := make([]Result, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if v, ok := o.completed.Get(ids[i]); ok {
			out = append(out, v.(Result))
		}
	}
	return out
}

// EmergencyOverride records a derived decision keyed "{id}_override". The
// original result is never mutated; the override is audited with its reason.
func (o *Orchestrator) EmergencyOverride(requestID string, decision agent.Decision, reason string) bool {
	if !o.overrideEnabled {
		return false
	}
	if _, err := o.Query(requestID); err != nil {
		return false
	}

	now := o.clock.Now()
	res := Result{
		RequestID:     requestID + "_override",
		FinalDecision: decision,
		Confidence:    1.0,
		Status:        StatusExecuted,
		Reason:        reason,
		Participants:  []string{"emergency_override"},
		StartedAt:     now,
	}

	payload, err := json.Marshal(map[string]any{
		"kind":     "emergency_override",
		"request":  requestID,
		"decision": decision,
		"reason":   reason,
	})
	if err != nil {
		return false
	}
	entry, err := o.auditLog.Append(payload)
	if err != nil {
		if o.log != nil {
			o.log.Errorw("audit_append_failed", "request", res.RequestID, "err", err)
		}
		return false
	}
	res.AuditIndex = entry.Index

	o.record(res)
	if o.log != nil {
		o.log.Warnw("emergency_override", "request", requestID, "decision", decision, "reason", reason)
	}
	return true
}

func (o *Orchestrator) Stats() Stats {
	active, queued := o.slots.depth()
	return Stats{
		Active:    active,
		Queued:    queued,
		Completed: o.completed.Len(),
		Consensus: o.driver.Metrics(),
	}
}

func encodeVerdicts(v []agent.Verdict) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVerdicts(b []byte) ([]agent.Verdict, error) {
	var v []agent.Verdict
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

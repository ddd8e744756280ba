package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/reliquary/reliquary/pkg/agent"
	"github.com/reliquary/reliquary/pkg/audit"
	"github.com/reliquary/reliquary/pkg/consensus"
)

// echoDriver decides on whatever was proposed, immediately.
type echoDriver struct {
	mu     sync.Mutex
	rounds uint64
	fail   bool
}

func (d *echoDriver) Propose(ctx context.Context, value []byte, budget time.Duration) (consensus.Decision, error) {
	d.mu.Lock()
	d.rounds++
	d.mu.Unlock()
	if d.fail {
		return consensus.Decision{}, consensus.ErrRoundFailed
	}
	return consensus.Decision{Digest: consensus.HashOfValue(value), Value: value}, nil
}

func (d *echoDriver) Metrics() consensus.Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return consensus.Metrics{Rounds: d.rounds, N: 4, Tolerance: 1}
}

// fakeAgent returns a scripted verdict after an optional delay.
type fakeAgent struct {
	id       string
	role     agent.Role
	decision agent.Decision
	trust    float64
	conf     float64
	delay    time.Duration
	err      error
}

func (f *fakeAgent) ID() string       { return f.id }
func (f *fakeAgent) Role() agent.Role { return f.role }

func (f *fakeAgent) Evaluate(ctx context.Context, req agent.EvalRequest) (agent.Verdict, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return agent.Verdict{}, ctx.Err()
		}
	}
	if f.err != nil {
		return agent.Verdict{}, f.err
	}
	return agent.Verdict{
		AgentID:    f.id,
		Role:       f.role,
		Decision:   f.decision,
		Confidence: f.conf,
		TrustScore: f.trust,
		Timestamp:  time.Now(),
	}, nil
}

func newTestOrchestrator(t *testing.T, agents []*fakeAgent, cfg Config) (*Orchestrator, *audit.Chain) {
	t.Helper()

	reg := agent.NewRegistry(nil)
	for _, a := range agents {
		reg.Register(a, nil, nil)
	}
	chain, err := audit.NewChain(audit.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	cfg.Registry = reg
	cfg.Audit = chain
	if cfg.Driver == nil {
		cfg.Driver = &echoDriver{}
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return o, chain
}

func quadAgents(decisions [4]agent.Decision, trusts [4]float64) []*fakeAgent {
	roles := [4]agent.Role{agent.RoleNeutral, agent.RolePermissive, agent.RoleStrict, agent.RoleWatchdog}
	out := make([]*fakeAgent, 4)
	for i := range out {
		out[i] = &fakeAgent{
			id:       fmt.Sprintf("agent-%d", i),
			role:     roles[i],
			decision: decisions[i],
			trust:    trusts[i],
			conf:     0.9,
		}
	}
	return out
}

func TestUnanimousAllow(t *testing.T) {
	allow := agent.DecisionAllow
	o, chain := newTestOrchestrator(t,
		quadAgents([4]agent.Decision{allow, allow, allow, allow}, [4]float64{0.8, 0.8, 0.8, 0.8}),
		Config{EmergencyOverrideEnabled: true})

	res, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "req-1", UserID: "alice", Priority: 5, Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.FinalDecision != agent.DecisionAllow {
		t.Fatalf("decision = %s, want allow", res.FinalDecision)
	}
	if res.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", res.Confidence)
	}
	if len(res.Participants) != 4 || len(res.Verdicts) != 4 {
		t.Fatalf("participants=%d verdicts=%d, want 4/4", len(res.Participants), len(res.Verdicts))
	}
	if res.Consensus != StatusConsensusReached || res.Status != StatusExecuted {
		t.Fatalf("status=%s consensus=%s", res.Status, res.Consensus)
	}
	if chain.Len() != 1 {
		t.Fatalf("audit entries = %d, want 1", chain.Len())
	}
}

func TestSplitDecisionFallsToDeny(t *testing.T) {
	allow, deny := agent.DecisionAllow, agent.DecisionDeny
	o, _ := newTestOrchestrator(t,
		quadAgents([4]agent.Decision{allow, allow, deny, deny}, [4]float64{0.6, 0.5, 0.9, 0.9}),
		Config{})

	res, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "req-split", UserID: "bob", Priority: 5, Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.FinalDecision != agent.DecisionDeny {
		t.Fatalf("tied counts with heavier deny weight must deny")
	}
	if math.Abs(res.Confidence-1.8/2.9) > 0.001 {
		t.Fatalf("confidence = %v, want ~0.620", res.Confidence)
	}
}

func TestHangingAgentContributesFallback(t *testing.T) {
	allow := agent.DecisionAllow
	agents := quadAgents([4]agent.Decision{allow, allow, allow, allow}, [4]float64{0.8, 0.8, 0.8, 0.8})
	agents[2].delay = 10 * time.Second // outlives the evaluation budget

	o, _ := newTestOrchestrator(t, agents, Config{})

	res, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "req-hang", UserID: "carol", Priority: 5, Timeout: 1 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if len(res.Verdicts) != 4 {
		t.Fatalf("verdict set must cover every registered agent, got %d", len(res.Verdicts))
	}

	var fallback *agent.Verdict
	for i := range res.Verdicts {
		if res.Verdicts[i].AgentID == "agent-2" {
			fallback = &res.Verdicts[i]
		}
	}
	if fallback == nil {
		t.Fatalf("missing verdict for the hung agent")
	}
	if fallback.Decision != agent.DecisionDeny || fallback.TrustScore != 0 || fallback.Confidence != 0 {
		t.Fatalf("hung agent must contribute a zero-weight deny: %+v", fallback)
	}

	// Three allows at weight 0.8 against a zero-weight deny.
	if res.FinalDecision != agent.DecisionAllow || res.Confidence != 1.0 {
		t.Fatalf("decision=%s confidence=%v, want allow/1.0", res.FinalDecision, res.Confidence)
	}
}

func TestErroringAgentContributesFallback(t *testing.T) {
	allow := agent.DecisionAllow
	agents := quadAgents([4]agent.Decision{allow, allow, allow, allow}, [4]float64{0.8, 0.8, 0.8, 0.8})
	agents[1].err = errors.New("policy backend unreachable")

	o, _ := newTestOrchestrator(t, agents, Config{})
	res, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "req-err", UserID: "dave", Priority: 5, Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	for _, v := range res.Verdicts {
		if v.AgentID == "agent-1" {
			if v.Decision != agent.DecisionDeny || v.Reasoning != "policy backend unreachable" {
				t.Fatalf("fallback verdict should carry the cause: %+v", v)
			}
		}
	}
}

func TestLowConfidenceAllowDemotedToDeny(t *testing.T) {
	allow, deny := agent.DecisionAllow, agent.DecisionDeny
	// allow wins both counts and weight, but 1.2/2.1 = 0.571 < 0.6.
	o, _ := newTestOrchestrator(t,
		quadAgents([4]agent.Decision{allow, allow, allow, deny}, [4]float64{0.4, 0.4, 0.4, 0.9}),
		Config{})

	res, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "req-weak", UserID: "erin", Priority: 5, Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.FinalDecision != agent.DecisionDeny {
		t.Fatalf("allow below the confidence threshold must demote to deny")
	}
	if res.Reason == "" {
		t.Fatalf("demotion must carry a reason")
	}
}

func TestConsensusFailureDenies(t *testing.T) {
	allow := agent.DecisionAllow
	o, _ := newTestOrchestrator(t,
		quadAgents([4]agent.Decision{allow, allow, allow, allow}, [4]float64{0.8, 0.8, 0.8, 0.8}),
		Config{Driver: &echoDriver{fail: true}})

	res, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "req-cf", UserID: "frank", Priority: 5, Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.Status != StatusFailed || res.Consensus != StatusConsensusFailed {
		t.Fatalf("status=%s consensus=%s", res.Status, res.Consensus)
	}
	if res.FinalDecision != agent.DecisionDeny {
		t.Fatalf("consensus failure must default to deny")
	}
}

func TestRequestValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, Config{})

	if _, err := o.Orchestrate(context.Background(), DecisionRequest{RequestID: "x", Priority: 0, Timeout: time.Second}); err == nil {
		t.Fatalf("priority 0 must be rejected")
	}
	if _, err := o.Orchestrate(context.Background(), DecisionRequest{RequestID: "x", Priority: 11, Timeout: time.Second}); err == nil {
		t.Fatalf("priority 11 must be rejected")
	}
	if _, err := o.Orchestrate(context.Background(), DecisionRequest{Priority: 5, Timeout: time.Second}); err == nil {
		t.Fatalf("empty request id must be rejected")
	}
}

func TestOverCapacityFailsFast(t *testing.T) {
	allow := agent.DecisionAllow
	agents := quadAgents([4]agent.Decision{allow, allow, allow, allow}, [4]float64{0.8, 0.8, 0.8, 0.8})
	for _, a := range agents {
		a.delay = 300 * time.Millisecond
	}
	o, _ := newTestOrchestrator(t, agents, Config{MaxConcurrent: 1, MaxQueue: 1})

	var wg sync.WaitGroup
	results := make(chan Result, 3)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _ := o.Orchestrate(context.Background(), DecisionRequest{
				RequestID: fmt.Sprintf("req-slot-%d", i), UserID: "u", Priority: 5, Timeout: 5 * time.Second,
			})
			results <- res
		}(i)
	}

	// Let the first two occupy the slot and the queue.
	time.Sleep(100 * time.Millisecond)
	res, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "req-overflow", UserID: "u", Priority: 5, Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.Status != StatusFailed || res.Reason != "over_capacity" {
		t.Fatalf("overflow request should fail fast: status=%s reason=%q", res.Status, res.Reason)
	}
	wg.Wait()
	close(results)
	for r := range results {
		if !r.Status.Terminal() {
			t.Fatalf("queued request ended non-terminal: %+v", r)
		}
	}
}

func TestQueryAndHistory(t *testing.T) {
	allow := agent.DecisionAllow
	o, _ := newTestOrchestrator(t,
		quadAgents([4]agent.Decision{allow, allow, allow, allow}, [4]float64{0.8, 0.8, 0.8, 0.8}),
		Config{})

	for i := 0; i < 3; i++ {
		if _, err := o.Orchestrate(context.Background(), DecisionRequest{
			RequestID: fmt.Sprintf("req-%d", i), UserID: "u", Priority: 5, Timeout: 2 * time.Second,
		}); err != nil {
			t.Fatalf("orchestrate %d: %v", i, err)
		}
	}

	if _, err := o.Query("req-1"); err != nil {
		t.Fatalf("query: %v", err)
	}
	if _, err := o.Query("req-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id should return not-found, got %v", err)
	}

	h := o.History(2)
	if len(h) != 2 {
		t.Fatalf("history len = %d, want 2", len(h))
	}
	if h[0].RequestID != "req-2" || h[1].RequestID != "req-1" {
		t.Fatalf("history must be newest first: %s, %s", h[0].RequestID, h[1].RequestID)
	}
}

func TestEmergencyOverride(t *testing.T) {
	deny := agent.DecisionDeny
	o, chain := newTestOrchestrator(t,
		quadAgents([4]agent.Decision{deny, deny, deny, deny}, [4]float64{0.8, 0.8, 0.8, 0.8}),
		Config{EmergencyOverrideEnabled: true})

	orig, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "R", UserID: "u", Priority: 5, Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if orig.FinalDecision != agent.DecisionDeny {
		t.Fatalf("setup: expected a deny")
	}
	auditBefore := chain.Len()

	if !o.EmergencyOverride("R", agent.DecisionAllow, "critical incident") {
		t.Fatalf("override should succeed")
	}

	over, err := o.Query("R_override")
	if err != nil {
		t.Fatalf("override record: %v", err)
	}
	if over.FinalDecision != agent.DecisionAllow || over.Confidence != 1.0 {
		t.Fatalf("override record: %+v", over)
	}
	if len(over.Participants) != 1 || over.Participants[0] != "emergency_override" {
		t.Fatalf("override participants: %+v", over.Participants)
	}

	// The original is untouched and the override is audited.
	same, _ := o.Query("R")
	if same.FinalDecision != agent.DecisionDeny {
		t.Fatalf("original record mutated by override")
	}
	if chain.Len() != auditBefore+1 {
		t.Fatalf("override must append one audit entry")
	}

	if o.EmergencyOverride("nope", agent.DecisionAllow, "x") {
		t.Fatalf("override of an unknown request must fail")
	}
}

func TestOverrideDisabled(t *testing.T) {
	deny := agent.DecisionDeny
	o, _ := newTestOrchestrator(t,
		quadAgents([4]agent.Decision{deny, deny, deny, deny}, [4]float64{0.8, 0.8, 0.8, 0.8}),
		Config{EmergencyOverrideEnabled: false})

	if _, err := o.Orchestrate(context.Background(), DecisionRequest{
		RequestID: "R2", UserID: "u", Priority: 5, Timeout: 2 * time.Second,
	}); err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if o.EmergencyOverride("R2", agent.DecisionAllow, "x") {
		t.Fatalf("disabled override must refuse")
	}
}

// memResultStore records results like the pebble store, in memory.
type memResultStore struct {
	mu    sync.Mutex
	saved map[string]Result
}

func newMemResultStore() *memResultStore {
	return &memResultStore{saved: make(map[string]Result)}
}

func (s *memResultStore) SaveResult(res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[res.RequestID] = res
	return nil
}

func (s *memResultStore) LoadResult(requestID string) (Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.saved[requestID]
	return res, ok, nil
}

func TestQueryFallsBackToResultStore(t *testing.T) {
	allow := agent.DecisionAllow
	store := newMemResultStore()
	// A one-entry cache forces the first result out after the second lands.
	o, _ := newTestOrchestrator(t,
		quadAgents([4]agent.Decision{allow, allow, allow, allow}, [4]float64{0.8, 0.8, 0.8, 0.8}),
		Config{Results: store, CompletedCacheSize: 1})

	for _, id := range []string{"req-old", "req-new"} {
		if _, err := o.Orchestrate(context.Background(), DecisionRequest{
			RequestID: id, UserID: "u", Priority: 5, Timeout: 2 * time.Second,
		}); err != nil {
			t.Fatalf("orchestrate %s: %v", id, err)
		}
	}

	if _, ok, _ := store.LoadResult("req-old"); !ok {
		t.Fatalf("terminal result was not persisted")
	}

	res, err := o.Query("req-old")
	if err != nil {
		t.Fatalf("query evicted result: %v", err)
	}
	if res.RequestID != "req-old" || res.FinalDecision != agent.DecisionAllow {
		t.Fatalf("store-backed result: %+v", res)
	}

	if _, err := o.Query("req-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id should stay not-found, got %v", err)
	}
}

func TestTallyRules(t *testing.T) {
	allow, deny := agent.DecisionAllow, agent.DecisionDeny
	v := func(d agent.Decision, trust float64) agent.Verdict {
		return agent.Verdict{Decision: d, TrustScore: trust}
	}

	cases := []struct {
		name     string
		verdicts []agent.Verdict
		want     agent.Decision
	}{
		{"empty set denies", nil, deny},
		{"count majority without weight majority denies",
			[]agent.Verdict{v(allow, 0.1), v(allow, 0.1), v(deny, 0.9)}, deny},
		{"weight majority without count majority denies",
			[]agent.Verdict{v(allow, 0.9), v(deny, 0.2), v(deny, 0.2)}, deny},
		{"dual majority allows",
			[]agent.Verdict{v(allow, 0.8), v(allow, 0.8), v(deny, 0.5)}, allow},
		{"exact tie denies",
			[]agent.Verdict{v(allow, 0.5), v(deny, 0.5)}, deny},
	}
	for _, c := range cases {
		got, _ := Tally(c.verdicts)
		if got != c.want {
			t.Fatalf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}

package tests

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/reliquary/params"
	"github.com/reliquary/reliquary/pkg/agent"
	"github.com/reliquary/reliquary/pkg/core"
	"github.com/reliquary/reliquary/pkg/decrypt"
	"github.com/reliquary/reliquary/pkg/orchestrator"
)

var testSeed = []byte("e2e-master-seed-0123456789abcdef")

func newCore(t *testing.T, mutate func(*params.Config), opts core.Options) *core.Core {
	t.Helper()
	cfg := params.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	if opts.MasterSeed == nil {
		opts.MasterSeed = testSeed
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c, err := core.New(ctx, cfg, opts)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c
}

func TestDecisionUnanimousAllow(t *testing.T) {
	c := newCore(t, nil, core.Options{Trust: agent.StaticTrustProvider{Score: 0.9}})

	res, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
		RequestID: "e2e-allow-1",
		UserID:    "alice",
		Context:   map[string]string{"action": "read"},
		Priority:  5,
		Timeout:   10 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.FinalDecision != agent.DecisionAllow {
		t.Fatalf("decision = %s, want allow", res.FinalDecision)
	}
	if res.Consensus != orchestrator.StatusConsensusReached {
		t.Fatalf("consensus status = %s, want consensus_reached", res.Consensus)
	}
	if res.Status != orchestrator.StatusExecuted {
		t.Fatalf("status = %s, want executed", res.Status)
	}
	if res.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", res.Confidence)
	}
	if len(res.Verdicts) != 4 {
		t.Fatalf("verdicts = %d, want 4", len(res.Verdicts))
	}
	if c.Audit.Len() == 0 {
		t.Fatal("decision was not audited")
	}
}

func TestDecisionHighRiskDenied(t *testing.T) {
	c := newCore(t, nil, core.Options{Trust: agent.StaticTrustProvider{Score: 0.9}})

	res, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
		RequestID: "e2e-deny-1",
		UserID:    "mallory",
		Context: map[string]string{
			"action":               "delete",
			"resource_sensitivity": "critical",
			"anomaly":              "true",
		},
		Priority: 5,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.FinalDecision != agent.DecisionDeny {
		t.Fatalf("decision = %s, want deny", res.FinalDecision)
	}
	if !res.Status.Terminal() {
		t.Fatalf("status %s is not terminal", res.Status)
	}
}

func TestDecisionCompletesWithinTimeout(t *testing.T) {
	c := newCore(t, nil, core.Options{Trust: agent.StaticTrustProvider{Score: 0.9}})

	timeout := 5 * time.Second
	start := time.Now()
	res, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
		RequestID: "e2e-budget-1",
		UserID:    "alice",
		Priority:  5,
		Timeout:   timeout,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed > timeout+time.Second {
		t.Fatalf("orchestrate took %v, budget was %v", elapsed, timeout)
	}
	if !res.Status.Terminal() {
		t.Fatalf("status %s is not terminal", res.Status)
	}
}

func TestDecisionQueryAndHistory(t *testing.T) {
	c := newCore(t, nil, core.Options{Trust: agent.StaticTrustProvider{Score: 0.9}})

	for _, id := range []string{"e2e-h1", "e2e-h2"} {
		if _, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
			RequestID: id, UserID: "alice", Priority: 5, Timeout: 10 * time.Second,
		}); err != nil {
			t.Fatalf("orchestrate %s: %v", id, err)
		}
	}

	got, err := c.GetDecisionStatus("e2e-h1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.RequestID != "e2e-h1" {
		t.Fatalf("query returned %s", got.RequestID)
	}

	hist := c.GetDecisionHistory(10)
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].RequestID != "e2e-h2" {
		t.Fatalf("history not newest-first: %s", hist[0].RequestID)
	}
}

func TestEmergencyOverrideEndToEnd(t *testing.T) {
	c := newCore(t, nil, core.Options{Trust: agent.StaticTrustProvider{Score: 0.1}})

	res, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
		RequestID: "e2e-ovr-1",
		UserID:    "bob",
		Priority:  5,
		Timeout:   10 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.FinalDecision != agent.DecisionDeny {
		t.Fatalf("setup: decision = %s, want deny", res.FinalDecision)
	}
	auditBefore := c.Audit.Len()

	if !c.EmergencyOverride("e2e-ovr-1", agent.DecisionAllow, "incident response") {
		t.Fatal("override rejected")
	}

	ovr, err := c.GetDecisionStatus("e2e-ovr-1_override")
	if err != nil {
		t.Fatalf("query override: %v", err)
	}
	if ovr.FinalDecision != agent.DecisionAllow || ovr.Confidence != 1.0 {
		t.Fatalf("override result = %s/%v", ovr.FinalDecision, ovr.Confidence)
	}
	// Original stays untouched, override is separately audited.
	orig, err := c.GetDecisionStatus("e2e-ovr-1")
	if err != nil {
		t.Fatalf("query original: %v", err)
	}
	if orig.FinalDecision != agent.DecisionDeny {
		t.Fatalf("original was mutated to %s", orig.FinalDecision)
	}
	if c.Audit.Len() != auditBefore+1 {
		t.Fatalf("audit len = %d, want %d", c.Audit.Len(), auditBefore+1)
	}
}

func TestAuditChainVerifiesAfterActivity(t *testing.T) {
	vault := decrypt.NewMemoryVault(decrypt.ChaChaBackend{})
	if err := vault.Store("vault-1", "doc-1", []byte("payload")); err != nil {
		t.Fatalf("vault store: %v", err)
	}
	c := newCore(t, nil, core.Options{
		Trust:       agent.StaticTrustProvider{Score: 0.9},
		Vault:       vault,
		KeyResolver: vault.ResolveKey,
	})

	if _, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
		RequestID: "e2e-audit-1", UserID: "alice", Priority: 5, Timeout: 10 * time.Second,
	}); err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if _, err := c.RequestDecryption("vault-1", "doc-1", "alice", "routine read",
		decrypt.LevelSingleAgent, false, []string{"neutral_agent"}, ""); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	n := c.Audit.Len()
	if n < 2 {
		t.Fatalf("audit len = %d, want >= 2", n)
	}
	for i := uint64(0); i < n; i++ {
		if err := c.Audit.Verify(i); err != nil {
			t.Fatalf("verify entry %d: %v", i, err)
		}
		if _, err := c.Audit.Proof(i); err != nil {
			t.Fatalf("proof entry %d: %v", i, err)
		}
	}
}

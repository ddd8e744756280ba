package tests

import (
	"context"
	"testing"
	"time"

	"github.com/reliquary/reliquary/pkg/agent"
	"github.com/reliquary/reliquary/pkg/core"
	"github.com/reliquary/reliquary/pkg/orchestrator"
	"github.com/reliquary/reliquary/pkg/p2p"
)

// Every orchestrated decision runs one full agreement round across the
// four-replica committee; the engine metrics must reflect it.
func TestConsensusRoundsAccountedPerDecision(t *testing.T) {
	c := newCore(t, nil, core.Options{Trust: agent.StaticTrustProvider{Score: 0.9}})

	m := c.ConsensusMetrics()
	if m.N != 4 || m.Tolerance != 1 {
		t.Fatalf("committee = n%d f%d, want n4 f1", m.N, m.Tolerance)
	}
	if m.Rounds != 0 {
		t.Fatalf("fresh engine rounds = %d", m.Rounds)
	}

	for i, id := range []string{"e2e-c1", "e2e-c2", "e2e-c3"} {
		res, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
			RequestID: id, UserID: "alice", Priority: i + 1, Timeout: 10 * time.Second,
		})
		if err != nil {
			t.Fatalf("orchestrate %s: %v", id, err)
		}
		if res.Consensus != orchestrator.StatusConsensusReached {
			t.Fatalf("%s consensus status = %s", id, res.Consensus)
		}
	}

	m = c.ConsensusMetrics()
	if m.Rounds != 3 || m.Successes != 3 {
		t.Fatalf("metrics = %d rounds %d successes, want 3/3", m.Rounds, m.Successes)
	}
	if m.SuccessRate != 1.0 {
		t.Fatalf("success rate = %v", m.SuccessRate)
	}
}

// A committee on the gossip transport reaches the same decisions as one on
// the in-process hub.
func TestDecisionOverGossipTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("libp2p net: %v", err)
	}
	defer net.Close()

	c := newCore(t, nil, core.Options{
		Trust:     agent.StaticTrustProvider{Score: 0.9},
		Transport: net,
	})

	res, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
		RequestID: "e2e-gossip-1", UserID: "alice", Priority: 5, Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.FinalDecision != agent.DecisionAllow {
		t.Fatalf("decision = %s, want allow", res.FinalDecision)
	}
	if res.Consensus != orchestrator.StatusConsensusReached {
		t.Fatalf("consensus status = %s", res.Consensus)
	}
}

// Agents registered after boot take part in evaluation fan-out even though the
// replica committee is fixed.
func TestLateRegisteredAgentEvaluates(t *testing.T) {
	c := newCore(t, nil, core.Options{Trust: agent.StaticTrustProvider{Score: 0.9}})

	if err := c.RegisterAgent(agent.NewNeutral("auditor_agent"), []string{"evaluate"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(c.ListAgents()) != 5 {
		t.Fatalf("agents = %d, want 5", len(c.ListAgents()))
	}

	res, err := c.OrchestrateDecision(context.Background(), orchestrator.DecisionRequest{
		RequestID: "e2e-late-1", UserID: "alice", Priority: 5, Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if len(res.Verdicts) != 5 {
		t.Fatalf("verdicts = %d, want 5", len(res.Verdicts))
	}
	found := false
	for _, v := range res.Verdicts {
		if v.AgentID == "auditor_agent" {
			found = true
		}
	}
	if !found {
		t.Fatal("late agent missing from verdicts")
	}
}

package agent

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// The built-in committee: four policy agents sharing one heuristic core but
// differing in bias. They satisfy the Adapter contract without any external
// rule engine; deployments plug richer policy stacks behind the same
// interface.

type policyAgent struct {
	id        string
	role      Role
	allowBar  float64 // minimum adjusted score to allow
	riskBar   float64 // accumulated risk above this forces a deny
	anomalous bool    // watchdog: deny outright on anomaly markers
}

func NewNeutral(id string) Adapter {
	return &policyAgent{id: id, role: RoleNeutral, allowBar: 0.5, riskBar: 0.8}
}

func NewPermissive(id string) Adapter {
	return &policyAgent{id: id, role: RolePermissive, allowBar: 0.3, riskBar: 0.95}
}

func NewStrict(id string) Adapter {
	return &policyAgent{id: id, role: RoleStrict, allowBar: 0.75, riskBar: 0.4}
}

func NewWatchdog(id string) Adapter {
	return &policyAgent{id: id, role: RoleWatchdog, allowBar: 0.6, riskBar: 0.5, anomalous: true}
}

// DefaultCommittee returns the standard four-agent committee in sorted-id
// order matching the default configuration.
func DefaultCommittee() []Adapter {
	return []Adapter{
		NewNeutral("neutral_agent"),
		NewPermissive("permissive_agent"),
		NewStrict("strict_agent"),
		NewWatchdog("watchdog_agent"),
	}
}

func (a *policyAgent) ID() string { return a.id }
func (a *policyAgent) Role() Role { return a.role }

func (a *policyAgent) Evaluate(ctx context.Context, req EvalRequest) (Verdict, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	default:
	}

	risks := assessRisks(req.Context)
	var totalRisk float64
	for _, v := range risks {
		totalRisk += v
	}

	score := req.TrustScore - totalRisk*0.5

	decision := DecisionAllow
	reason := fmt.Sprintf("trust %.2f against bar %.2f", req.TrustScore, a.allowBar)
	switch {
	case a.anomalous && risks["anomaly"] > 0:
		decision = DecisionDeny
		reason = "anomaly markers present in request context"
	case totalRisk > a.riskBar:
		decision = DecisionDeny
		reason = fmt.Sprintf("accumulated risk %.2f above bar %.2f", totalRisk, a.riskBar)
	case score < a.allowBar:
		decision = DecisionDeny
		reason = fmt.Sprintf("adjusted score %.2f below bar %.2f", score, a.allowBar)
	}

	// Confidence grows with the margin from the decision bar.
	margin := score - a.allowBar
	if decision == DecisionDeny {
		margin = -margin
	}
	confidence := 0.5 + margin
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0.1 {
		confidence = 0.1
	}

	return Verdict{
		AgentID:        a.id,
		Role:           a.role,
		Decision:       decision,
		Confidence:     confidence,
		TrustScore:     req.TrustScore,
		Reasoning:      reason,
		RiskFactors:    risks,
		ProcessingTime: time.Since(start),
		Timestamp:      time.Now(),
	}, nil
}

// assessRisks extracts risk factors from the opaque request context. Unknown
// keys are ignored; the mapping is intentionally small and deterministic.
func assessRisks(reqCtx map[string]string) map[string]float64 {
	risks := make(map[string]float64)
	if reqCtx == nil {
		return risks
	}

	switch reqCtx["action"] {
	case "delete", "destroy", "purge":
		risks["destructive_action"] = 0.3
	case "export", "share":
		risks["data_egress"] = 0.2
	}

	switch reqCtx["resource_sensitivity"] {
	case "high":
		risks["sensitive_resource"] = 0.3
	case "critical":
		risks["sensitive_resource"] = 0.5
	}

	if reqCtx["after_hours"] == "true" {
		risks["after_hours"] = 0.15
	}
	if reqCtx["anomaly"] == "true" {
		risks["anomaly"] = 0.4
	}
	if n, err := strconv.Atoi(reqCtx["failed_attempts"]); err == nil && n > 2 {
		risks["failed_attempts"] = 0.1 * float64(n)
	}

	return risks
}

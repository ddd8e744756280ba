package agent

import (
	"time"
)

type Role string

const (
	RoleNeutral    Role = "neutral"
	RolePermissive Role = "permissive"
	RoleStrict     Role = "strict"
	RoleWatchdog   Role = "watchdog"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Verdict is one agent's opinion on one decision request.
type Verdict struct {
	AgentID        string
	Role           Role
	Decision       Decision
	Confidence     float64
	TrustScore     float64
	Reasoning      string
	RiskFactors    map[string]float64
	ProcessingTime time.Duration
	Timestamp      time.Time
}

// FallbackVerdict is synthesized for agents that error out, time out or
// deregister mid-request: a zero-weight DENY carrying the cause.
func FallbackVerdict(agentID string, role Role, cause string) Verdict {
	return Verdict{
		AgentID:    agentID,
		Role:       role,
		Decision:   DecisionDeny,
		Confidence: 0,
		TrustScore: 0,
		Reasoning:  cause,
		Timestamp:  time.Now(),
	}
}

type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Info is the registry's public view of one agent.
type Info struct {
	ID           string
	Role         Role
	Capabilities []string
	Metadata     map[string]string
	Status       Status
	LastSeen     time.Time
}

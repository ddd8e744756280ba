package orchestrator

import (
	"errors"
	"time"

	"github.com/reliquary/reliquary/pkg/agent"
)

// Status tracks a request through its lifecycle. Executed, Failed and
// Timeout are terminal.
type Status string

const (
	StatusPending          Status = "pending"
	StatusEvaluating       Status = "evaluating"
	StatusConsensusReached Status = "consensus_reached"
	StatusConsensusFailed  Status = "consensus_failed"
	StatusExecuted         Status = "executed"
	StatusFailed           Status = "failed"
	StatusTimeout          Status = "timeout"
)

func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusTimeout
}

// DecisionRequest is one access decision to drive through evaluation,
// consensus and audit.
type DecisionRequest struct {
	RequestID string
	UserID    string
	Context   map[string]string
	Priority  int // 1..10, 1 highest
	Timeout   time.Duration
	History   []agent.Verdict
}

// Result is the terminal outcome of one orchestrated request.
type Result struct {
	RequestID     string          `json:"request_id"`
	FinalDecision agent.Decision  `json:"final_decision"`
	Confidence    float64         `json:"confidence"`
	Status        Status          `json:"status"`
	Consensus     Status          `json:"consensus_status,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Verdicts      []agent.Verdict `json:"verdicts,omitempty"`
	Participants  []string        `json:"participants"`
	TrustScore    float64         `json:"trust_score"`
	StartedAt     time.Time       `json:"started_at"`
	Duration      time.Duration   `json:"duration"`
	AuditIndex    uint64          `json:"audit_index"`
}

var (
	ErrBadRequest   = errors.New("invalid decision request")
	ErrOverCapacity = errors.New("over_capacity")
	ErrNotFound     = errors.New("decision not found")
)

package agent

import "context"

// EvalRequest is the input contract for one evaluation. Context is an opaque
// string mapping; agents key off whichever fields they understand.
type EvalRequest struct {
	RequestID  string
	Context    map[string]string
	TrustScore float64
	History    []Verdict
}

// Adapter is the policy-evaluation collaborator. Implementations must be safe
// to call concurrently across requests but are called at most once per
// (request, agent) pair. Blocking on I/O is fine; the orchestrator enforces
// the evaluation budget through ctx.
type Adapter interface {
	ID() string
	Role() Role
	Evaluate(ctx context.Context, req EvalRequest) (Verdict, error)
}

// TrustAssessment is the trust collaborator's output, consumed once per
// request before fan-out.
type TrustAssessment struct {
	TrustScore float64
	RiskLevel  string
	Factors    map[string]float64
}

type TrustProvider interface {
	EvaluateTrust(ctx context.Context, userID string, reqContext map[string]string) (TrustAssessment, error)
}

// StaticTrustProvider returns a fixed score; the default when no external
// trust stack is wired in.
type StaticTrustProvider struct {
	Score float64
}

func (p StaticTrustProvider) EvaluateTrust(_ context.Context, _ string, _ map[string]string) (TrustAssessment, error) {
	return TrustAssessment{TrustScore: p.Score, RiskLevel: "unknown"}, nil
}

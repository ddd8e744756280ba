package api

import (
	"fmt"
	"math/big"
	"time"

	"github.com/reliquary/reliquary/pkg/threshold"
)

// DecisionRequestBody is the POST /decisions payload.
type DecisionRequestBody struct {
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id"`
	Context   map[string]string `json:"context,omitempty"`
	Priority  int               `json:"priority"`
	TimeoutS  int               `json:"timeout_s,omitempty"`
}

// OverrideBody is the POST /decisions/{id}/override payload.
type OverrideBody struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// SchemeBody is the POST /schemes payload.
type SchemeBody struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	K        int    `json:"k"`
	N        int    `json:"n"`
	PartyIDs []int  `json:"party_ids"`
}

// ShareSecretBody carries the secret as a decimal string.
type ShareSecretBody struct {
	Secret string `json:"secret"`
}

// ShareDTO is the wire form of a share; values are decimal strings.
type ShareDTO struct {
	PartyID   int       `json:"party_id"`
	Value     string    `json:"value"`
	SchemeID  string    `json:"scheme_id"`
	K         int       `json:"k"`
	N         int       `json:"n"`
	CreatedAt time.Time `json:"created_at"`
	Signature []byte    `json:"signature"`
}

func toShareDTO(s threshold.Share) ShareDTO {
	return ShareDTO{
		PartyID:   s.PartyID,
		Value:     s.Value.String(),
		SchemeID:  s.SchemeID,
		K:         s.K,
		N:         s.N,
		CreatedAt: s.CreatedAt,
		Signature: s.Signature,
	}
}

func fromShareDTO(d ShareDTO) (threshold.Share, error) {
	v, ok := new(big.Int).SetString(d.Value, 10)
	if !ok {
		return threshold.Share{}, fmt.Errorf("party %d: value is not a decimal integer", d.PartyID)
	}
	return threshold.Share{
		PartyID:   d.PartyID,
		Value:     v,
		SchemeID:  d.SchemeID,
		K:         d.K,
		N:         d.N,
		CreatedAt: d.CreatedAt,
		Signature: d.Signature,
	}, nil
}

// ReconstructBody is the POST /schemes/{id}/reconstruct payload.
type ReconstructBody struct {
	Shares []ShareDTO `json:"shares"`
}

// ReconstructResponse mirrors the engine result with string-encoded secret.
type ReconstructResponse struct {
	Success    bool                          `json:"success"`
	Secret     string                        `json:"secret,omitempty"`
	SharesUsed int                           `json:"shares_used"`
	Validation map[int]threshold.ShareStatus `json:"validation_per_share"`
	DurationMS int64                         `json:"duration_ms"`
	Error      string                        `json:"error,omitempty"`
}

// DecryptRequestBody is the POST /decrypt payload.
type DecryptRequestBody struct {
	VaultID        string   `json:"vault_id"`
	DataID         string   `json:"data_id"`
	Requester      string   `json:"requester"`
	Justification  string   `json:"justification"`
	Level          string   `json:"level"`
	Emergency      bool     `json:"emergency,omitempty"`
	RequiredAgents []string `json:"required_agents,omitempty"`
	SchemeID       string   `json:"scheme_id,omitempty"`
}

// DecryptVoteBody is the POST /decrypt/{id}/votes payload.
type DecryptVoteBody struct {
	AgentID    string  `json:"agent_id"`
	Approve    bool    `json:"approve"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// AuditEntryDTO is the wire form of one audit entry.
type AuditEntryDTO struct {
	Index     uint64    `json:"index"`
	Payload   []byte    `json:"payload"`
	PrevHash  string    `json:"prev_hash"`
	EntryHash string    `json:"entry_hash"`
	Timestamp time.Time `json:"timestamp"`
}

// WSSubscribeRequest is the subscribe/unsubscribe frame clients send.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// Event is the frame pushed to subscribed websocket clients.
type Event struct {
	Channel   string `json:"channel"`
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

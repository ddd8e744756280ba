package decrypt

import (
	"encoding/binary"
	"time"
)

// ConsensusLevel selects the authorization quorum rule for a request.
type ConsensusLevel string

const (
	LevelSingleAgent     ConsensusLevel = "single_agent"
	LevelMajority        ConsensusLevel = "majority"
	LevelUnanimous       ConsensusLevel = "unanimous"
	LevelThresholdShares ConsensusLevel = "threshold_shares"
	LevelAdministrative  ConsensusLevel = "administrative"
)

type RequestStatus string

const (
	StatusPendingConsensus RequestStatus = "pending_consensus"
	StatusApproved         RequestStatus = "approved"
	StatusRejected         RequestStatus = "rejected"
	StatusExpired          RequestStatus = "expired"
)

// Request is one in-flight decryption authorization.
type Request struct {
	ID            string
	VaultID       string
	DataID        string
	Requester     string
	Justification string
	Level         ConsensusLevel
	Emergency     bool
	Required      []string // agent ids that may vote
	SchemeID      string   // threshold_shares level only
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Status        RequestStatus

	votes map[string]Vote
}

// Vote is one agent's recorded authorization vote. Signature is an HMAC over
// the request id, agent id, approval bit and timestamp.
type Vote struct {
	RequestID  string
	AgentID    string
	Approve    bool
	Confidence float64
	Reasoning  string
	Timestamp  time.Time
	Signature  []byte
}

// Response is what request_decryption and a quorum-completing vote return.
type Response struct {
	RequestID string        `json:"request_id"`
	Status    RequestStatus `json:"status"`
	Plaintext []byte        `json:"-"`
	Emergency bool          `json:"emergency"`
	Approvals int           `json:"approvals"`
	Denials   int           `json:"denials"`
	Reason    string        `json:"reason,omitempty"`
}

// PendingInfo is the public view of a pending request; no payload material.
type PendingInfo struct {
	ID            string         `json:"id"`
	VaultID       string         `json:"vault_id"`
	DataID        string         `json:"data_id"`
	Requester     string         `json:"requester"`
	Justification string         `json:"justification"`
	Level         ConsensusLevel `json:"level"`
	Required      []string       `json:"required"`
	Voted         []string       `json:"voted"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Metrics counts coordinator activity.
type Metrics struct {
	Requested uint64 `json:"requested"`
	Approved  uint64 `json:"approved"`
	Rejected  uint64 `json:"rejected"`
	Expired   uint64 `json:"expired"`
	Emergency uint64 `json:"emergency"`
	VotesCast uint64 `json:"votes_cast"`
	Pending   int    `json:"pending"`
}

// voteBytes is the canonical serialization the vote signature covers.
func voteBytes(requestID, agentID string, approve bool, ts time.Time) []byte {
	var buf []byte
	buf = append(buf, []byte(requestID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(agentID)...)
	buf = append(buf, 0)
	if approve {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(ts.UnixNano()))
	return append(buf, u64[:]...)
}

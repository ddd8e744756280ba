package decrypt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/reliquary/pkg/audit"
	"github.com/reliquary/reliquary/pkg/crypto"
	"github.com/reliquary/reliquary/pkg/util"
)

var (
	ErrUnknownRequest = errors.New("unknown decryption request")
	ErrExpiredRequest = errors.New("decryption request expired")
	ErrNotEligible    = errors.New("agent not eligible to vote")
	ErrDoubleVote     = errors.New("agent already voted")
	ErrBadLevel       = errors.New("unsupported consensus level")
)

// emergencyVocabulary gates the emergency fast path; the justification must
// contain at least one of these words.
var emergencyVocabulary = []string{"emergency", "critical", "urgent", "incident", "breach"}

// ThresholdLookup resolves the k of a linked sharing scheme for
// threshold_shares requests.
type ThresholdLookup func(schemeID string) (k int, err error)

// AdminChecker reports whether an agent holds the admin capability.
type AdminChecker func(agentID string) bool

// Coordinator gates vault decryption behind authorization votes. One driver
// mutex owns all request state; the expiry janitor runs on its own goroutine.
type Coordinator struct {
	mu       sync.Mutex
	requests map[string]*Request

	backend    CryptoBackend
	vault      VaultStore
	resolveKey KeyResolver
	auditLog   audit.Sink
	lookupK    ThresholdLookup
	isAdmin    AdminChecker

	voteKey         []byte
	lifetime        time.Duration
	overrideEnabled bool
	clock           util.Clock
	log             *zap.SugaredLogger
	stopJanitor     chan struct{}
	janitorStopped  chan struct{}
	metrics         Metrics
}

type CoordinatorConfig struct {
	Backend         CryptoBackend
	Vault           VaultStore
	KeyResolver     KeyResolver
	Audit           audit.Sink
	ThresholdLookup ThresholdLookup
	AdminChecker    AdminChecker

	// VoteKey signs recorded votes.
	VoteKey []byte

	// RequestLifetime bounds how long a pending request may wait for votes.
	RequestLifetime time.Duration

	EmergencyOverrideEnabled bool

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	lifetime := cfg.RequestLifetime
	if lifetime == 0 {
		lifetime = 300 * time.Second
	}
	backend := cfg.Backend
	if backend == nil {
		backend = ChaChaBackend{}
	}
	c := &Coordinator{
		requests:        make(map[string]*Request),
		backend:         backend,
		vault:           cfg.Vault,
		resolveKey:      cfg.KeyResolver,
		auditLog:        cfg.Audit,
		lookupK:         cfg.ThresholdLookup,
		isAdmin:         cfg.AdminChecker,
		voteKey:         cfg.VoteKey,
		lifetime:        lifetime,
		overrideEnabled: cfg.EmergencyOverrideEnabled,
		clock:           clock,
		log:             cfg.Logger,
		stopJanitor:     make(chan struct{}),
		janitorStopped:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Close stops the expiry janitor.
func (c *Coordinator) Close() {
	close(c.stopJanitor)
	<-c.janitorStopped
}

func (c *Coordinator) janitor() {
	defer close(c.janitorStopped)
	for {
		select {
		case <-c.stopJanitor:
			return
		case <-c.clock.After(time.Second):
			c.expireStale()
		}
	}
}

func (c *Coordinator) expireStale() {
	now := c.clock.Now()

	c.mu.Lock()
	var stale []*Request
	for id, r := range c.requests {
		if now.After(r.ExpiresAt) {
			r.Status = StatusExpired
			stale = append(stale, r)
			delete(c.requests, id)
			c.metrics.Expired++
		}
	}
	c.mu.Unlock()

	for _, r := range stale {
		c.auditRequest(r, "expired", "")
		if c.log != nil {
			c.log.Infow("decrypt_request_expired", "request", r.ID, "vault", r.VaultID)
		}
	}
}

func newRequestID() string {
	var b [12]byte
	rand.Read(b[:])
	return "dr_" + hex.EncodeToString(b[:])
}

// RequestDecryption opens an authorization request. Single-agent and
// validated emergency requests resolve immediately; everything else waits in
// PENDING_CONSENSUS for votes.
func (c *Coordinator) RequestDecryption(vaultID, dataID, requester, justification string, level ConsensusLevel, emergency bool, requiredAgents []string, schemeID string) (Response, error) {
	switch level {
	case LevelSingleAgent, LevelMajority, LevelUnanimous, LevelThresholdShares, LevelAdministrative:
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrBadLevel, level)
	}
	if c.vault != nil && !c.vault.Exists(vaultID, dataID) {
		return Response{}, fmt.Errorf("vault entry %s/%s not found", vaultID, dataID)
	}
	if level == LevelThresholdShares {
		if c.lookupK == nil {
			return Response{}, fmt.Errorf("%w: no threshold scheme registry", ErrBadLevel)
		}
		if _, err := c.lookupK(schemeID); err != nil {
			return Response{}, fmt.Errorf("threshold scheme: %w", err)
		}
	}
	if level != LevelSingleAgent && len(requiredAgents) == 0 {
		return Response{}, fmt.Errorf("%w: level %s needs required agents", ErrBadLevel, level)
	}

	now := c.clock.Now()
	r := &Request{
		ID:            newRequestID(),
		VaultID:       vaultID,
		DataID:        dataID,
		Requester:     requester,
		Justification: justification,
		Level:         level,
		Emergency:     emergency,
		Required:      append([]string(nil), requiredAgents...),
		SchemeID:      schemeID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.lifetime),
		Status:        StatusPendingConsensus,
		votes:         make(map[string]Vote),
	}
	c.mu.Lock()
	c.metrics.Requested++
	c.mu.Unlock()

	if emergency && c.overrideEnabled && containsEmergencyKeyword(justification) {
		c.mu.Lock()
		c.metrics.Emergency++
		c.metrics.Approved++
		c.mu.Unlock()
		r.Status = StatusApproved
		pt, err := c.execute(r)
		c.auditRequest(r, "emergency_approved", "")
		if err != nil {
			return Response{RequestID: r.ID, Status: StatusRejected, Emergency: true, Reason: err.Error()}, err
		}
		if c.log != nil {
			c.log.Warnw("emergency_decryption", "request", r.ID, "vault", vaultID, "requester", requester)
		}
		return Response{RequestID: r.ID, Status: StatusApproved, Plaintext: pt, Emergency: true}, nil
	}

	if level == LevelSingleAgent {
		r.Status = StatusApproved
		pt, err := c.execute(r)
		c.auditRequest(r, "approved", "")
		c.mu.Lock()
		c.metrics.Approved++
		c.mu.Unlock()
		if err != nil {
			return Response{RequestID: r.ID, Status: StatusRejected, Reason: err.Error()}, err
		}
		return Response{RequestID: r.ID, Status: StatusApproved, Plaintext: pt}, nil
	}

	c.mu.Lock()
	c.requests[r.ID] = r
	c.mu.Unlock()
	if c.log != nil {
		c.log.Infow("decrypt_request_opened",
			"request", r.ID, "vault", vaultID, "level", level, "required", len(requiredAgents))
	}
	return Response{RequestID: r.ID, Status: StatusPendingConsensus}, nil
}

// Vote records one agent's authorization vote. When the vote completes the
// quorum the response carries the outcome, and the plaintext on approval.
func (c *Coordinator) Vote(requestID, agentID string, approve bool, confidence float64, reasoning string) (Response, error) {
	now := c.clock.Now()

	c.mu.Lock()
	r, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if now.After(r.ExpiresAt) {
		delete(c.requests, requestID)
		r.Status = StatusExpired
		c.metrics.Expired++
		c.mu.Unlock()
		c.auditRequest(r, "expired", "")
		return Response{}, fmt.Errorf("%w: %s", ErrExpiredRequest, requestID)
	}
	if !contains(r.Required, agentID) {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %s on %s", ErrNotEligible, agentID, requestID)
	}
	if _, voted := r.votes[agentID]; voted {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %s on %s", ErrDoubleVote, agentID, requestID)
	}

	v := Vote{
		RequestID:  requestID,
		AgentID:    agentID,
		Approve:    approve,
		Confidence: confidence,
		Reasoning:  reasoning,
		Timestamp:  now,
		Signature:  crypto.MAC(c.voteKey, voteBytes(requestID, agentID, approve, now)),
	}
	r.votes[agentID] = v
	c.metrics.VotesCast++

	outcome, decided := c.quorumLocked(r)
	if decided {
		delete(c.requests, requestID)
		r.Status = outcome
		if outcome == StatusApproved {
			c.metrics.Approved++
		} else {
			c.metrics.Rejected++
		}
	}
	approvals, denials := tallyLocked(r)
	c.mu.Unlock()

	if c.log != nil {
		c.log.Debugw("decrypt_vote",
			"request", requestID, "agent", agentID, "approve", approve, "approvals", approvals, "denials", denials)
	}

	if !decided {
		return Response{RequestID: requestID, Status: StatusPendingConsensus, Approvals: approvals, Denials: denials}, nil
	}

	if outcome == StatusApproved {
		pt, err := c.execute(r)
		c.auditRequest(r, "approved", "")
		if err != nil {
			return Response{RequestID: requestID, Status: StatusRejected, Approvals: approvals, Denials: denials, Reason: err.Error()}, err
		}
		return Response{RequestID: requestID, Status: StatusApproved, Plaintext: pt, Approvals: approvals, Denials: denials}, nil
	}

	c.auditRequest(r, "rejected", "")
	return Response{RequestID: requestID, Status: StatusRejected, Approvals: approvals, Denials: denials}, nil
}

// quorumLocked evaluates the request's quorum rule against the votes so far.
func (c *Coordinator) quorumLocked(r *Request) (RequestStatus, bool) {
	approvals, denials := tallyLocked(r)
	total := len(r.votes)
	required := len(r.Required)

	switch r.Level {
	case LevelMajority:
		// ceil(n/2)+1 approvals, settled once every required voter has voted.
		need := (required+1)/2 + 1
		if total >= required && approvals >= need {
			return StatusApproved, true
		}
		// Remaining voters cannot reach the majority bar.
		if approvals+(required-total) < need {
			return StatusRejected, true
		}
	case LevelUnanimous:
		if denials > 0 {
			return StatusRejected, true
		}
		if total == required {
			return StatusApproved, true
		}
	case LevelThresholdShares:
		k, err := c.lookupK(r.SchemeID)
		if err != nil {
			return StatusRejected, true
		}
		if approvals >= k {
			return StatusApproved, true
		}
		if approvals+(required-total) < k {
			return StatusRejected, true
		}
	case LevelAdministrative:
		for id, v := range r.votes {
			if v.Approve && c.isAdmin != nil && c.isAdmin(id) {
				return StatusApproved, true
			}
		}
		if total == required {
			return StatusRejected, true
		}
	}
	return StatusPendingConsensus, false
}

func tallyLocked(r *Request) (approvals, denials int) {
	for _, v := range r.votes {
		if v.Approve {
			approvals++
		} else {
			denials++
		}
	}
	return approvals, denials
}

// execute loads and decrypts the authorized payload.
func (c *Coordinator) execute(r *Request) ([]byte, error) {
	if c.vault == nil || c.resolveKey == nil {
		return nil, fmt.Errorf("no vault backend configured")
	}
	ct, keyRef, err := c.vault.Load(r.VaultID, r.DataID)
	if err != nil {
		return nil, fmt.Errorf("load vault entry: %w", err)
	}
	key, err := c.resolveKey(keyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve key: %w", err)
	}
	pt, err := c.backend.Decrypt(ct, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return pt, nil
}

func (c *Coordinator) auditRequest(r *Request, event, detail string) {
	if c.auditLog == nil {
		return
	}
	approvals, denials := tallyLocked(r)
	payload, err := json.Marshal(map[string]any{
		"kind":      "decryption",
		"event":     event,
		"request":   r.ID,
		"vault":     r.VaultID,
		"data":      r.DataID,
		"requester": r.Requester,
		"level":     r.Level,
		"emergency": r.Emergency,
		"approvals": approvals,
		"denials":   denials,
		"detail":    detail,
	})
	if err != nil {
		return
	}
	if _, err := c.auditLog.Append(payload); err != nil && c.log != nil {
		c.log.Errorw("audit_append_failed", "request", r.ID, "err", err)
	}
}

// Pending lists open requests sorted by creation time.
func (c *Coordinator) Pending() []PendingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingInfo, 0, len(c.requests))
	for _, r := range c.requests {
		voted := make([]string, 0, len(r.votes))
		for id := range r.votes {
			voted = append(voted, id)
		}
		sort.Strings(voted)
		out = append(out, PendingInfo{
			ID:            r.ID,
			VaultID:       r.VaultID,
			DataID:        r.DataID,
			Requester:     r.Requester,
			Justification: r.Justification,
			Level:         r.Level,
			Required:      append([]string(nil), r.Required...),
			Voted:         voted,
			ExpiresAt:     r.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.Pending = len(c.requests)
	return m
}

// VerifyVote checks a recorded vote's signature.
func (c *Coordinator) VerifyVote(v Vote) bool {
	return crypto.VerifyMAC(c.voteKey, voteBytes(v.RequestID, v.AgentID, v.Approve, v.Timestamp), v.Signature)
}

// VoteRecord returns a request's recorded vote by agent, for inspection
// while the request is still pending.
func (c *Coordinator) VoteRecord(requestID, agentID string) (Vote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[requestID]
	if !ok {
		return Vote{}, false
	}
	v, ok := r.votes[agentID]
	return v, ok
}

func containsEmergencyKeyword(justification string) bool {
	lower := strings.ToLower(justification)
	for _, w := range emergencyVocabulary {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

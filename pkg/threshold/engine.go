package threshold

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/reliquary/pkg/util"
)

var (
	ErrUnknownScheme     = errors.New("unknown scheme")
	ErrUnknownSchemeType = errors.New("unknown scheme type")
	ErrBadThreshold      = errors.New("invalid threshold")
	ErrNoSecret          = errors.New("no secret has been shared for scheme")
)

// Persister lets an engine mirror schemes and dealt shares into durable
// storage. A nil persister keeps everything in memory.
type Persister interface {
	SaveScheme(s Scheme) error
	SaveShare(s Share) error
}

// Metrics counts engine activity for the operator surface.
type Metrics struct {
	SchemesCreated        uint64 `json:"schemes_created"`
	SecretsShared         uint64 `json:"secrets_shared"`
	Reconstructions       uint64 `json:"reconstructions"`
	FailedReconstructions uint64 `json:"failed_reconstructions"`
	Refreshes             uint64 `json:"refreshes"`
}

// SchemeInfo is the public view of a registered scheme; it never includes
// share values or the secret.
type SchemeInfo struct {
	ID                 string     `json:"id"`
	Type               SchemeType `json:"type"`
	K                  int        `json:"k"`
	N                  int        `json:"n"`
	PartyIDs           []int      `json:"party_ids"`
	PrimeBits          int        `json:"prime_bits"`
	EnableVerification bool       `json:"enable_verification"`
	CreatedAt          time.Time  `json:"created_at"`
	HasShares          bool       `json:"has_shares"`
}

// Engine registers sharing schemes, deals authenticated shares and
// reconstructs secrets with per-share validation.
type Engine struct {
	mu      sync.Mutex
	schemes map[string]*Scheme
	shares  map[string]map[int]Share // scheme id -> party id -> latest share

	macKey      []byte
	maxShareAge time.Duration
	bits        int
	clock       util.Clock
	log         *zap.SugaredLogger
	persist     Persister

	metrics Metrics
}

type EngineConfig struct {
	// MACKey authenticates dealt shares; shares carry an HMAC over their
	// canonical serialization.
	MACKey []byte

	// MaxShareAge bounds how old a share may be at reconstruction time.
	// Zero disables the age check.
	MaxShareAge time.Duration

	// SecurityLevelBits sizes the prime field. Defaults to 256.
	SecurityLevelBits int

	Clock     util.Clock
	Logger    *zap.SugaredLogger
	Persister Persister
}

func NewEngine(cfg EngineConfig) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	bits := cfg.SecurityLevelBits
	if bits == 0 {
		bits = 256
	}
	return &Engine{
		schemes:     make(map[string]*Scheme),
		shares:      make(map[string]map[int]Share),
		macKey:      cfg.MACKey,
		maxShareAge: cfg.MaxShareAge,
		bits:        bits,
		clock:       clock,
		log:         cfg.Logger,
		persist:     cfg.Persister,
	}
}

// CreateScheme registers a new (k, n) scheme over the given parties. Party
// ids double as polynomial x-coordinates and must be positive and distinct.
// Additive schemes require every share, so k must equal n there.
func (e *Engine) CreateScheme(id string, typ SchemeType, k, n int, partyIDs []int) (*SchemeInfo, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k=%d must be at least 1", ErrBadThreshold, k)
	}
	if k > n {
		return nil, fmt.Errorf("%w: k=%d exceeds n=%d", ErrBadThreshold, k, n)
	}
	if len(partyIDs) != n {
		return nil, fmt.Errorf("%w: %d party ids for n=%d", ErrBadThreshold, len(partyIDs), n)
	}
	seen := make(map[int]bool, n)
	for _, pid := range partyIDs {
		if pid <= 0 {
			return nil, fmt.Errorf("%w: party id %d must be positive", ErrBadThreshold, pid)
		}
		if seen[pid] {
			return nil, fmt.Errorf("%w: duplicate party id %d", ErrBadThreshold, pid)
		}
		seen[pid] = true
	}

	s := &Scheme{
		ID:        id,
		Type:      typ,
		K:         k,
		N:         n,
		PartyIDs:  append([]int(nil), partyIDs...),
		CreatedAt: e.clock.Now(),
	}
	sort.Ints(s.PartyIDs)

	switch typ {
	case SchemeShamir, SchemeThresholdSig:
		p, err := FieldPrime(e.bits)
		if err != nil {
			return nil, err
		}
		s.Prime = p
		s.Order = p
	case SchemeMPCAdditive:
		if k != n {
			return nil, fmt.Errorf("%w: additive sharing requires k == n", ErrBadThreshold)
		}
		p, err := FieldPrime(e.bits)
		if err != nil {
			return nil, err
		}
		s.Prime = p
		s.Order = p
	case SchemeVSS:
		// Safe-prime groups above 512 bits take seconds to generate; the
		// commitments only need discrete-log hardness relative to the field.
		bits := e.bits
		if bits > 512 {
			bits = 512
		}
		prime, order, g, err := vssSetup(bits)
		if err != nil {
			return nil, err
		}
		s.Prime = prime
		s.Order = order
		s.Generator = g
		s.EnableVerification = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchemeType, typ)
	}

	e.mu.Lock()
	if _, exists := e.schemes[id]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("scheme %q already exists", id)
	}
	e.schemes[id] = s
	e.metrics.SchemesCreated++
	e.mu.Unlock()

	if e.persist != nil {
		if err := e.persist.SaveScheme(*s); err != nil && e.log != nil {
			e.log.Warnw("scheme_persist_failed", "scheme", id, "err", err)
		}
	}
	if e.log != nil {
		e.log.Infow("scheme_created", "scheme", id, "type", typ, "k", k, "n", n)
	}
	info := e.info(s)
	return &info, nil
}

// ShareSecret deals shares of secret under the scheme and stores them as the
// scheme's current dealing. Returned shares carry an HMAC over their
// canonical form.
func (e *Engine) ShareSecret(schemeID string, secret *big.Int) ([]Share, error) {
	e.mu.Lock()
	s, ok := e.schemes[schemeID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, schemeID)
	}

	points, commitments, err := e.deal(s, secret)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	shares := make([]Share, 0, s.N)
	for _, pid := range s.PartyIDs {
		sh := Share{
			PartyID:   pid,
			Value:     points[pid],
			SchemeID:  s.ID,
			K:         s.K,
			N:         s.N,
			CreatedAt: now,
		}
		sh.Signature = signShare(e.macKey, sh)
		shares = append(shares, sh)
	}

	e.mu.Lock()
	s.Commitments = commitments
	byParty := make(map[int]Share, len(shares))
	for _, sh := range shares {
		byParty[sh.PartyID] = sh
	}
	e.shares[schemeID] = byParty
	e.metrics.SecretsShared++
	e.mu.Unlock()

	if e.persist != nil {
		for _, sh := range shares {
			if err := e.persist.SaveShare(sh); err != nil && e.log != nil {
				e.log.Warnw("share_persist_failed", "scheme", schemeID, "party", sh.PartyID, "err", err)
			}
		}
	}
	if e.log != nil {
		e.log.Infow("secret_shared", "scheme", schemeID, "n", len(shares))
	}
	return shares, nil
}

func (e *Engine) deal(s *Scheme, secret *big.Int) (map[int]*big.Int, []*big.Int, error) {
	switch s.Type {
	case SchemeShamir, SchemeThresholdSig:
		poly, err := randomPolynomial(secret, s.K, s.Order)
		if err != nil {
			return nil, nil, err
		}
		return shamirDeal(poly, s.PartyIDs), nil, nil
	case SchemeVSS:
		poly, err := randomPolynomial(secret, s.K, s.Order)
		if err != nil {
			return nil, nil, err
		}
		return shamirDeal(poly, s.PartyIDs), vssCommit(poly, s.Generator, s.Prime), nil
	case SchemeMPCAdditive:
		points, err := additiveDeal(secret, s.PartyIDs, s.Order)
		return points, nil, err
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSchemeType, s.Type)
}

// ReconstructSecret validates the supplied shares and recovers the secret.
// It reports failures through the result rather than an error return so
// callers always receive the per-share validation map.
func (e *Engine) ReconstructSecret(schemeID string, shares []Share) ReconstructionResult {
	start := e.clock.Now()

	e.mu.Lock()
	s, ok := e.schemes[schemeID]
	e.mu.Unlock()
	if !ok {
		return ReconstructionResult{
			Success:    false,
			Validation: map[int]ShareStatus{},
			Err:        fmt.Sprintf("unknown scheme %q", schemeID),
		}
	}

	validation := make(map[int]ShareStatus, s.N)
	valid := make(map[int]*big.Int)

	supplied := make(map[int]bool, len(shares))
	for _, sh := range shares {
		if supplied[sh.PartyID] {
			validation[sh.PartyID] = ShareDuplicate
			delete(valid, sh.PartyID)
			continue
		}
		supplied[sh.PartyID] = true
		status := e.validateShare(s, sh)
		validation[sh.PartyID] = status
		if status == ShareValid {
			valid[sh.PartyID] = sh.Value
		}
	}
	for _, pid := range s.PartyIDs {
		if !supplied[pid] {
			validation[pid] = ShareMissing
		}
	}

	res := ReconstructionResult{Validation: validation}
	if len(valid) < s.K {
		res.Err = fmt.Sprintf("Insufficient shares: %d valid of %d required", len(valid), s.K)
		res.Duration = e.clock.Now().Sub(start)
		e.countReconstruction(false)
		if e.log != nil {
			e.log.Warnw("reconstruction_failed", "scheme", schemeID, "valid", len(valid), "required", s.K)
		}
		return res
	}

	// Interpolate over exactly k valid shares; extras are redundant.
	points := make(map[int]*big.Int, s.K)
	ids := make([]int, 0, len(valid))
	for pid := range valid {
		ids = append(ids, pid)
	}
	sort.Ints(ids)

	if s.Type == SchemeMPCAdditive {
		for _, pid := range ids {
			points[pid] = valid[pid]
		}
		res.Secret = additiveCombine(points, s.Order)
		res.SharesUsed = len(points)
	} else {
		for _, pid := range ids[:s.K] {
			points[pid] = valid[pid]
		}
		res.Secret = lagrangeInterpolate(points, s.Order)
		res.SharesUsed = s.K
	}

	res.Success = true
	res.Duration = e.clock.Now().Sub(start)
	e.countReconstruction(true)
	return res
}

func (e *Engine) validateShare(s *Scheme, sh Share) ShareStatus {
	if sh.SchemeID != s.ID || sh.K != s.K || sh.N != s.N {
		return ShareInvalid
	}
	if sh.Value == nil {
		return ShareInvalid
	}
	known := false
	for _, pid := range s.PartyIDs {
		if pid == sh.PartyID {
			known = true
			break
		}
	}
	if !known {
		return ShareInvalid
	}
	if e.maxShareAge > 0 && e.clock.Now().Sub(sh.CreatedAt) > e.maxShareAge {
		return ShareInvalid
	}
	if !verifyShareSignature(e.macKey, sh) {
		return ShareCorrupted
	}
	if s.EnableVerification && len(s.Commitments) > 0 {
		if !vssVerifyShare(sh.PartyID, sh.Value, s.Commitments, s.Generator, s.Prime, s.Order) {
			return ShareCorrupted
		}
	}
	return ShareValid
}

// RefreshShares re-randomizes the current dealing without changing the
// secret: every party's share moves to a fresh polynomial with the same
// constant term. The old shares stop validating against the new dealing's
// VSS commitments but remain algebraically consistent.
func (e *Engine) RefreshShares(schemeID string) ([]Share, error) {
	e.mu.Lock()
	s, ok := e.schemes[schemeID]
	current := e.shares[schemeID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, schemeID)
	}
	if len(current) < s.K {
		return nil, fmt.Errorf("%w %q", ErrNoSecret, schemeID)
	}

	if s.Type == SchemeMPCAdditive {
		// Additive refresh: add shares of zero.
		zero, err := additiveDeal(big.NewInt(0), s.PartyIDs, s.Order)
		if err != nil {
			return nil, err
		}
		return e.applyRefresh(s, current, zero, nil)
	}

	// Proactive refresh: add a zero-secret polynomial evaluated at each
	// party. Commitments for VSS are recomputed from the refreshed shares'
	// implied polynomial, so re-share from the reconstructed secret instead.
	points := make(map[int]*big.Int, s.K)
	ids := make([]int, 0, len(current))
	for pid := range current {
		ids = append(ids, pid)
	}
	sort.Ints(ids)
	for _, pid := range ids[:s.K] {
		points[pid] = current[pid].Value
	}
	secret := lagrangeInterpolate(points, s.Order)

	dealt, commitments, err := e.deal(s, secret)
	if err != nil {
		return nil, err
	}
	return e.applyRefresh(s, current, dealt, commitments)
}

func (e *Engine) applyRefresh(s *Scheme, current map[int]Share, dealt map[int]*big.Int, commitments []*big.Int) ([]Share, error) {
	now := e.clock.Now()
	shares := make([]Share, 0, s.N)
	byParty := make(map[int]Share, s.N)
	for _, pid := range s.PartyIDs {
		val := dealt[pid]
		if s.Type == SchemeMPCAdditive {
			// Zero-share delta applied to the existing share.
			old, ok := current[pid]
			if !ok {
				return nil, fmt.Errorf("party %d has no share to refresh", pid)
			}
			val = new(big.Int).Add(old.Value, dealt[pid])
			val.Mod(val, s.Order)
		}
		sh := Share{
			PartyID:   pid,
			Value:     val,
			SchemeID:  s.ID,
			K:         s.K,
			N:         s.N,
			CreatedAt: now,
		}
		sh.Signature = signShare(e.macKey, sh)
		shares = append(shares, sh)
		byParty[pid] = sh
	}

	e.mu.Lock()
	if commitments != nil {
		s.Commitments = commitments
	}
	e.shares[s.ID] = byParty
	e.metrics.Refreshes++
	e.mu.Unlock()

	if e.persist != nil {
		for _, sh := range shares {
			if err := e.persist.SaveShare(sh); err != nil && e.log != nil {
				e.log.Warnw("share_persist_failed", "scheme", s.ID, "party", sh.PartyID, "err", err)
			}
		}
	}
	if e.log != nil {
		e.log.Infow("shares_refreshed", "scheme", s.ID, "n", len(shares))
	}
	return shares, nil
}

// Restore loads persisted schemes and their latest dealings, replacing any
// in-memory state for those ids. Used at boot when a Persister is configured.
func (e *Engine) Restore(schemes []Scheme, shares map[string][]Share) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range schemes {
		s := schemes[i]
		e.schemes[s.ID] = &s
	}
	for schemeID, dealt := range shares {
		byParty := make(map[int]Share, len(dealt))
		for _, sh := range dealt {
			byParty[sh.PartyID] = sh
		}
		e.shares[schemeID] = byParty
	}
}

// PartialSign produces one party's threshold-signature contribution.
func (e *Engine) PartialSign(schemeID string, share Share, msg []byte) (PartialSignature, error) {
	e.mu.Lock()
	s, ok := e.schemes[schemeID]
	e.mu.Unlock()
	if !ok {
		return PartialSignature{}, fmt.Errorf("%w: %q", ErrUnknownScheme, schemeID)
	}
	if s.Type != SchemeThresholdSig {
		return PartialSignature{}, fmt.Errorf("scheme %q is not a signing scheme", schemeID)
	}
	if st := e.validateShare(s, share); st != ShareValid {
		return PartialSignature{}, fmt.Errorf("share from party %d is %s", share.PartyID, st)
	}
	return partialSign(share, msg, s.Prime), nil
}

// CombineSignatures folds k partial signatures into one group element.
func (e *Engine) CombineSignatures(schemeID string, parts []PartialSignature) (*big.Int, error) {
	e.mu.Lock()
	s, ok := e.schemes[schemeID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, schemeID)
	}
	if s.Type != SchemeThresholdSig {
		return nil, fmt.Errorf("scheme %q is not a signing scheme", schemeID)
	}
	return combinePartials(parts, s.K, s.Prime)
}

// Info returns the public description of a scheme.
func (e *Engine) Info(schemeID string) (SchemeInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.schemes[schemeID]
	if !ok {
		return SchemeInfo{}, fmt.Errorf("%w: %q", ErrUnknownScheme, schemeID)
	}
	return e.infoLocked(s), nil
}

// Schemes lists all registered schemes sorted by id.
func (e *Engine) Schemes() []SchemeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SchemeInfo, 0, len(e.schemes))
	for _, s := range e.schemes {
		out = append(out, e.infoLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentShares returns the latest dealing for a scheme.
func (e *Engine) CurrentShares(schemeID string) ([]Share, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byParty, ok := e.shares[schemeID]
	if !ok || len(byParty) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoSecret, schemeID)
	}
	out := make([]Share, 0, len(byParty))
	for _, sh := range byParty {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyID < out[j].PartyID })
	return out, nil
}

func (e *Engine) info(s *Scheme) SchemeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infoLocked(s)
}

func (e *Engine) infoLocked(s *Scheme) SchemeInfo {
	return SchemeInfo{
		ID:                 s.ID,
		Type:               s.Type,
		K:                  s.K,
		N:                  s.N,
		PartyIDs:           append([]int(nil), s.PartyIDs...),
		PrimeBits:          s.Prime.BitLen(),
		EnableVerification: s.EnableVerification,
		CreatedAt:          s.CreatedAt,
		HasShares:          len(e.shares[s.ID]) > 0,
	}
}

func (e *Engine) countReconstruction(ok bool) {
	e.mu.Lock()
	e.metrics.Reconstructions++
	if !ok {
		e.metrics.FailedReconstructions++
	}
	e.mu.Unlock()
}

func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

package threshold

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/reliquary/reliquary/pkg/crypto"
)

type SchemeType string

const (
	SchemeShamir       SchemeType = "shamir"
	SchemeVSS          SchemeType = "vss"
	SchemeThresholdSig SchemeType = "threshold_sig"
	SchemeMPCAdditive  SchemeType = "mpc_additive"
)

// Scheme is one registered sharing configuration. For VSS schemes the field
// is a safe prime p = 2q+1; polynomial arithmetic runs mod Order (= q for
// VSS, = Prime otherwise).
type Scheme struct {
	ID                 string
	Type               SchemeType
	K                  int
	N                  int
	PartyIDs           []int
	Prime              *big.Int
	Order              *big.Int
	Generator          *big.Int // VSS only
	EnableVerification bool
	CreatedAt          time.Time

	// Commitments to the dealing polynomial's coefficients, published on the
	// most recent ShareSecret of a VSS scheme.
	Commitments []*big.Int
}

// Share is one party's piece of a shared secret.
type Share struct {
	PartyID   int
	Value     *big.Int
	SchemeID  string
	K         int
	N         int
	CreatedAt time.Time
	Signature []byte
}

type ShareStatus string

const (
	ShareValid     ShareStatus = "valid"
	ShareInvalid   ShareStatus = "invalid"
	ShareCorrupted ShareStatus = "corrupted"
	ShareMissing   ShareStatus = "missing"
	ShareDuplicate ShareStatus = "duplicate"
)

// ReconstructionResult reports the outcome plus a per-share validation map,
// so callers can name misbehaving parties instead of getting a bare error.
type ReconstructionResult struct {
	Success    bool
	Secret     *big.Int
	SharesUsed int
	Validation map[int]ShareStatus
	Duration   time.Duration
	Err        string
}

// canonicalShareBytes is the stable serialization the share signature binds:
// party id, value, scheme id and creation time in fixed order.
func canonicalShareBytes(s Share) []byte {
	var buf []byte
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], uint64(s.PartyID))
	buf = append(buf, u64[:]...)

	val := s.Value.Bytes()
	binary.BigEndian.PutUint64(u64[:], uint64(len(val)))
	buf = append(buf, u64[:]...)
	buf = append(buf, val...)

	buf = append(buf, []byte(s.SchemeID)...)

	binary.BigEndian.PutUint64(u64[:], uint64(s.CreatedAt.UnixNano()))
	buf = append(buf, u64[:]...)

	return buf
}

func signShare(key []byte, s Share) []byte {
	return crypto.MAC(key, canonicalShareBytes(s))
}

func verifyShareSignature(key []byte, s Share) bool {
	return crypto.VerifyMAC(key, canonicalShareBytes(s), s.Signature)
}

package threshold

import (
	"crypto/sha256"
	"fmt"
	"math/big"
)

// PartialSignature is one party's contribution to a threshold signature.
type PartialSignature struct {
	PartyID  int
	SchemeID string
	Value    *big.Int
}

// hashToField maps a message into the scheme's field, never zero.
func hashToField(msg []byte, prime *big.Int) *big.Int {
	sum := sha256.Sum256(msg)
	h := new(big.Int).SetBytes(sum[:])
	h.Mod(h, prime)
	if h.Sign() == 0 {
		h.SetInt64(1)
	}
	return h
}

// partialSign produces H(msg)^share mod p. This is a structural stand-in for
// a pairing-based partial: it exercises the dealing and combination plumbing
// without a pairing group, and is not a secure signature.
func partialSign(share Share, msg []byte, prime *big.Int) PartialSignature {
	h := hashToField(msg, prime)
	return PartialSignature{
		PartyID:  share.PartyID,
		SchemeID: share.SchemeID,
		Value:    new(big.Int).Exp(h, share.Value, prime),
	}
}

// combinePartials multiplies k partial signatures mod p.
func combinePartials(parts []PartialSignature, k int, prime *big.Int) (*big.Int, error) {
	if len(parts) < k {
		return nil, fmt.Errorf("need %d partial signatures, have %d", k, len(parts))
	}
	seen := make(map[int]bool, len(parts))
	sig := big.NewInt(1)
	used := 0
	for _, p := range parts {
		if seen[p.PartyID] {
			continue
		}
		seen[p.PartyID] = true
		sig.Mul(sig, p.Value)
		sig.Mod(sig, prime)
		used++
		if used == k {
			break
		}
	}
	if used < k {
		return nil, fmt.Errorf("need %d distinct signers, have %d", k, used)
	}
	return sig, nil
}

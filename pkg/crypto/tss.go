package crypto

import "errors"

type SigShare []byte

// ThresholdSigner produces partial signatures that a coordinator combines
// into one aggregate once a quorum of shares is collected.
type ThresholdSigner interface {
	SignShare(msg []byte) (SigShare, error)
	Combine(shares [][]byte) ([]byte, error)
	Verify(sig []byte, msg []byte) bool
}

// BLSThresholdSigner backs the ThresholdSigner contract with same-message
// BLS aggregation. Combine succeeds with any subset of shares; verifying the
// aggregate against the quorum's public keys is the caller's quorum check.
type BLSThresholdSigner struct {
	signer *BLSSigner
	quorum []*BLSPubKey
}

func NewBLSThresholdSigner(signer *BLSSigner, quorum []*BLSPubKey) *BLSThresholdSigner {
	return &BLSThresholdSigner{signer: signer, quorum: quorum}
}

func (s *BLSThresholdSigner) SignShare(msg []byte) (SigShare, error) {
	return s.signer.Sign(msg), nil
}

func (s *BLSThresholdSigner) Combine(shares [][]byte) ([]byte, error) {
	agg := Aggregate(shares)
	if agg == nil {
		return nil, errors.New("aggregate failed")
	}
	return agg, nil
}

func (s *BLSThresholdSigner) Verify(sig []byte, msg []byte) bool {
	return VerifyAggregateSameMsg(s.quorum, msg, sig)
}

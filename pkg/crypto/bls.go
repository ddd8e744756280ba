package crypto

import (
	"sync"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

func NewBLSSignerFromSeed(seed []byte) *BLSSigner {
	sk, _ := bls.KeyGen[scheme](seed, nil, nil)
	pk := sk.PublicKey()
	return &BLSSigner{sk: sk, pk: pk}
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func BLSVerify(pk *BLSPubKey, sigBytes, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sigBytes))
}

// Aggregate combines multiple signatures over the same message.
func Aggregate(sigBytesList [][]byte) []byte {
	sigs := make([]bls.Signature, 0, len(sigBytesList))
	for _, sb := range sigBytesList {
		if len(sb) == 0 {
			continue
		}
		sigs = append(sigs, bls.Signature(sb))
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil
	}
	return agg
}

func VerifyAggregateSameMsg(pks []*BLSPubKey, msg []byte, aggSig []byte) bool {
	msgs := make([][]byte, len(pks))
	for i := range msgs {
		msgs[i] = msg
	}
	return bls.VerifyAggregate(pks, msgs, bls.Signature(aggSig))
}

// BLSAuthenticator implements the consensus Authenticator contract over a
// registry of committee public keys.
type BLSAuthenticator struct {
	signer *BLSSigner

	mu   sync.RWMutex
	pubs map[string]*BLSPubKey
}

func NewBLSAuthenticator(signer *BLSSigner) *BLSAuthenticator {
	return &BLSAuthenticator{signer: signer, pubs: make(map[string]*BLSPubKey)}
}

func (a *BLSAuthenticator) Register(agentID string, pk *BLSPubKey) {
	a.mu.Lock()
	a.pubs[agentID] = pk
	a.mu.Unlock()
}

func (a *BLSAuthenticator) Sign(digest []byte) ([]byte, error) {
	return a.signer.Sign(digest), nil
}

func (a *BLSAuthenticator) Verify(sender string, digest, sig []byte) bool {
	a.mu.RLock()
	pk, ok := a.pubs[sender]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return BLSVerify(pk, sig, digest)
}

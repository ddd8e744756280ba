package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer manages a secp256k1 key pair for signing message digests.
// Agents that need a verifiable on-chain identity use this instead of the
// shared-key HMAC authenticator.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKeyECDSA,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
	}, nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key.
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKeyECDSA,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
	}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// Sign signs a 32-byte digest and returns a [R || S || V] signature (65 bytes).
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// VerifySignature verifies that signature over hash recovers to address.
func VerifySignature(address common.Address, hash []byte, signature []byte) bool {
	if len(signature) != 65 || len(hash) != 32 {
		return false
	}
	publicKeyBytes, err := crypto.Ecrecover(hash, signature)
	if err != nil {
		return false
	}
	publicKey, err := crypto.UnmarshalPubkey(publicKeyBytes)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*publicKey) == address
}

// RecoverAddress recovers the signer's address from a digest and signature.
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}
	publicKeyBytes, err := crypto.Ecrecover(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	publicKey, err := crypto.UnmarshalPubkey(publicKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*publicKey), nil
}

// ECDSAAuthenticator adapts a Signer plus an agent→address directory to the
// consensus Authenticator contract.
type ECDSAAuthenticator struct {
	signer *Signer

	mu        sync.RWMutex
	directory map[string]common.Address
}

func NewECDSAAuthenticator(signer *Signer) *ECDSAAuthenticator {
	return &ECDSAAuthenticator{
		signer:    signer,
		directory: make(map[string]common.Address),
	}
}

func (a *ECDSAAuthenticator) Register(agentID string, addr common.Address) {
	a.mu.Lock()
	a.directory[agentID] = addr
	a.mu.Unlock()
}

func (a *ECDSAAuthenticator) Sign(digest []byte) ([]byte, error) {
	return a.signer.Sign(digest)
}

func (a *ECDSAAuthenticator) Verify(sender string, digest, sig []byte) bool {
	a.mu.RLock()
	addr, ok := a.directory[sender]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return VerifySignature(addr, digest, sig)
}

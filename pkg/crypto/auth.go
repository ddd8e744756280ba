package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Authenticator signs and verifies consensus message digests. The protocol
// only requires existential unforgeability, so deployments can pick HMAC
// (shared-key committees), ECDSA or BLS without touching the state machine.
type Authenticator interface {
	Sign(digest []byte) ([]byte, error)
	Verify(sender string, digest, sig []byte) bool
}

// HMACKeyring derives one HMAC-SHA256 key per agent from a master seed using
// HKDF, so every agent in the committee can verify every other agent's
// authenticator without a PKI.
type HMACKeyring struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewHMACKeyring(masterSeed []byte, agentIDs []string) (*HMACKeyring, error) {
	kr := &HMACKeyring{keys: make(map[string][]byte, len(agentIDs))}
	for _, id := range agentIDs {
		r := hkdf.New(sha256.New, masterSeed, nil, []byte("reliquary/agent/"+id))
		key := make([]byte, 32)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("derive key for %s: %w", id, err)
		}
		kr.keys[id] = key
	}
	return kr, nil
}

// AddAgent derives a key for an agent registered after keyring construction.
func (kr *HMACKeyring) AddAgent(masterSeed []byte, id string) error {
	r := hkdf.New(sha256.New, masterSeed, nil, []byte("reliquary/agent/"+id))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("derive key for %s: %w", id, err)
	}
	kr.mu.Lock()
	kr.keys[id] = key
	kr.mu.Unlock()
	return nil
}

func (kr *HMACKeyring) key(id string) ([]byte, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.keys[id]
	return k, ok
}

// AuthenticatorFor returns the signing view of one agent backed by this keyring.
func (kr *HMACKeyring) AuthenticatorFor(agentID string) (*HMACAuthenticator, error) {
	if _, ok := kr.key(agentID); !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	return &HMACAuthenticator{ring: kr, self: agentID}, nil
}

type HMACAuthenticator struct {
	ring *HMACKeyring
	self string
}

func (a *HMACAuthenticator) Sign(digest []byte) ([]byte, error) {
	k, ok := a.ring.key(a.self)
	if !ok {
		return nil, fmt.Errorf("no key for %q", a.self)
	}
	mac := hmac.New(sha256.New, k)
	mac.Write(digest)
	return mac.Sum(nil), nil
}

func (a *HMACAuthenticator) Verify(sender string, digest, sig []byte) bool {
	k, ok := a.ring.key(sender)
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, k)
	mac.Write(digest)
	return hmac.Equal(mac.Sum(nil), sig)
}

// DeriveKey expands a master seed into a purpose-bound 32-byte key. Distinct
// info strings give independent keys for shares, votes and agents.
func DeriveKey(masterSeed []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterSeed, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// MAC computes a detached HMAC-SHA256 tag, used for share and vote signatures
// outside the consensus path.
func MAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func VerifyMAC(key, msg, tag []byte) bool {
	return hmac.Equal(MAC(key, msg), tag)
}

package decrypt

import (
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// CryptoBackend is the cipher collaborator. The coordinator never inspects
// ciphertext; any AEAD-shaped implementation works.
type CryptoBackend interface {
	Encrypt(plaintext, key []byte) ([]byte, error)
	Decrypt(ciphertext, key []byte) ([]byte, error)
	Random(n int) ([]byte, error)
}

// VaultStore resolves stored payloads. Load is not called until a request is
// authorized.
type VaultStore interface {
	Load(vaultID, dataID string) (ciphertext []byte, keyRef string, err error)
	Exists(vaultID, dataID string) bool
}

// KeyResolver turns a vault key reference into key material.
type KeyResolver func(keyRef string) ([]byte, error)

// ChaChaBackend is the default CryptoBackend: ChaCha20-Poly1305 with the
// nonce prepended to the ciphertext.
type ChaChaBackend struct{}

func (ChaChaBackend) Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (ChaChaBackend) Decrypt(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return pt, nil
}

func (ChaChaBackend) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// MemoryVault is an in-process VaultStore holding ciphertexts and their keys,
// used by tests and the single-node deployment.
type MemoryVault struct {
	mu      sync.RWMutex
	entries map[string]vaultEntry
	keys    map[string][]byte
	backend CryptoBackend
}

type vaultEntry struct {
	ciphertext []byte
	keyRef     string
}

func NewMemoryVault(backend CryptoBackend) *MemoryVault {
	return &MemoryVault{
		entries: make(map[string]vaultEntry),
		keys:    make(map[string][]byte),
		backend: backend,
	}
}

func vaultKey(vaultID, dataID string) string { return vaultID + "/" + dataID }

// Store encrypts plaintext under a fresh key and records both.
func (v *MemoryVault) Store(vaultID, dataID string, plaintext []byte) error {
	key, err := v.backend.Random(chacha20poly1305.KeySize)
	if err != nil {
		return err
	}
	ct, err := v.backend.Encrypt(plaintext, key)
	if err != nil {
		return err
	}
	keyRef := "key/" + vaultKey(vaultID, dataID)
	v.mu.Lock()
	v.entries[vaultKey(vaultID, dataID)] = vaultEntry{ciphertext: ct, keyRef: keyRef}
	v.keys[keyRef] = key
	v.mu.Unlock()
	return nil
}

func (v *MemoryVault) Load(vaultID, dataID string) ([]byte, string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[vaultKey(vaultID, dataID)]
	if !ok {
		return nil, "", fmt.Errorf("vault entry %s/%s not found", vaultID, dataID)
	}
	return e.ciphertext, e.keyRef, nil
}

func (v *MemoryVault) Exists(vaultID, dataID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[vaultKey(vaultID, dataID)]
	return ok
}

// ResolveKey implements KeyResolver against the vault's own key table.
func (v *MemoryVault) ResolveKey(keyRef string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.keys[keyRef]
	if !ok {
		return nil, fmt.Errorf("key %s not found", keyRef)
	}
	return key, nil
}

// internal/crypto/crypto.go
package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// agromesh crypto stack
//
// - ECDH P-256 key pair per session
// - per-peer AES-256-GCM key = HKDF-SHA256(ECDH secret)
// - 12-byte IV, 16-byte tag, 16-byte nonce carried as associated data
// - SHA-256 content hashes, 128-bit random identifiers
// -----------------------------------------------------------------------------

const (
	KeySize      = 32
	IVSize       = 12
	TagSize      = 16
	NonceSize    = 16
	IDSize       = 16
	ReplayWindow = 5 * time.Minute
)

var (
	ErrKeyGeneration    = errors.New("key generation failed")
	ErrNoKeyPair        = errors.New("no key pair")
	ErrPublicKeyImport  = errors.New("public key import failed")
	ErrNoSharedKey      = errors.New("no shared key for peer")
	ErrEncryption       = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrPayloadExpired is a decryption failure: errors.Is(ErrPayloadExpired, ErrDecryptionFailed).
	ErrPayloadExpired = fmt.Errorf("%w: payload outside replay window", ErrDecryptionFailed)
)

type Options struct {
	Now  func() time.Time
	Rand io.Reader
}

// Engine owns the session key pair and the derived per-peer keys.
type Engine struct {
	mu     sync.RWMutex
	priv   *ecdh.PrivateKey
	shared map[string][]byte
	now    func() time.Time
	rand   io.Reader
}

func NewEngine(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	return &Engine{shared: make(map[string][]byte), now: now, rand: r}
}

func (e *Engine) String() string {
	return "crypto.Engine{REDACTED}"
}

func (e *Engine) GoString() string {
	return "crypto.Engine{REDACTED}"
}

// -----------------------------------------------------------------------------
// Key pair
// -----------------------------------------------------------------------------

// GenerateKeyPair replaces the session key pair. Keys derived from the old
// pair are dropped because peers can no longer reproduce them.
func (e *Engine) GenerateKeyPair() error {
	priv, err := ecdh.P256().GenerateKey(e.rand)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	e.mu.Lock()
	e.priv = priv
	e.wipeSharedLocked()
	e.mu.Unlock()
	return nil
}

func (e *Engine) HasKeyPair() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.priv != nil
}

// ExportPublicKey returns the session public key in SPKI (PKIX DER) form.
func (e *Engine) ExportPublicKey() ([]byte, error) {
	e.mu.RLock()
	priv := e.priv
	e.mu.RUnlock()
	if priv == nil {
		return nil, ErrNoKeyPair
	}
	return x509.MarshalPKIXPublicKey(priv.PublicKey())
}

func ImportPublicKey(spki []byte) (*ecdh.PublicKey, error) {
	if len(spki) == 0 {
		return nil, fmt.Errorf("%w: empty key material", ErrPublicKeyImport)
	}
	key, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyImport, err)
	}
	ec, ok := key.(*ecdsa.PublicKey)
	if !ok || ec.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrPublicKeyImport)
	}
	pub, err := ec.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyImport, err)
	}
	return pub, nil
}

// ClearKeys drops the key pair and every derived key (logout).
func (e *Engine) ClearKeys() {
	e.mu.Lock()
	e.priv = nil
	e.wipeSharedLocked()
	e.mu.Unlock()
}

func (e *Engine) wipeSharedLocked() {
	for id, k := range e.shared {
		for i := range k {
			k[i] = 0
		}
		delete(e.shared, id)
	}
}

// -----------------------------------------------------------------------------
// Hashing and identifiers
// -----------------------------------------------------------------------------

func HashData(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (e *Engine) HashData(data []byte) string {
	return HashData(data)
}

func GenerateSecureID() (string, error) {
	return newID(rand.Reader)
}

func (e *Engine) GenerateSecureID() (string, error) {
	return newID(e.rand)
}

func newID(r io.Reader) (string, error) {
	var b [IDSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("secure id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"agromesh/internal/proto"
)

const labelSharedKey = "agromesh:aes-gcm:v1"

// DeriveSharedKey runs ECDH against peerPub and stores the resulting
// AES-256-GCM key under peerID. Re-deriving overwrites the previous key.
func (e *Engine) DeriveSharedKey(peerPub *ecdh.PublicKey, peerID string) error {
	if peerPub == nil || peerID == "" {
		return fmt.Errorf("%w: missing peer key or id", ErrPublicKeyImport)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.priv == nil {
		return ErrNoKeyPair
	}
	secret, err := e.priv.ECDH(peerPub)
	if err != nil {
		return fmt.Errorf("ecdh: %w", err)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(labelSharedKey)), key); err != nil {
		return fmt.Errorf("hkdf: %w", err)
	}
	for i := range secret {
		secret[i] = 0
	}
	if old, ok := e.shared[peerID]; ok {
		for i := range old {
			old[i] = 0
		}
	}
	e.shared[peerID] = key
	return nil
}

// DeriveSharedKeyFromSPKI imports an exported public key and derives in one step.
func (e *Engine) DeriveSharedKeyFromSPKI(spki []byte, peerID string) error {
	pub, err := ImportPublicKey(spki)
	if err != nil {
		return err
	}
	return e.DeriveSharedKey(pub, peerID)
}

func (e *Engine) HasSharedKey(peerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.shared[peerID]
	return ok
}

func (e *Engine) PeerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.shared)
}

func (e *Engine) sharedKey(peerID string) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.shared[peerID]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(k))
	copy(out, k)
	return out, true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (e *Engine) EncryptMessage(plaintext []byte, peerID string) (*proto.EncryptedPayload, error) {
	key, ok := e.sharedKey(peerID)
	if !ok {
		return nil, ErrNoSharedKey
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrEncryption, err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	ts := e.now()
	sealed := aead.Seal(nil, iv, plaintext, BuildAAD(nonce, ts))
	split := len(sealed) - TagSize
	return &proto.EncryptedPayload{
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
		IV:         iv,
		Nonce:      nonce,
		Timestamp:  ts,
	}, nil
}

// DecryptMessage refuses payloads older than ReplayWindow before touching the
// ciphertext.
func (e *Engine) DecryptMessage(payload *proto.EncryptedPayload, peerID string) ([]byte, error) {
	key, ok := e.sharedKey(peerID)
	if !ok {
		return nil, ErrNoSharedKey
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrDecryptionFailed)
	}
	if e.now().Sub(payload.Timestamp) > ReplayWindow {
		return nil, ErrPayloadExpired
	}
	if len(payload.IV) != IVSize || len(payload.Tag) != TagSize || len(payload.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad iv/tag/nonce size", ErrDecryptionFailed)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	sealed := make([]byte, 0, len(payload.Ciphertext)+TagSize)
	sealed = append(sealed, payload.Ciphertext...)
	sealed = append(sealed, payload.Tag...)
	plain, err := aead.Open(nil, payload.IV, sealed, BuildAAD(payload.Nonce, payload.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

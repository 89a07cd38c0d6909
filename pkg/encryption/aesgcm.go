package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const gcmNonceSize = 12

// AESGCM encrypts with AES-256-GCM under a single static key. The
// ciphertext layout is nonce || sealed, base64-encoded.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds the local backend from a base64-encoded key. The
// decoded key must be exactly 32 bytes.
func NewAESGCM(keyBase64 string) (*AESGCM, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrBadKeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) ProviderName() string { return "aes-gcm-256" }

// Encrypt seals plaintext under a fresh 12-byte nonce. Two calls with the
// same plaintext never produce the same ciphertext.
func (a *AESGCM) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := a.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt rejects inputs shorter than the nonce and reports tag
// mismatches as ErrDecryptFailed.
func (a *AESGCM) Decrypt(_ context.Context, ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if len(raw) < gcmNonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecryptFailed)
	}
	plaintext, err := a.aead.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Package encryption provides the pluggable secret encryption used for
// every persisted credential: registry passwords, extension-held cloud
// keys, OAuth client secrets and refresh tokens. Two backends exist, a
// local AES-256-GCM one and an AWS KMS one; callers depend only on the
// Encryptor interface.
package encryption

import (
	"context"
	"errors"
	"unicode/utf8"
)

// Encryptor is the bytes-in/base64-out contract both backends satisfy.
// Decrypt may perform network I/O (the KMS backend does), so both
// operations take a context.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
	ProviderName() string
}

// Failure modes. Callers branch on these with errors.Is and fall back to
// the cleartext-unavailable path; none are fatal.
var (
	ErrBadKeyLength  = errors.New("encryption key must be exactly 32 bytes")
	ErrDecodeFailed  = errors.New("ciphertext is not valid base64")
	ErrDecryptFailed = errors.New("ciphertext could not be decrypted")
	ErrNotUTF8       = errors.New("decrypted bytes are not valid UTF-8")
)

// EncryptString encrypts a text secret.
func EncryptString(ctx context.Context, e Encryptor, plaintext string) (string, error) {
	return e.Encrypt(ctx, []byte(plaintext))
}

// DecryptString decrypts a ciphertext the caller expects to be text,
// returning ErrNotUTF8 when the plaintext is not valid UTF-8.
func DecryptString(ctx context.Context, e Encryptor, ciphertext string) (string, error) {
	b, err := e.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrNotUTF8
	}
	return string(b), nil
}

package encryption

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSAPI is the slice of the AWS KMS client this backend calls.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMS delegates encryption to an AWS KMS key. Both operations are network
// calls; the ciphertext blob KMS returns is base64-wrapped for storage.
type KMS struct {
	client KMSAPI
	keyID  string
}

// NewKMS builds the KMS backend over an already-configured client.
func NewKMS(client KMSAPI, keyID string) *KMS {
	return &KMS{client: client, keyID: keyID}
}

func (k *KMS) ProviderName() string { return "aws-kms" }

func (k *KMS) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	out, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &k.keyID,
		Plaintext: plaintext,
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func (k *KMS) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &k.keyID,
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms decrypt: %v", ErrDecryptFailed, err)
	}
	return out.Plaintext, nil
}

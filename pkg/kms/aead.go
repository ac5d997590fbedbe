package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// AEADSeal encrypts with XChaCha20-Poly1305 and prepends the nonce.
func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	n := aead.NonceSize()
	if len(ciphertext) < n+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	out, err := aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// LoadPepper fetches the password pepper through the adapter.
func LoadPepper(ctx context.Context, a *Adapter, name string) ([]byte, error) {
	v, err := a.GetSecret(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load pepper %s: %w", name, err)
	}
	if len(v) < 32 {
		return nil, fmt.Errorf("pepper %s must be at least 32 bytes", name)
	}
	return []byte(v), nil
}

package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// EncryptionContext is bound to ciphertext as additional authenticated data.
type EncryptionContext map[string]string

type Provider interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

// Adapter fronts one primary provider (Vault or AWS) and an optional local
// fallback keyed from KMS_LOCAL_KEY.
type Adapter struct {
	primary    Provider
	fallback   Provider
	failClosed bool
	timeout    time.Duration
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("KMS_REQUIRE_PRIMARY")) == "true"
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil && requirePrimary {
			return nil, fmt.Errorf("vault provider: %w", err)
		}
		if err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		ap, err := newAWSProvider(ctx)
		if err != nil && requirePrimary {
			return nil, fmt.Errorf("aws provider: %w", err)
		}
		if err == nil {
			primary = ap
		}
	}
	if !requirePrimary {
		if envKey := os.Getenv("KMS_LOCAL_KEY"); envKey != "" {
			ep, err := newEnvProvider(envKey)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize env provider: %w", err)
			}
			fallback = ep
		}
	}
	if primary == nil && fallback == nil {
		if requirePrimary {
			return nil, errors.New("KMS_REQUIRE_PRIMARY=true but neither Vault nor AWS KMS is reachable")
		}
		return nil, errors.New("no KMS providers available (checked Vault, AWS KMS, KMS_LOCAL_KEY)")
	}
	return &Adapter{
		primary:    primary,
		fallback:   fallback,
		failClosed: os.Getenv("KMS_FAIL_CLOSED") != "false",
		timeout:    10 * time.Second,
	}, nil
}

func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return a.do(func(p Provider) ([]byte, error) {
		return p.EncryptWithContext(ctx, plaintext, aad)
	}, "encrypt")
}

func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return a.do(func(p Provider) ([]byte, error) {
		return p.DecryptWithContext(ctx, ciphertext, aad)
	}, "decrypt")
}

// GetSecret resolves a named secret. Empty values count as missing.
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	out, err := a.do(func(p Provider) ([]byte, error) {
		v, err := p.GetSecret(ctx, key)
		if err == nil && v == "" {
			err = fmt.Errorf("secret %s is empty", key)
		}
		return []byte(v), err
	}, "get secret")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (a *Adapter) do(call func(Provider) ([]byte, error), op string) ([]byte, error) {
	if a.primary != nil {
		out, err := call(a.primary)
		if err == nil {
			return out, nil
		}
		if a.failClosed || a.fallback == nil {
			return nil, fmt.Errorf("kms %s failed: %w", op, err)
		}
	}
	if a.fallback != nil {
		return call(a.fallback)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

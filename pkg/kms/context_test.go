package kms_test

import (
	"context"
	"testing"

	"snipbin/pkg/kms"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func newLocalAdapter(t *testing.T) *kms.Adapter {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_LOCAL_KEY", testLocalKey)
	adapter, err := kms.NewAdapter(context.Background())
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	return adapter
}

func TestEncryptionContextBinding(t *testing.T) {
	adapter := newLocalAdapter(t)
	dek := []byte("0123456789abcdef0123456789abcdef")
	ctx := context.Background()

	t.Run("matching context", func(t *testing.T) {
		ec := kms.EncryptionContext{"blob": "abcDEF1/1700000000000000000.txt"}
		wrapped, err := adapter.EncryptWithContext(ctx, dek, ec)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := adapter.DecryptWithContext(ctx, wrapped, ec)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(got) != string(dek) {
			t.Errorf("got %q", got)
		}
	})

	t.Run("blob swap is rejected", func(t *testing.T) {
		wrapped, err := adapter.EncryptWithContext(ctx, dek, kms.EncryptionContext{"blob": "aaaaaaa/1.txt"})
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if _, err := adapter.DecryptWithContext(ctx, wrapped, kms.EncryptionContext{"blob": "bbbbbbb/1.txt"}); err == nil {
			t.Error("decrypt under another blob key should fail")
		}
		if _, err := adapter.DecryptWithContext(ctx, wrapped, nil); err == nil {
			t.Error("decrypt without context should fail")
		}
	})

	t.Run("key order is irrelevant", func(t *testing.T) {
		a := kms.EncryptionContext{"a": "1", "z": "26", "m": "13"}
		b := kms.EncryptionContext{"z": "26", "a": "1", "m": "13"}
		wrapped, _ := adapter.EncryptWithContext(ctx, dek, a)
		if _, err := adapter.DecryptWithContext(ctx, wrapped, b); err != nil {
			t.Errorf("context serialization not deterministic: %v", err)
		}
	})
}

func TestAEADRoundTrip(t *testing.T) {
	dek, err := kms.GenerateDEK()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := kms.AEADSeal([]byte("hello"), dek, []byte("k1"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := kms.AEADOpen(sealed, dek, []byte("k1"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("open: %q %v", got, err)
	}
	if _, err := kms.AEADOpen(sealed, dek, []byte("k2")); err == nil {
		t.Error("open with wrong aad should fail")
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := kms.AEADOpen(sealed, dek, []byte("k1")); err == nil {
		t.Error("tampered ciphertext should fail")
	}
}

func TestLoadPepperFromEnv(t *testing.T) {
	adapter := newLocalAdapter(t)
	t.Setenv("SNIPBIN_PEPPER", "pepper-pepper-pepper-pepper-pepper-1")
	got, err := kms.LoadPepper(context.Background(), adapter, "SNIPBIN_PEPPER")
	if err != nil {
		t.Fatalf("LoadPepper: %v", err)
	}
	if string(got) != "pepper-pepper-pepper-pepper-pepper-1" {
		t.Errorf("got %q", got)
	}
	t.Setenv("SHORT_PEPPER", "short")
	if _, err := kms.LoadPepper(context.Background(), adapter, "SHORT_PEPPER"); err == nil {
		t.Error("short pepper should be rejected")
	}
}

func TestNewAdapterWithoutProviders(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_LOCAL_KEY", "")
	if _, err := kms.NewAdapter(context.Background()); err == nil {
		t.Error("expected error with no providers")
	}
}

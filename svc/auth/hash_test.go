package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

var testPepper = []byte("0123456789abcdef0123456789abcdef")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(1, 8*1024, 1, testPepper)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	h.SetMinVerifyTime(0)
	if err := h.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestHashVerify(t *testing.T) {
	h := newTestHasher(t)
	enc, err := h.Hash(context.Background(), "hunter2")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(enc, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Errorf("unexpected encoding %q", enc)
	}
	ok, err := h.Verify("hunter2", enc)
	if err != nil || !ok {
		t.Fatalf("Verify(correct) = %v, %v", ok, err)
	}
	ok, _ = h.Verify("hunter3", enc)
	if ok {
		t.Error("wrong password accepted")
	}
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t)
	a, _ := h.Hash(context.Background(), "same")
	b, _ := h.Hash(context.Background(), "same")
	if a == b {
		t.Error("two hashes of the same password are identical")
	}
}

func TestVerifyNormalizesUnicode(t *testing.T) {
	h := newTestHasher(t)
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	enc, err := h.Hash(context.Background(), composed)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := h.Verify(decomposed, enc); !ok {
		t.Error("NFD form of the same password rejected")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	h := newTestHasher(t)
	for _, enc := range []string{"", "plain", "$argon2i$v=19$m=8,t=1,p=1$AA$AA", "$argon2id$v=19$m=x$AA$AA"} {
		if ok, err := h.Verify("pw", enc); ok || err != nil {
			t.Errorf("Verify(%q) = %v, %v", enc, ok, err)
		}
	}
}

func TestVerifyMinimumTime(t *testing.T) {
	h := newTestHasher(t)
	h.SetMinVerifyTime(80 * time.Millisecond)
	start := time.Now()
	h.Verify("pw", "garbage")
	if time.Since(start) < 80*time.Millisecond {
		t.Error("verify returned before the floor")
	}
}

func TestHashRespectsContext(t *testing.T) {
	h, err := NewHasher(1, 8*1024, 1, testPepper)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()
	if _, err := h.Hash(context.Background(), "pw"); err == nil {
		t.Error("hash before Start should fail")
	}
	_ = h.Start(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Hash(ctx, "pw"); err == nil {
		t.Error("cancelled context should fail")
	}
}

func TestNewHasherValidation(t *testing.T) {
	if _, err := NewHasher(1, 8*1024, 1, []byte("short")); err == nil {
		t.Error("short pepper accepted")
	}
	if _, err := NewHasher(0, 8*1024, 1, testPepper); err == nil {
		t.Error("zero iterations accepted")
	}
	if _, err := NewHasher(1, 8*1024, 0, testPepper); err == nil {
		t.Error("zero parallelism accepted")
	}
}

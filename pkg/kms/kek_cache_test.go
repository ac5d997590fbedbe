package kms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockProvider struct {
	decryptFunc func(ctx context.Context, ciphertext, encContext []byte) ([]byte, error)
}

func (m *mockProvider) EncryptWithContext(_ context.Context, plaintext, _ []byte) ([]byte, error) {
	return plaintext, nil
}

func (m *mockProvider) DecryptWithContext(ctx context.Context, ciphertext, encContext []byte) ([]byte, error) {
	if m.decryptFunc != nil {
		return m.decryptFunc(ctx, ciphertext, encContext)
	}
	return ciphertext, nil
}

func (m *mockProvider) GetSecret(context.Context, string) (string, error) {
	return "secret", nil
}

func countingAdapter(calls *int32, delay time.Duration) *Adapter {
	return &Adapter{
		primary: &mockProvider{
			decryptFunc: func(_ context.Context, ciphertext, _ []byte) ([]byte, error) {
				time.Sleep(delay)
				atomic.AddInt32(calls, 1)
				return append([]byte("dek-"), ciphertext...), nil
			},
		},
		failClosed: true,
	}
}

func TestKEKCacheHitMiss(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), time.Hour)
	defer cache.Stop()
	ctx := context.Background()
	ec := EncryptionContext{"blob": "k"}

	first, err := cache.UnwrapDEK(ctx, []byte("wrapped"), ec)
	if err != nil {
		t.Fatalf("UnwrapDEK: %v", err)
	}
	second, err := cache.UnwrapDEK(ctx, []byte("wrapped"), ec)
	if err != nil {
		t.Fatalf("UnwrapDEK: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 KMS call, got %d", calls)
	}
	if string(first) != string(second) {
		t.Error("cache returned a different key")
	}
	first[0] = 'X'
	third, _ := cache.UnwrapDEK(ctx, []byte("wrapped"), ec)
	if third[0] == 'X' {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestKEKCacheContextIsPartOfKey(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), time.Hour)
	defer cache.Stop()
	ctx := context.Background()
	_, _ = cache.UnwrapDEK(ctx, []byte("w"), EncryptionContext{"blob": "a"})
	_, _ = cache.UnwrapDEK(ctx, []byte("w"), EncryptionContext{"blob": "b"})
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 KMS calls for distinct contexts, got %d", calls)
	}
}

func TestKEKCacheExpiry(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), 50*time.Millisecond)
	defer cache.Stop()
	ctx := context.Background()
	_, _ = cache.UnwrapDEK(ctx, []byte("w"), nil)
	time.Sleep(100 * time.Millisecond)
	_, _ = cache.UnwrapDEK(ctx, []byte("w"), nil)
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected refetch after ttl, got %d calls", calls)
	}
	cache.evictExpired(time.Now().Add(time.Hour))
	if cache.Stats().Entries != 0 {
		t.Error("expired entries not evicted")
	}
}

func TestKEKCacheSingleflight(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 50*time.Millisecond), time.Hour)
	defer cache.Stop()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.UnwrapDEK(context.Background(), []byte("w"), nil); err != nil {
				t.Errorf("UnwrapDEK: %v", err)
			}
		}()
	}
	wg.Wait()
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 KMS call, got %d", calls)
	}
}

func TestKEKCacheErrorNotCached(t *testing.T) {
	fail := true
	a := &Adapter{primary: &mockProvider{
		decryptFunc: func(context.Context, []byte, []byte) ([]byte, error) {
			if fail {
				return nil, errors.New("kms down")
			}
			return []byte("ok"), nil
		},
	}, failClosed: true}
	cache := NewKEKCache(a, time.Hour)
	defer cache.Stop()
	if _, err := cache.UnwrapDEK(context.Background(), []byte("w"), nil); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	if _, err := cache.UnwrapDEK(context.Background(), []byte("w"), nil); err != nil {
		t.Fatalf("error should not be cached: %v", err)
	}
}

func TestKEKCacheStop(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), time.Hour)
	_, _ = cache.UnwrapDEK(context.Background(), []byte("a"), nil)
	_, _ = cache.UnwrapDEK(context.Background(), []byte("b"), nil)
	if got := cache.Stats().Entries; got != 2 {
		t.Errorf("expected 2 entries, got %d", got)
	}
	cache.Stop()
	if got := cache.Stats().Entries; got != 0 {
		t.Errorf("expected 0 entries after stop, got %d", got)
	}
	if _, err := cache.UnwrapDEK(context.Background(), []byte("a"), nil); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable after stop, got %v", err)
	}
}

func TestAdapterFallbackWhenFailOpen(t *testing.T) {
	a := &Adapter{
		primary: &mockProvider{decryptFunc: func(context.Context, []byte, []byte) ([]byte, error) {
			return nil, errors.New("primary down")
		}},
		fallback: &mockProvider{},
	}
	got, err := a.DecryptWithContext(context.Background(), []byte("x"), nil)
	if err != nil || string(got) != "x" {
		t.Fatalf("fallback not used: %q %v", got, err)
	}
	a.failClosed = true
	if _, err := a.DecryptWithContext(context.Background(), []byte("x"), nil); err == nil {
		t.Error("fail-closed adapter should not fall back")
	}
}

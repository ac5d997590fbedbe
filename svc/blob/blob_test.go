package blob

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"snipbin/pkg/kms"

	"github.com/pkg/errors"
)

func TestKeyFormat(t *testing.T) {
	at := time.Unix(1700000000, 123456789)
	if got := Key("abcDEF1", at); got != "abcDEF1/1700000000123456789.txt" {
		t.Errorf("Key = %q", got)
	}
	if Key("abcDEF1", at) == Key("abcDEF1", at.Add(time.Nanosecond)) {
		t.Error("distinct creation times must give distinct keys")
	}
}

func TestFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	text := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 40))
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			s, err := NewFS(t.TempDir(), codec)
			if err != nil {
				t.Fatalf("NewFS: %v", err)
			}
			key := Key("aB3dE5g", time.Now())
			if err := s.Put(ctx, key, text); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, text) {
				t.Error("content mismatch")
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, key); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Errorf("second delete should be a no-op: %v", err)
			}
		})
	}
}

func TestFSCompressesText(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root, CodecZstd)
	if err != nil {
		t.Fatal(err)
	}
	text := []byte(strings.Repeat("a", 3000))
	key := "aaaaaaa/1.txt"
	if err := s.Put(context.Background(), key, text); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.path(key))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= int64(len(text)) {
		t.Errorf("expected compressed frame, got %d bytes", info.Size())
	}
}

func TestFSIncompressibleFallsBackToRaw(t *testing.T) {
	frame, err := encodeFrame([]byte("xyz"), CodecLZ4)
	if err != nil {
		t.Fatal(err)
	}
	if Codec(frame[0]) != CodecNone {
		t.Errorf("tiny input should be stored raw, got %s", Codec(frame[0]))
	}
	got, err := decodeFrame(frame)
	if err != nil || string(got) != "xyz" {
		t.Fatalf("decode: %q %v", got, err)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	if _, err := decodeFrame([]byte{9, 0, 0, 0, 1, 'x'}); err == nil {
		t.Error("unknown codec should fail")
	}
	if _, err := decodeFrame([]byte{0, 0}); err == nil {
		t.Error("truncated frame should fail")
	}
	if _, err := decodeFrame([]byte{0, 0, 0, 0, 5, 'x'}); err == nil {
		t.Error("length mismatch should fail")
	}
}

func TestFSRejectsBadKeys(t *testing.T) {
	s, err := NewFS(t.TempDir(), CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"", "../etc/passwd", "/abs", "a//b", "a/b/", "a\x00b", "a b"} {
		if err := s.Put(context.Background(), key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestFSShardLayout(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root, CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	key := "zzzzzzz/42.txt"
	if err := s.Put(context.Background(), key, []byte("x")); err != nil {
		t.Fatal(err)
	}
	p := s.path(key)
	rel, _ := filepath.Rel(filepath.Join(root, fsBlobDir), p)
	if parts := strings.Split(rel, string(filepath.Separator)); len(parts) != 3 {
		t.Errorf("unexpected shard layout %q", rel)
	}
	if err := s.Delete(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("blob file still present after delete")
	}
	entries, _ := os.ReadDir(filepath.Join(root, fsTempDir))
	if len(entries) != 0 {
		t.Errorf("temp dir not clean: %d entries", len(entries))
	}
}

func TestFSConcurrentPutDeleteSameShards(t *testing.T) {
	s, err := NewFS(t.TempDir(), CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	const workers, rounds = 16, 300
	var failures atomic.Int64
	var first atomic.Value
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				key := fmt.Sprintf("w%02d/%d.txt", w, i)
				if err := s.Put(ctx, key, []byte("x")); err != nil {
					failures.Add(1)
					first.CompareAndSwap(nil, err.Error())
					continue
				}
				if err := s.Delete(ctx, key); err != nil {
					failures.Add(1)
					first.CompareAndSwap(nil, err.Error())
				}
			}
		}(w)
	}
	wg.Wait()
	if n := failures.Load(); n > 0 {
		t.Fatalf("%d Put/Delete failures; first: %v", n, first.Load())
	}
}

func TestFSPing(t *testing.T) {
	s, err := NewFS(t.TempDir(), CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

type xorWrapper struct{ wraps, unwraps int }

func (w *xorWrapper) WrapDEK(_ context.Context, dek []byte, ec kms.EncryptionContext) ([]byte, error) {
	w.wraps++
	return append([]byte(ec["blob"]+"|"), dek...), nil
}

func (w *xorWrapper) UnwrapDEK(_ context.Context, wrapped []byte, ec kms.EncryptionContext) ([]byte, error) {
	w.unwraps++
	prefix := ec["blob"] + "|"
	if !bytes.HasPrefix(wrapped, []byte(prefix)) {
		return nil, kms.ErrDecryptionFailed
	}
	return append([]byte(nil), wrapped[len(prefix):]...), nil
}

func TestSealedRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFS(t.TempDir(), CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	w := &xorWrapper{}
	s := NewSealed(inner, w)
	key := "sEaLeD1/1.txt"
	if err := s.Put(ctx, key, []byte("top secret")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	raw, err := inner.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("top secret")) {
		t.Error("plaintext visible in inner store")
	}
	got, err := s.Get(ctx, key)
	if err != nil || string(got) != "top secret" {
		t.Fatalf("Get: %q %v", got, err)
	}
	if w.wraps != 1 || w.unwraps != 1 {
		t.Errorf("wraps=%d unwraps=%d", w.wraps, w.unwraps)
	}
}

func TestSealedRejectsMovedBlob(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFS(t.TempDir(), CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSealed(inner, &xorWrapper{})
	if err := s.Put(ctx, "aaaaaaa/1.txt", []byte("mine")); err != nil {
		t.Fatal(err)
	}
	raw, _ := inner.Get(ctx, "aaaaaaa/1.txt")
	if err := inner.Put(ctx, "bbbbbbb/1.txt", raw); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "bbbbbbb/1.txt"); err == nil {
		t.Error("envelope opened under a different key")
	}
	if _, err := s.Get(ctx, "ccccccc/1.txt"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("missing blob should pass through ErrBlobNotFound, got %v", err)
	}
}

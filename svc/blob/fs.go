package blob

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	fsBlobDir    = "blobs"
	fsTempDir    = ".tmp"
	maxKeyLength = 512
)

// FS stores each blob at blobs/<h[0:2]>/<h[2:4]>/<h> under root, where h is
// the SHA-256 of the key. Writes land in .tmp first and are renamed in.
type FS struct {
	root  string
	codec Codec
}

func NewFS(root string, codec Codec) (*FS, error) {
	root = filepath.Clean(root)
	for _, d := range []string{fsBlobDir, fsTempDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o750); err != nil {
			return nil, errors.Wrapf(err, "create %s directory", d)
		}
	}
	return &FS{root: root, codec: codec}, nil
}

func (s *FS) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	frame, err := encodeFrame(data, s.codec)
	if err != nil {
		return err
	}
	tmp, err := s.tempFile()
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return errors.Wrap(err, "create shard directory")
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return errors.Wrapf(err, "commit blob %q", key)
	}
	committed = true
	return nil
}

func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	frame, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrBlobNotFound, "blob %q", key)
		}
		return nil, errors.Wrapf(err, "read blob %q", key)
	}
	return decodeFrame(frame)
}

func (s *FS) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	// Shard directories are never removed; a concurrent Put may be about to
	// rename into the same one.
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "delete blob %q", key)
	}
	return nil
}

// Ping verifies the store directory is writable.
func (s *FS) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := s.tempFile()
	if err != nil {
		return errors.Wrap(err, "blob dir not writable")
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *FS) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(s.root, fsBlobDir, h[0:2], h[2:4], h)
}

func (s *FS) tempFile() (*os.File, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(s.root, fsTempDir, hex.EncodeToString(b[:])), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
}

func validateKey(key string) error {
	if key == "" {
		return errors.Wrap(ErrInvalidKey, "empty key")
	}
	if len(key) > maxKeyLength {
		return errors.Wrap(ErrInvalidKey, "key too long")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") || strings.Contains(key, "//") {
		return errors.Wrap(ErrInvalidKey, "bad slashes")
	}
	if strings.Contains(key, "..") {
		return errors.Wrap(ErrInvalidKey, "path traversal")
	}
	for i, r := range key {
		if !validKeyChar(r) {
			return errors.Wrapf(ErrInvalidKey, "invalid character %q at %d", r, i)
		}
	}
	return nil
}

func validKeyChar(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == '/' || r == '.' || r == '-' || r == '_'
}

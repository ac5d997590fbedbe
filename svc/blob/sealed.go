package blob

import (
	"bytes"
	"context"
	"encoding/binary"

	"snipbin/pkg/kms"
	"snipbin/svc/util"

	"github.com/pkg/errors"
)

var envelopeMagic = []byte{'S', 'B', 0x01}

// KeyWrapper wraps per-blob data keys under a master key.
type KeyWrapper interface {
	WrapDEK(ctx context.Context, dek []byte, ec kms.EncryptionContext) ([]byte, error)
	UnwrapDEK(ctx context.Context, wrapped []byte, ec kms.EncryptionContext) ([]byte, error)
}

// Sealed encrypts content before it reaches the inner store. Each blob gets
// its own data key, and both the key and the ciphertext are bound to the
// blob key so an object copied to another key fails to open.
type Sealed struct {
	inner Store
	keys  KeyWrapper
}

func NewSealed(inner Store, keys KeyWrapper) *Sealed {
	return &Sealed{inner: inner, keys: keys}
}

func (s *Sealed) Put(ctx context.Context, key string, data []byte) error {
	dek, err := kms.GenerateDEK()
	if err != nil {
		return errors.Wrap(err, "generate dek")
	}
	defer util.Wipe(dek)
	wrapped, err := s.keys.WrapDEK(ctx, dek, blobContext(key))
	if err != nil {
		return errors.Wrap(err, "wrap dek")
	}
	if len(wrapped) > 0xffff {
		return errors.New("wrapped dek too large")
	}
	ct, err := kms.AEADSeal(data, dek, []byte(key))
	if err != nil {
		return errors.Wrap(err, "seal blob")
	}
	var buf bytes.Buffer
	buf.Grow(len(envelopeMagic) + 2 + len(wrapped) + len(ct))
	buf.Write(envelopeMagic)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(wrapped)))
	buf.Write(n[:])
	buf.Write(wrapped)
	buf.Write(ct)
	return s.inner.Put(ctx, key, buf.Bytes())
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	hdr := len(envelopeMagic) + 2
	if len(raw) < hdr || !bytes.Equal(raw[:len(envelopeMagic)], envelopeMagic) {
		return nil, errors.Errorf("blob %q is not a sealed envelope", key)
	}
	wl := int(binary.BigEndian.Uint16(raw[len(envelopeMagic):hdr]))
	if len(raw) < hdr+wl {
		return nil, errors.Errorf("blob %q envelope truncated", key)
	}
	dek, err := s.keys.UnwrapDEK(ctx, raw[hdr:hdr+wl], blobContext(key))
	if err != nil {
		return nil, errors.Wrap(err, "unwrap dek")
	}
	defer util.Wipe(dek)
	out, err := kms.AEADOpen(raw[hdr+wl:], dek, []byte(key))
	if err != nil {
		return nil, errors.Wrapf(err, "open blob %q", key)
	}
	return out, nil
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func blobContext(key string) kms.EncryptionContext {
	return kms.EncryptionContext{"blob": key}
}

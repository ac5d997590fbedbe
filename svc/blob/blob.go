package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidKey   = errors.New("invalid blob key")
)

// Store holds paste content by key. Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Key builds the locator for a paste's content. Two creations of the same
// shortlink never share a key.
func Key(shortlink string, createdAt time.Time) string {
	return fmt.Sprintf("%s/%d.txt", shortlink, createdAt.UnixNano())
}

package domain

import (
	"time"
	"unicode/utf8"
)

const (
	ShortlinkLength   = 7
	MinExpiresIn      = 60 * time.Second
	MaxExpiresIn      = 30 * 24 * time.Hour
	MaxPasswordLength = 128
	DefaultMaxContent = 3072
)

// Record is the metadata row for one paste. Content lives in the blob
// store under BlobPath.
type Record struct {
	Shortlink     string
	BlobPath      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Size          int64
	BurnAfterRead bool
	PasswordHash  string
}

func (r *Record) Protected() bool {
	return r.PasswordHash != ""
}

func (r *Record) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type CreateParams struct {
	Content       []byte
	ExpiresIn     time.Duration
	BurnAfterRead bool
	Password      *string
}

func (p CreateParams) Validate(maxContent int64) error {
	if len(p.Content) == 0 {
		return ErrContentRequired
	}
	if maxContent <= 0 {
		maxContent = DefaultMaxContent
	}
	if int64(len(p.Content)) > maxContent {
		return ErrPasteTooLarge
	}
	if p.ExpiresIn < MinExpiresIn || p.ExpiresIn > MaxExpiresIn {
		return ErrInvalidExpiry
	}
	if p.Password != nil {
		n := utf8.RuneCountInString(*p.Password)
		if n < 1 || n > MaxPasswordLength {
			return ErrInvalidPassword
		}
	}
	return nil
}

type Created struct {
	Shortlink string
	ExpiresAt time.Time
}

// Paste is the outcome of a successful read.
type Paste struct {
	Shortlink string
	Content   []byte
	ExpiresAt time.Time
	Burned    bool
	CacheHit  bool
}

// ValidShortlink reports whether s has the shape the allocator produces.
func ValidShortlink(s string) bool {
	if len(s) != ShortlinkLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

package alloc

import (
	"context"

	"snipbin/pkg/domain"
	"snipbin/svc/util"

	"github.com/pkg/errors"
)

// ExistsFunc reports whether a shortlink is already in use.
type ExistsFunc func(ctx context.Context, shortlink string) (bool, error)

// RetryPolicy bounds the number of attempts Retry makes. Zero means no bound.
type RetryPolicy struct {
	MaxAttempts int
}

func (p RetryPolicy) allows(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt <= p.MaxAttempts
}

// Retry calls fn until it succeeds, fails with something other than
// domain.ErrConflict, the policy runs out, or ctx is done.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "retry aborted")
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if !p.allows(attempt + 1) {
			return errors.Wrapf(domain.ErrConflict, "gave up after %d attempts", attempt)
		}
	}
}

// top-level routes exactly ShortlinkLength long
var defaultReserved = []string{"metrics"}

// IsReserved reports whether s is a built-in reserved word.
func IsReserved(s string) bool {
	for _, r := range defaultReserved {
		if r == s {
			return true
		}
	}
	return false
}

type Allocator struct {
	exists   ExistsFunc
	policy   RetryPolicy
	reserved map[string]struct{}
	draw     func(n int) (string, error)
}

func New(exists ExistsFunc, policy RetryPolicy, reserved ...string) *Allocator {
	a := &Allocator{
		exists:   exists,
		policy:   policy,
		reserved: make(map[string]struct{}),
		draw:     util.RandomString,
	}
	for _, r := range defaultReserved {
		a.reserved[r] = struct{}{}
	}
	for _, r := range reserved {
		a.reserved[r] = struct{}{}
	}
	return a
}

// Allocate draws shortlinks until one is neither reserved nor reported as
// existing. The check is advisory; the metadata insert decides.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	var out string
	err := Retry(ctx, a.policy, func(ctx context.Context, _ int) error {
		s, err := a.draw(domain.ShortlinkLength)
		if err != nil {
			return err
		}
		if _, ok := a.reserved[s]; ok {
			return domain.ErrConflict
		}
		taken, err := a.exists(ctx, s)
		if err != nil {
			return errors.Wrap(err, "shortlink exists check")
		}
		if taken {
			return domain.ErrConflict
		}
		out = s
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

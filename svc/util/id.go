package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const base62Chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var base62Len = big.NewInt(int64(len(base62Chars)))

// RandomString returns n characters drawn uniformly from [a-zA-Z0-9].
func RandomString(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("length must be positive")
	}
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, base62Len)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		out[i] = base62Chars[idx.Int64()]
	}
	return string(out), nil
}

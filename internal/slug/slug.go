package slug

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"regexp"
)

const (
	charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	length  = 6
	retries = 10
)

var (
	maxIdx = big.NewInt(int64(len(charset)))

	// custom slugs: letters, digits, dash and underscore, up to 64 chars
	validPattern = regexp.MustCompile(`^[0-9A-Za-z_-]{1,64}$`)

	ErrExhausted = errors.New("slug: no free slug after retries")
)

// reserved paths the edge serves itself
var reserved = map[string]bool{
	"api":     true,
	"healthz": true,
}

// Generate returns a random 6-character Base62 string.
func Generate() (string, error) {
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}
	return string(b), nil
}

// Valid reports whether s can be used as a custom slug.
func Valid(s string) bool {
	return validPattern.MatchString(s) && !reserved[s]
}

// Unique generates slugs until taken reports one as free.
func Unique(ctx context.Context, taken func(ctx context.Context, candidate string) (bool, error)) (string, error) {
	for i := 0; i < retries; i++ {
		candidate, err := Generate()
		if err != nil {
			return "", err
		}
		exists, err := taken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", ErrExhausted
}

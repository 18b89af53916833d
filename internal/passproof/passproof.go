// Package passproof issues and checks the short-lived marker a visitor gets
// after entering a link's password, and compares link passwords.
package passproof

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const cookiePrefix = "password_verified_"

var ErrInvalidProof = errors.New("passproof: invalid proof")

type Claims struct {
	Slug   string `json:"slug"`
	Domain string `json:"domain"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// CookieName is the per-slug cookie the proof travels in.
func CookieName(slug string) string {
	return cookiePrefix + slug
}

func (i *Issuer) Issue(domain, slug string) (string, error) {
	now := i.now()
	claims := Claims{
		Slug:   slug,
		Domain: domain,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign proof: %w", err)
	}
	return token, nil
}

// Verify checks that token is a live proof for exactly domain+slug.
func (i *Issuer) Verify(token, domain, slug string) error {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalidProof
	}
	if claims.Slug != slug || claims.Domain != domain {
		return ErrInvalidProof
	}
	return nil
}

// FromRequest reports whether r carries a valid proof for domain+slug.
func (i *Issuer) FromRequest(r *http.Request, domain, slug string) bool {
	c, err := r.Cookie(CookieName(slug))
	if err != nil {
		return false
	}
	return i.Verify(c.Value, domain, slug) == nil
}

// Cookie builds the cookie that carries token.
func (i *Issuer) Cookie(slug, token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName(slug),
		Value:    token,
		Path:     "/",
		MaxAge:   int(i.ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

func HashPassword(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword compares plain against a stored bcrypt hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// SetClock replaces the time source. Tests only.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

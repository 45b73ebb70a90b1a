package jwtauth

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer mints tokens for one subject, reusing each until it is close to
// expiry. It is safe for concurrent use.
type Signer struct {
	cfg     *Config
	subject string
	now     func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewSigner returns a Signer minting tokens for subject.
func NewSigner(cfg *Config, subject string) (*Signer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Signer{cfg: cfg, subject: subject, now: time.Now}, nil
}

// Token returns a valid token, minting a new one when the cached token has
// less than a fifth of its lifetime left.
func (s *Signer) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Add(s.cfg.TTL/5).Before(s.expires) {
		return s.cached, nil
	}
	exp := now.Add(s.cfg.TTL)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   s.subject,
		Audience:  audience(s.cfg.Audience),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(s.cfg.Secret)
	if err != nil {
		return "", err
	}
	s.cached, s.expires = tok, exp
	return tok, nil
}

// RoundTripper returns an http.RoundTripper adding the bearer token to every
// request sent through base (http.DefaultTransport when nil).
func (s *Signer) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return bearerRT{signer: s, base: base}
}

type bearerRT struct {
	signer *Signer
	base   http.RoundTripper
}

func (rt bearerRT) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := rt.signer.Token()
	if err != nil {
		return nil, err
	}
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+tok)
	return rt.base.RoundTrip(r)
}

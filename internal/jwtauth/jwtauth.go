// Package jwtauth mints and validates the short-lived HS256 bearer tokens a
// host presents to its tool server.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the bearer token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls both minting and validation. Signer and Authenticator built
// from the same Config interoperate.
type Config struct {
	// Secret is the shared HMAC key. It must be at least 32 bytes.
	Secret []byte
	// Issuer is stamped into minted tokens and required on validation.
	Issuer string
	// Audience is the tool server identifier. Optional.
	Audience string
	// TTL is the lifetime of minted tokens.
	TTL time.Duration
	// Leeway tolerates clock skew on validation.
	Leeway time.Duration
}

// DefaultConfig returns a Config with safe lifetime and leeway defaults.
func DefaultConfig(secret []byte) *Config {
	return &Config{
		Secret: secret,
		Issuer: "mcp-apps-go",
		TTL:    5 * time.Minute,
		Leeway: 30 * time.Second,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if len(c.Secret) < 32 {
		return errors.New("secret must be at least 32 bytes")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	return nil
}

// UserInfo is the identity carried by a validated token.
type UserInfo interface {
	UserID() string
}

type userInfo struct{ sub string }

func (u *userInfo) UserID() string { return u.sub }

// Authenticator validates bearer tokens.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type sharedAuthenticator struct {
	cfg *Config
}

// NewAuthenticator constructs an Authenticator for tokens minted by a Signer
// sharing cfg.
func NewAuthenticator(cfg *Config) (Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &sharedAuthenticator{cfg: cfg}, nil
}

func (a *sharedAuthenticator) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func audience(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}

// Package auth validates the bearer credentials presented by stream
// connections and REST callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nkkko/storepulse/pkg/proto"
)

// Reason classifies why a credential was refused
type Reason string

const (
	ReasonMissing     Reason = "missing"
	ReasonMalformed   Reason = "malformed"
	ReasonRejected    Reason = "rejected"
	ReasonUnknownRole Reason = "unknown_role"
)

// Error is returned for every refused credential
type Error struct {
	Reason Reason
	Err    error
}

// Sentinels usable with errors.Is
var (
	ErrMissing     = &Error{Reason: ReasonMissing}
	ErrMalformed   = &Error{Reason: ReasonMalformed}
	ErrRejected    = &Error{Reason: ReasonRejected}
	ErrUnknownRole = &Error{Reason: ReasonUnknownRole}
)

// ErrForbidden is returned by Authorize for a valid credential whose role is
// not allowed
var ErrForbidden = errors.New("auth: role not permitted")

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same reason
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Identity is the authenticated principal behind a credential
type Identity struct {
	UserID    string     `json:"user_id"`
	Role      proto.Role `json:"role"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
}

// Validator resolves a token into an identity
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// Config contains auth configuration
type Config struct {
	// HMAC secret used to sign and verify tokens
	Secret string

	// Expected issuer claim, ignored when empty
	Issuer string

	// Lifetime of tokens produced by Issue
	TokenTTL time.Duration

	// Number of validated tokens to cache, zero disables the cache
	CacheSize int

	// Upper bound on how long a validation result is reused
	CacheTTL time.Duration
}

// DefaultConfig returns a default auth configuration
func DefaultConfig() Config {
	return Config{
		Issuer:    "storepulse",
		TokenTTL:  12 * time.Hour,
		CacheSize: 4096,
		CacheTTL:  time.Minute,
	}
}

// NewValidator builds the validator described by config, wrapping it in a
// result cache when CacheSize is positive
func NewValidator(config Config) (Validator, error) {
	v, err := NewJWTValidator(config)
	if err != nil {
		return nil, err
	}
	if config.CacheSize <= 0 {
		return v, nil
	}
	return NewCachedValidator(v, config.CacheSize, config.CacheTTL)
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Authorize validates token and requires one of roles
func Authorize(ctx context.Context, v Validator, token string, roles ...proto.Role) (*Identity, error) {
	identity, err := v.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		if identity.Role == role {
			return identity, nil
		}
	}
	return nil, ErrForbidden
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nkkko/storepulse/internal/metrics"
	"github.com/nkkko/storepulse/pkg/proto"
)

// Claims are the JWT claims carried by a StorePulse token
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTValidator signs and verifies HS256 tokens
type JWTValidator struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewJWTValidator creates a validator for the configured secret
func NewJWTValidator(config Config) (*JWTValidator, error) {
	if strings.TrimSpace(config.Secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultConfig().TokenTTL
	}

	return &JWTValidator{
		secret:  []byte(config.Secret),
		issuer:  config.Issuer,
		ttl:     config.TokenTTL,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Issue signs a token for the given user and role. A non-positive ttl uses
// the configured default.
func (v *JWTValidator) Issue(userID string, role proto.Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = v.ttl
	}

	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Validate parses and verifies a token and returns the identity embedded in it
func (v *JWTValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	identity, err := v.validate(token)
	if err != nil {
		var authErr *Error
		if errors.As(err, &authErr) {
			v.metrics.AuthFailuresTotal.WithLabelValues(string(authErr.Reason)).Inc()
		}
		return nil, err
	}
	return identity, nil
}

func (v *JWTValidator) validate(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, newError(ReasonMissing, nil)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, newError(ReasonMalformed, err)
		}
		return nil, newError(ReasonRejected, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, newError(ReasonRejected, nil)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, newError(ReasonRejected, errors.New("token has no subject"))
	}

	role := proto.Role(claims.Role)
	if !role.Valid() {
		return nil, newError(ReasonUnknownRole, fmt.Errorf("role %q", claims.Role))
	}

	identity := &Identity{
		UserID: claims.Subject,
		Role:   role,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

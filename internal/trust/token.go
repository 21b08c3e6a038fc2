// Package trust issues and verifies short-lived tokens asserting that a
// client identity recently passed human verification.
//
// Tokens are HS256 JWTs carrying only an expiry, an issue time, a random ID
// and the SHA-256 digest of the identity descriptor they are bound to. No
// server-side state is kept; a token is valid until it expires.
package trust

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ascpixi/ai-warden/internal/observe"
)

// DefaultTTL is the token lifetime used when [Config.TTL] is zero.
const DefaultTTL = 10 * time.Minute

// MinKeyLength is the minimum signing key size in bytes.
const MinKeyLength = 32

// Config configures a [Service].
type Config struct {
	// Key is the HMAC signing key. Required, at least [MinKeyLength] bytes.
	Key []byte

	// TTL is the token lifetime. Default: [DefaultTTL].
	TTL time.Duration

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// Service issues and verifies trust tokens. It is safe for concurrent use.
type Service struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// claims is the JWT payload.
type claims struct {
	jwt.RegisteredClaims
	Digest string `json:"v"`
}

// New returns a Service for cfg.
func New(cfg Config) (*Service, error) {
	if len(cfg.Key) < MinKeyLength {
		return nil, fmt.Errorf("trust: key must be at least %d bytes", MinKeyLength)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		key: append([]byte(nil), cfg.Key...),
		ttl: cfg.TTL,
		now: cfg.Now,
	}, nil
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs a new token bound to descriptor and returns it with its expiry.
func (s *Service) Issue(descriptor string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Digest: Digest(descriptor),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("trust: sign token: %w", err)
	}
	return signed, exp.Truncate(time.Second), nil
}

// Verify reports whether token is a valid, unexpired token bound to
// descriptor. It never returns an error; every failure is logged with a
// short reason on the request logger of ctx and reported as false.
func (s *Service) Verify(ctx context.Context, token, descriptor string) bool {
	log := observe.Logger(ctx)
	if token == "" {
		log.Warn("trust token rejected", "reason", "missing")
		return false
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		log.Warn("trust token rejected", "reason", rejectReason(err))
		return false
	}

	want := Digest(descriptor)
	if subtle.ConstantTimeCompare([]byte(parsed.Digest), []byte(want)) != 1 {
		log.Warn("trust token rejected", "reason", "identity mismatch")
		return false
	}
	return true
}

// Digest returns the lower-hex SHA-256 of an identity descriptor.
func Digest(descriptor string) string {
	sum := sha256.Sum256([]byte(descriptor))
	return hex.EncodeToString(sum[:])
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing claim"
	default:
		return "invalid"
	}
}

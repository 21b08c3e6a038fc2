// Package captcha verifies human-verification proofs issued by an external
// oracle such as Cloudflare Turnstile.
package captcha

import (
	"context"
	"fmt"
)

// Verifier turns a client-supplied proof into a verified-human decision.
//
// Implementations must never return an error to the caller: every failure,
// including transport failures, is reported as false.
type Verifier interface {
	Verify(ctx context.Context, proof, remoteIP string) bool
}

// Kind names a verifier implementation in configuration.
type Kind string

const (
	// KindTurnstile verifies proofs against Cloudflare Turnstile.
	KindTurnstile Kind = "turnstile"

	// KindDisabled accepts every proof. For local development and tests only.
	KindDisabled Kind = "disabled"
)

// IsValid reports whether k is a known verifier kind.
func (k Kind) IsValid() bool {
	return k == KindTurnstile || k == KindDisabled
}

// New builds the verifier for kind. secret is the Turnstile secret key and is
// ignored by [KindDisabled].
func New(kind Kind, secret string, opts ...TurnstileOption) (Verifier, error) {
	switch kind {
	case KindTurnstile:
		return NewTurnstile(secret, opts...)
	case KindDisabled:
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("captcha: unknown verifier kind %q", kind)
	}
}

// Disabled is a [Verifier] that accepts every proof.
type Disabled struct{}

// Verify always returns true.
func (Disabled) Verify(context.Context, string, string) bool { return true }

package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/ascpixi/ai-warden/internal/captcha"
)

// MinKeyBytes is the minimum size of each server key.
const MinKeyBytes = 32

// secretsEnv holds raw env values before decoding.
type secretsEnv struct {
	TrustTokenKey   string `env:"WARDEN_TRUST_TOKEN_KEY"`
	TranscriptKey   string `env:"WARDEN_TRANSCRIPT_KEY"`
	TurnstileSecret string `env:"WARDEN_TURNSTILE_SECRET"`
}

// Secrets holds the server-side keys. They come from the environment only
// and are never written to logs or config files.
type Secrets struct {
	// TrustTokenKey signs trust tokens.
	TrustTokenKey []byte

	// TranscriptKey keys the transcript integrity chain.
	TranscriptKey []byte

	// TurnstileSecret authenticates siteverify calls.
	TurnstileSecret string
}

// LoadSecrets reads and validates the server keys from the environment.
// captchaKind decides whether the Turnstile secret is required.
func LoadSecrets(captchaKind captcha.Kind) (*Secrets, error) {
	var raw secretsEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("config: parse secrets env: %w", err)
	}
	return parseSecrets(raw, captchaKind)
}

func parseSecrets(raw secretsEnv, captchaKind captcha.Kind) (*Secrets, error) {
	var errs []error

	trustKey, err := decodeKey("WARDEN_TRUST_TOKEN_KEY", raw.TrustTokenKey)
	if err != nil {
		errs = append(errs, err)
	}
	transcriptKey, err := decodeKey("WARDEN_TRANSCRIPT_KEY", raw.TranscriptKey)
	if err != nil {
		errs = append(errs, err)
	}
	if trustKey != nil && transcriptKey != nil && bytes.Equal(trustKey, transcriptKey) {
		errs = append(errs, errors.New("WARDEN_TRUST_TOKEN_KEY and WARDEN_TRANSCRIPT_KEY must differ"))
	}

	turnstile := strings.TrimSpace(raw.TurnstileSecret)
	if captchaKind == captcha.KindTurnstile && turnstile == "" {
		errs = append(errs, errors.New("WARDEN_TURNSTILE_SECRET is required when captcha.kind is turnstile"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Secrets{
		TrustTokenKey:   trustKey,
		TranscriptKey:   transcriptKey,
		TurnstileSecret: turnstile,
	}, nil
}

func decodeKey(name, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be hex encoded: %w", name, err)
	}
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("%s must be at least %d bytes, got %d", name, MinKeyBytes, len(key))
	}
	return key, nil
}

package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ascpixi/ai-warden/internal/observe"
)

// DefaultTurnstileEndpoint is Cloudflare's siteverify URL.
const DefaultTurnstileEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// maxResponseBytes bounds how much of a siteverify response is read.
const maxResponseBytes = 64 << 10

// Turnstile verifies proofs with Cloudflare Turnstile's siteverify API.
type Turnstile struct {
	secret   string
	endpoint string
	client   *http.Client
}

// TurnstileOption configures a [Turnstile] verifier.
type TurnstileOption func(*Turnstile)

// WithEndpoint overrides the siteverify URL.
func WithEndpoint(endpoint string) TurnstileOption {
	return func(t *Turnstile) { t.endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used for siteverify calls.
func WithHTTPClient(c *http.Client) TurnstileOption {
	return func(t *Turnstile) { t.client = c }
}

// NewTurnstile returns a Turnstile verifier authenticating with secret.
func NewTurnstile(secret string, opts ...TurnstileOption) (*Turnstile, error) {
	if secret == "" {
		return nil, errors.New("captcha: turnstile secret must not be empty")
	}
	t := &Turnstile{
		secret:   secret,
		endpoint: DefaultTurnstileEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify implements [Verifier].
func (t *Turnstile) Verify(ctx context.Context, proof, remoteIP string) bool {
	if proof == "" {
		return false
	}
	log := observe.Logger(ctx)

	form := url.Values{
		"secret":   {t.secret},
		"response": {proof},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		log.Error("turnstile: build request", "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		log.Warn("turnstile: siteverify unreachable", "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("turnstile: siteverify returned non-2xx", "status", resp.StatusCode)
		return false
	}

	var out siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		log.Warn("turnstile: malformed siteverify response", "err", err)
		return false
	}
	if !out.Success {
		log.Info("turnstile: proof rejected", "error_codes", out.ErrorCodes)
		return false
	}
	return true
}

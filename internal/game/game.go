// Package game runs the warden game: it admits clients that passed human
// verification and plays single turns of a stateless, client-held
// conversation against a model backend.
//
// Every request is independent. The server keeps no sessions; the client
// carries the transcript and the tag that proves the server wrote it, and
// the trust token that proves it passed human verification.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ascpixi/ai-warden/internal/captcha"
	"github.com/ascpixi/ai-warden/internal/identity"
	"github.com/ascpixi/ai-warden/internal/integrity"
	"github.com/ascpixi/ai-warden/internal/observe"
	"github.com/ascpixi/ai-warden/internal/selection"
	"github.com/ascpixi/ai-warden/internal/trust"
	"github.com/ascpixi/ai-warden/pkg/provider/llm"
	"github.com/ascpixi/ai-warden/pkg/types"
)

// DefaultTurnTimeout bounds a turn when no timeout is configured.
const DefaultTurnTimeout = 60 * time.Second

// Backend is a model backend a turn can be played against.
type Backend struct {
	Provider llm.Provider

	// Request parameters passed through to every call.
	Temperature float64
	MaxTokens   int
	Candidates  int
}

// Config configures a [Service].
type Config struct {
	Limits Limits

	// SystemPrompt must contain [SecretPlaceholder]. Empty selects
	// [DefaultSystemPrompt].
	SystemPrompt string

	// TurnTimeout bounds a turn independently of the client connection.
	TurnTimeout time.Duration

	// Binding selects the identity attributes trust tokens are bound to.
	Binding identity.Binding

	// AllowAutomated admits user agents that look like scripts. Intended
	// for local testing only.
	AllowAutomated bool

	// Backends maps public selectors to model backends. DefaultBackend
	// must name one of them.
	Backends       map[string]Backend
	DefaultBackend string
}

// Service plays turns. It is safe for concurrent use.
type Service struct {
	cfg      Config
	captcha  captcha.Verifier
	tokens   *trust.Service
	chain    *integrity.Chain
	selector *selection.Engine
	metrics  *observe.Metrics
	now      func() time.Time
}

// Option is a functional option for [New].
type Option func(*Service)

// WithMetrics records turn outcomes and issued tokens on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now for turn durations.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New returns a Service. All collaborators are required.
func New(cfg Config, verifier captcha.Verifier, tokens *trust.Service, chain *integrity.Chain, selector *selection.Engine, opts ...Option) (*Service, error) {
	if verifier == nil || tokens == nil || chain == nil || selector == nil {
		return nil, fmt.Errorf("game: verifier, token service, integrity chain and selection engine are required")
	}
	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Binding == "" {
		cfg.Binding = identity.BindIPAndUA
	}
	if !cfg.Binding.IsValid() {
		return nil, fmt.Errorf("game: unknown identity binding %q", cfg.Binding)
	}
	if n := selector.Config().MaxLength; n > cfg.Limits.MaxAIMessageLength {
		return nil, fmt.Errorf("game: selection accepts replies of %d characters, transcripts allow %d",
			n, cfg.Limits.MaxAIMessageLength)
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("game: at least one backend is required")
	}
	if _, ok := cfg.Backends[cfg.DefaultBackend]; !ok {
		return nil, fmt.Errorf("game: default backend %q is not configured", cfg.DefaultBackend)
	}

	s := &Service{
		cfg:      cfg,
		captcha:  verifier,
		tokens:   tokens,
		chain:    chain,
		selector: selector,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Limits returns the effective game limits.
func (s *Service) Limits() Limits { return s.cfg.Limits }

// ─── Handshake ───────────────────────────────────────────────────────────────

// HandshakeRequest asks for a trust token.
type HandshakeRequest struct {
	Client          identity.Identity
	CapabilityProof string
}

// HandshakeResult carries a freshly issued trust token.
type HandshakeResult struct {
	Token     string
	ExpiresAt time.Time
}

// Handshake verifies that the client is a human and issues a trust token
// bound to its identity.
func (s *Service) Handshake(ctx context.Context, req HandshakeRequest) (_ HandshakeResult, err error) {
	ctx, span := observe.StartSpan(ctx, "game.handshake")
	defer func() { observe.EndSpan(span, err) }()

	if perr := s.cfg.Limits.checkProof(req.CapabilityProof); perr != nil {
		return HandshakeResult{}, perr
	}
	if herr := s.verifyHuman(ctx, req.Client, req.CapabilityProof); herr != nil {
		return HandshakeResult{}, herr
	}

	token, exp, ierr := s.tokens.Issue(s.cfg.Binding.Descriptor(req.Client))
	if ierr != nil {
		return HandshakeResult{}, &Error{Kind: KindInternal, Err: ierr}
	}
	if s.metrics != nil {
		s.metrics.RecordTrustTokenIssued(ctx)
	}
	observe.Logger(ctx).Info("trust token issued", "expires_at", exp)
	return HandshakeResult{Token: token, ExpiresAt: exp}, nil
}

// verifyHuman runs the cheap identity checks before asking the capability
// verifier.
func (s *Service) verifyHuman(ctx context.Context, client identity.Identity, proof string) *Error {
	log := observe.Logger(ctx)
	switch {
	case client.IP == "":
		log.Warn("client rejected", "reason", "ip unknown")
		return untrustedHuman("client ip could not be determined")
	case client.UserAgent == "":
		log.Warn("client rejected", "reason", "user agent missing")
		return untrustedHuman("user agent missing")
	case !s.cfg.AllowAutomated && identity.IsAutomated(client.UserAgent):
		log.Warn("client rejected", "reason", "automated user agent")
		return untrustedHuman("automated user agent")
	}
	if !s.captcha.Verify(ctx, proof, client.IP) {
		log.Warn("client rejected", "reason", "capability proof")
		return untrustedHuman("capability proof rejected")
	}
	return nil
}

// ─── Turn ────────────────────────────────────────────────────────────────────

// TurnRequest is one move of the player.
type TurnRequest struct {
	Client          identity.Identity
	TrustToken      string
	CapabilityProof string

	GameSecret     string
	Transcript     []types.Turn
	IntegrityTag   string
	NewUserMessage string

	// ProviderSelector names a backend. Empty selects the default.
	ProviderSelector string
}

// TurnResult is the warden's reply and the tag over the extended
// transcript.
type TurnResult struct {
	AIResponse   string
	IntegrityTag string

	// Revealed reports that the reply contains the secret.
	Revealed bool

	// Remaining is the number of messages the player may still send.
	Remaining int
}

// Turn plays one turn. The turn runs to completion even when ctx is
// cancelled by a client disconnect; it is bounded by the configured turn
// timeout instead. Every failure is an *Error and carries no tag.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (_ TurnResult, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TurnTimeout)
	defer cancel()

	start := s.now()
	ctx, span := observe.StartSpan(ctx, "game.turn", trace.WithAttributes(
		observe.AttrTranscriptLen.Int(len(req.Transcript)),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = KindOf(err).String()
		}
		span.SetAttributes(observe.AttrOutcome.String(outcome))
		if s.metrics != nil {
			s.metrics.RecordTurn(ctx, outcome, s.now().Sub(start))
		}
		observe.EndSpan(span, err)
	}()

	// ── 1. Structure ─────────────────────────────────────────────────────
	if verr := s.cfg.Limits.checkTurn(req); verr != nil {
		observe.Logger(ctx).Debug("turn rejected", "reason", verr.Err)
		return TurnResult{}, verr
	}
	selector := req.ProviderSelector
	if selector == "" {
		selector = s.cfg.DefaultBackend
	}
	backend, ok := s.cfg.Backends[selector]
	if !ok {
		return TurnResult{}, invalid("unknown provider selector %q", selector)
	}
	span.SetAttributes(observe.AttrProvider.String(selector))
	ctx = observe.WithLogAttrs(ctx, slog.String("provider", selector))
	log := observe.Logger(ctx)

	// ── 2. Human verification ────────────────────────────────────────────
	if herr := s.verifyHuman(ctx, req.Client, req.CapabilityProof); herr != nil {
		return TurnResult{}, herr
	}

	// ── 3. Trust token ───────────────────────────────────────────────────
	descriptor := s.cfg.Binding.Descriptor(req.Client)
	if !s.tokens.Verify(ctx, req.TrustToken, descriptor) {
		return TurnResult{}, untrustedToken()
	}

	// ── 4. Transcript integrity ──────────────────────────────────────────
	if len(req.Transcript) > 0 {
		if req.IntegrityTag == "" || !s.chain.Verify(req.GameSecret, req.Transcript, req.IntegrityTag) {
			log.Warn("security: transcript integrity check failed",
				"identity_digest", trust.Digest(descriptor),
				"turns", len(req.Transcript),
				"tag_present", req.IntegrityTag != "",
			)
			return TurnResult{}, &Error{Kind: KindIntegrity, Err: fmt.Errorf("tag does not match transcript")}
		}
	}

	// ── 5. Prompt ────────────────────────────────────────────────────────
	llmReq := llm.Request{
		Messages:    BuildMessages(s.cfg.SystemPrompt, req.GameSecret, req.Transcript, req.NewUserMessage),
		Temperature: backend.Temperature,
		MaxTokens:   backend.MaxTokens,
		Candidates:  backend.Candidates,
	}

	// ── 6. Selection ─────────────────────────────────────────────────────
	res, serr := s.selector.Run(ctx, backend.Provider, llmReq, req.Transcript)
	if serr != nil {
		gerr := classify(serr)
		log.Error("turn failed",
			"kind", gerr.Kind.String(),
			"attempts", res.Attempts,
			"err", serr,
		)
		return TurnResult{}, gerr
	}

	// ── 7. Sign ──────────────────────────────────────────────────────────
	tag := s.chain.Sign(req.GameSecret, req.Transcript, req.NewUserMessage, res.Text)
	out := TurnResult{
		AIResponse:   res.Text,
		IntegrityTag: tag,
		Revealed:     Revealed(res.Text, req.GameSecret),
		Remaining:    s.cfg.Limits.remaining(req.Transcript),
	}
	span.SetAttributes(observe.AttrAttempts.Int(res.Attempts))
	log.Info("turn completed",
		"attempts", res.Attempts,
		"turn", len(req.Transcript)+1,
		"revealed", out.Revealed,
	)
	if out.Revealed {
		log.Info("secret revealed", "identity_digest", trust.Digest(descriptor))
	}
	return out, nil
}

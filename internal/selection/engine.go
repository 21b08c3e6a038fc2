// Package selection turns raw provider candidates into one accepted game
// response.
//
// Each turn runs a bounded state machine: call the provider, drop candidates
// that repeat the previous warden reply, pick the best remaining candidate,
// clean it, and check its length. Replies over [Config.MaxLength] are cut
// on a rune boundary so they stay playable in later transcripts. Quality defects are retried up to
// [Config.MaxAttempts] times; transport failures are not retried.
package selection

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ascpixi/ai-warden/internal/observe"
	"github.com/ascpixi/ai-warden/pkg/provider/llm"
	"github.com/ascpixi/ai-warden/pkg/types"
)

// ErrExhausted is returned by [Engine.Run] when every attempt produced an
// unusable response. It is distinct from provider transport failures.
var ErrExhausted = errors.New("selection: no acceptable response")

// State is a step of the selection state machine.
type State int

// States of [Engine.Run], in the order a successful run visits them.
const (
	StateStart State = iota
	StateTransportCalled
	StateFilter
	StateValidate
	StateRetry
	StateAccepted
	StateExhausted
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateTransportCalled:
		return "transport_called"
	case StateFilter:
		return "filter"
	case StateValidate:
		return "validate"
	case StateRetry:
		return "retry"
	case StateAccepted:
		return "accepted"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs of an [Engine].
type Config struct {
	// MaxAttempts bounds provider calls per turn. Default: 3.
	MaxAttempts int

	// MinLength is the minimum accepted response length in runes after
	// cleaning. Default: 6.
	MinLength int

	// MaxLength caps the accepted response in runes. Longer responses are
	// truncated. It must not exceed the transcript limit for warden
	// messages. Default: 2048.
	MaxLength int

	// BackoffBase and BackoffStep define the pause before retrying a too-short
	// response: BackoffBase + attempt*BackoffStep, attempt being 0-based.
	// Defaults: 100ms and 200ms.
	BackoffBase time.Duration
	BackoffStep time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		MinLength:   6,
		MaxLength:   2048,
		BackoffBase: 100 * time.Millisecond,
		BackoffStep: 200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MinLength <= 0 {
		c.MinLength = d.MinLength
	}
	if c.MaxLength <= 0 {
		c.MaxLength = d.MaxLength
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = d.BackoffStep
	}
	return c
}

// Backoff returns the pause after a too-short response on the given 0-based
// attempt.
func (c Config) Backoff(attempt int) time.Duration {
	return c.BackoffBase + time.Duration(attempt)*c.BackoffStep
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Engine runs the selection state machine. It is safe for concurrent use;
// each call to [Engine.Run] is independent.
type Engine struct {
	cfg     atomic.Pointer[Config]
	sleep   SleepFunc
	metrics *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithSleep replaces the backoff sleep. Tests use it to avoid real delays.
func WithSleep(fn SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithMetrics records per-attempt results on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an Engine using cfg. Zero fields take their defaults.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{sleep: sleepCtx}
	e.SetConfig(cfg)
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the active tuning.
func (e *Engine) Config() Config { return *e.cfg.Load() }

// SetConfig replaces the tuning for subsequent runs.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfg.Store(&cfg)
}

// Result is the outcome of a successful [Engine.Run].
type Result struct {
	// Text is the accepted, cleaned response.
	Text string

	// Attempts is the number of provider calls made.
	Attempts int
}

// Run produces one accepted response for req using p. transcript is the
// game history so far; its last AI reply is used to reject repeats.
//
// A provider error ends the run immediately and is returned as is.
// Exhausting all attempts returns [ErrExhausted]. A context cancelled during
// backoff returns the context error.
func (e *Engine) Run(ctx context.Context, p llm.Provider, req llm.Request, transcript []types.Turn) (Result, error) {
	cfg := e.Config()
	log := observe.Logger(ctx)

	prev, hasPrev := types.Last(transcript)
	prevText := strings.TrimSpace(prev.AI)

	var (
		state   = StateStart
		attempt int
		backoff time.Duration
		resp    *llm.Response
		text    string
		err     error
	)

	// soft moves to StateRetry, or StateExhausted on the final attempt.
	soft := func(result string, pause time.Duration) State {
		e.record(ctx, result)
		log.Warn("selection: soft failure",
			"attempt", attempt,
			"result", result,
			"candidates", resp.Candidates,
		)
		if attempt+1 >= cfg.MaxAttempts {
			return StateExhausted
		}
		backoff = pause
		return StateRetry
	}

	for {
		switch state {
		case StateStart:
			state = StateTransportCalled

		case StateTransportCalled:
			resp, err = p.Generate(ctx, req)
			if err != nil {
				e.record(ctx, "transport")
				state = StateFailed
				continue
			}
			state = StateFilter

		case StateFilter:
			remaining := resp.Candidates
			if hasPrev {
				remaining = withoutRepeats(remaining, prevText)
			}
			chosen, ok := choose(remaining)
			if !ok {
				state = soft("empty", 0)
				continue
			}
			text = chosen.Text()
			state = StateValidate

		case StateValidate:
			text = Clean(text)
			if n := utf8.RuneCountInString(text); n > cfg.MaxLength {
				log.Warn("selection: truncating response", "length", n, "max", cfg.MaxLength)
				text = Truncate(text, cfg.MaxLength)
			}
			if utf8.RuneCountInString(text) < cfg.MinLength {
				state = soft("too_short", cfg.Backoff(attempt))
				continue
			}
			state = StateAccepted

		case StateRetry:
			if backoff > 0 {
				if err = e.sleep(ctx, backoff); err != nil {
					state = StateFailed
					continue
				}
				backoff = 0
			}
			attempt++
			state = StateTransportCalled

		case StateAccepted:
			e.record(ctx, "accepted")
			return Result{Text: text, Attempts: attempt + 1}, nil

		case StateExhausted:
			log.Error("selection: all attempts failed", "attempts", attempt+1)
			return Result{Attempts: attempt + 1}, ErrExhausted

		case StateFailed:
			return Result{Attempts: attempt + 1}, err
		}
	}
}

func (e *Engine) record(ctx context.Context, result string) {
	if e.metrics != nil {
		e.metrics.RecordSelectionAttempt(ctx, result)
	}
}

// Truncate returns the first n runes of s with trailing whitespace removed.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return strings.TrimRightFunc(s[:i], unicode.IsSpace)
		}
		count++
	}
	return s
}

// withoutRepeats drops candidates whose trimmed content or refusal equals
// prev.
func withoutRepeats(cands []llm.Candidate, prev string) []llm.Candidate {
	out := make([]llm.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.HasContent() && strings.TrimSpace(c.Content) == prev {
			continue
		}
		if c.HasRefusal() && strings.TrimSpace(c.Refusal) == prev {
			continue
		}
		out = append(out, c)
	}
	return out
}

// choose picks the first candidate with content, else the first with a
// refusal, else the first one.
func choose(cands []llm.Candidate) (llm.Candidate, bool) {
	if len(cands) == 0 {
		return llm.Candidate{}, false
	}
	for _, c := range cands {
		if c.HasContent() {
			return c, true
		}
	}
	for _, c := range cands {
		if c.HasRefusal() {
			return c, true
		}
	}
	return cands[0], true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

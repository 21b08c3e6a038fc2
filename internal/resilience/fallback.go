package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ascpixi/ai-warden/internal/observe"
	"github.com/ascpixi/ai-warden/pkg/provider/llm"
)

// IsTransportFailure reports whether err should count against a provider's
// circuit breaker: upstream unavailability, but not caller cancellation or
// contract errors.
func IsTransportFailure(err error) bool {
	return errors.Is(err, llm.ErrUnavailable) && !errors.Is(err, context.Canceled)
}

// FallbackConfig configures a [ProviderGroup].
type FallbackConfig struct {
	// CircuitBreaker is applied to every entry. Name and IsFailure are set
	// per entry by the group.
	CircuitBreaker CircuitBreakerConfig

	// Metrics, when set, receives one provider request per entry attempt.
	Metrics *observe.Metrics
}

type groupEntry struct {
	name     string
	provider llm.Provider
	breaker  *CircuitBreaker
}

// ProviderGroup is an [llm.Provider] that sends each request to a primary
// provider and, on transport failure or an open breaker, to the fallbacks in
// registration order. A request that violates the conversation contract is
// returned to the caller immediately without failover.
type ProviderGroup struct {
	entries []groupEntry
	cfg     FallbackConfig
}

var _ llm.Provider = (*ProviderGroup)(nil)

// NewProviderGroup creates a ProviderGroup with primary as its first entry.
func NewProviderGroup(primaryName string, primary llm.Provider, cfg FallbackConfig) *ProviderGroup {
	g := &ProviderGroup{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a fallback provider. Not safe to call concurrently with
// Generate; register fallbacks during startup.
func (g *ProviderGroup) AddFallback(name string, p llm.Provider) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	cbCfg.IsFailure = IsTransportFailure
	g.entries = append(g.entries, groupEntry{
		name:     name,
		provider: p,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// Generate implements [llm.Provider].
func (g *ProviderGroup) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var lastErr error
	for i := range g.entries {
		entry := &g.entries[i]

		var resp *llm.Response
		start := time.Now()
		err := entry.breaker.Execute(func() error {
			var innerErr error
			resp, innerErr = entry.provider.Generate(ctx, req)
			return innerErr
		})
		g.record(ctx, entry.name, err, time.Since(start))

		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		case errors.Is(err, llm.ErrInvalidConversation):
			return nil, err
		case ctx.Err() != nil:
			return nil, llm.Unavailable(entry.name, err)
		default:
			if i < len(g.entries)-1 {
				slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
			}
		}
		lastErr = err
	}
	if errors.Is(lastErr, llm.ErrUnavailable) {
		return nil, lastErr
	}
	return nil, llm.Unavailable("all providers", lastErr)
}

func (g *ProviderGroup) record(ctx context.Context, name string, err error, d time.Duration) {
	m := g.cfg.Metrics
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.RecordProviderRequest(ctx, name, "ok", d)
	case errors.Is(err, ErrCircuitOpen):
		m.RecordProviderError(ctx, name, "circuit_open")
	default:
		m.RecordProviderRequest(ctx, name, "error", d)
		m.RecordProviderError(ctx, name, "unavailable")
	}
}

// EntryState describes one member of a group for health reporting.
type EntryState struct {
	Name  string
	State State
}

// States returns the breaker state of every entry, primary first.
func (g *ProviderGroup) States() []EntryState {
	out := make([]EntryState, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, EntryState{Name: e.name, State: e.breaker.State()})
	}
	return out
}

// Healthy reports whether at least one entry will accept calls.
func (g *ProviderGroup) Healthy() bool {
	for _, e := range g.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// String returns the entry names for logging.
func (g *ProviderGroup) String() string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return fmt.Sprint(names)
}

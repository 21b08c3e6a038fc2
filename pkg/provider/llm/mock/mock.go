// Package mock provides a scripted test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed a controlled sequence of responses to the
// selection engine or the turn orchestrator without a live model backend, and
// to inspect the requests they sent.
//
// Example:
//
//	p := &mock.Provider{
//	    Script: []mock.Step{
//	        {Err: someErr},
//	        {Response: mock.Texts("Nice try.")},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/ascpixi/ai-warden/pkg/provider/llm"
	"github.com/ascpixi/ai-warden/pkg/types"
)

// Step is one scripted outcome of Generate.
type Step struct {
	// Response is returned when Err is nil. A step with neither set fails
	// like an adapter that got no candidates.
	Response *llm.Response

	// Err, if non-nil, is returned instead of Response.
	Err error
}

// Call records a single invocation of Generate.
type Call struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the request passed to Generate. Messages are copied.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider. Each call to Generate
// consumes the next Step of Script; once the script is exhausted the last step
// is repeated. An empty script returns a single "ok" candidate.
type Provider struct {
	mu sync.Mutex

	// Script is the ordered list of outcomes.
	Script []Step

	// Calls records every invocation of Generate in order.
	Calls []Call
}

// Generate records the call and returns the next scripted outcome.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := make([]types.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})

	if len(p.Script) == 0 {
		return Texts("ok, prisoner."), nil
	}
	idx := len(p.Calls) - 1
	if idx >= len(p.Script) {
		idx = len(p.Script) - 1
	}
	step := p.Script[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Response == nil {
		return nil, llm.Unavailable("mock", nil)
	}
	return step.Response, nil
}

// CallCount returns the number of Generate invocations so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Texts builds a Response whose candidates carry the given contents in order.
func Texts(contents ...string) *llm.Response {
	resp := &llm.Response{}
	for _, c := range contents {
		resp.Candidates = append(resp.Candidates, llm.Candidate{Content: c, FinishReason: "stop"})
	}
	return resp
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

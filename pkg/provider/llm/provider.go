// Package llm defines the Provider interface for generative-model backends.
//
// A provider wraps a remote or local model API (OpenAI, Groq, Gemini, a local
// Ollama instance, ...) and exposes a single capability: generate completion
// candidates for an ordered conversation. The rest of ai-warden never learns
// which vendor is in use; every adapter normalises its own transport failures
// into [ErrUnavailable].
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ascpixi/ai-warden/pkg/types"
)

// ErrUnavailable is the single failure signal every adapter returns (wrapped)
// when the upstream could not produce a usable response: network errors,
// non-2xx statuses, malformed payloads and empty candidate lists all collapse
// into it.
var ErrUnavailable = errors.New("llm: provider unavailable")

// ErrInvalidConversation is returned when a request violates the message
// ordering contract. It indicates a programming error in the caller, not a
// user-facing condition.
var ErrInvalidConversation = errors.New("llm: invalid conversation")

// Request carries everything a provider needs to produce candidates.
type Request struct {
	// Messages is the ordered conversation. A leading [types.RoleSystem]
	// message is the instruction; the final message must be [types.RoleUser].
	Messages []types.Message

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// Candidates is the number of alternative completions requested. Values
	// below 1 are treated as 1. Providers that cannot return more than one
	// completion per call silently return one.
	Candidates int
}

// Candidate is one alternative completion returned by a provider.
type Candidate struct {
	// Content is the primary text of the completion. Empty when the model
	// produced no text.
	Content string

	// Refusal is the vendor's refusal payload, if the model declined to
	// answer and the vendor reports refusals separately from content.
	Refusal string

	// FinishReason is the vendor-reported stop reason, kept for logging.
	FinishReason string
}

// HasContent reports whether c carries primary content.
func (c Candidate) HasContent() bool { return c.Content != "" }

// HasRefusal reports whether c carries a refusal payload.
func (c Candidate) HasRefusal() bool { return c.Refusal != "" }

// Text returns the primary content, falling back to the refusal payload.
func (c Candidate) Text() string {
	if c.Content != "" {
		return c.Content
	}
	return c.Refusal
}

// Response is the ordered candidate list returned by [Provider.Generate].
type Response struct {
	Candidates []Candidate
}

// Provider is the abstraction over any generative-model backend.
type Provider interface {
	// Generate sends req to the model and returns its completion candidates.
	//
	// A nil error guarantees a non-nil Response with at least one candidate.
	// Any upstream failure is returned wrapped in [ErrUnavailable]; a request
	// that breaks the ordering contract returns [ErrInvalidConversation]
	// without contacting the upstream.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ValidateConversation checks the ordering contract shared by all providers:
// the conversation is non-empty, uses known roles, carries at most one system
// message at the front, and ends with a user message.
func ValidateConversation(messages []types.Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidConversation)
	}
	for i, m := range messages {
		if !m.Role.IsValid() {
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidConversation, i, m.Role)
		}
		if m.Role == types.RoleSystem && i != 0 {
			return fmt.Errorf("%w: system message at position %d", ErrInvalidConversation, i)
		}
	}
	if last := messages[len(messages)-1]; last.Role != types.RoleUser {
		return fmt.Errorf("%w: last message has role %q, want user", ErrInvalidConversation, last.Role)
	}
	return nil
}

// SplitSystem separates a leading system instruction from the rest of the
// conversation. Adapters whose vendor takes the instruction out of band use
// it; the returned slice aliases messages.
func SplitSystem(messages []types.Message) (system string, rest []types.Message) {
	if len(messages) > 0 && messages[0].Role == types.RoleSystem {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}

// Unavailable wraps cause in [ErrUnavailable] with the adapter's name so that
// logs keep the vendor detail while callers only match the sentinel.
func Unavailable(adapter string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s: no candidates", ErrUnavailable, adapter)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, adapter, cause)
}

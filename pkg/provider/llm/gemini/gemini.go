// Package gemini provides an LLM provider backed by Google's Gemini models
// through github.com/google/generative-ai-go.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/ascpixi/ai-warden/pkg/provider/llm"
	"github.com/ascpixi/ai-warden/pkg/types"
)

// Provider implements llm.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	endpoint string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithEndpoint overrides the Gemini API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *config) {
		c.endpoint = endpoint
	}
}

// New constructs a Gemini Provider. The client is created eagerly; call
// [Provider.Close] on shutdown.
func New(ctx context.Context, apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("gemini: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	clientOpts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if cfg.endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.endpoint))
	}

	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Close releases the underlying client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Generate implements llm.Provider.
//
// Gemini takes the system instruction out of band and the final user message
// separately from the history. A response blocked by the vendor's safety
// filters is reported as a single candidate without content so the caller can
// treat it as a quality defect rather than a transport failure.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := llm.ValidateConversation(req.Messages); err != nil {
		return nil, err
	}
	system, rest := llm.SplitSystem(req.Messages)

	model := p.client.GenerativeModel(p.model)
	configure(model, system, req)

	chat := model.StartChat()
	chat.History = toContents(rest[:len(rest)-1])

	resp, err := chat.SendMessage(ctx, genai.Text(rest[len(rest)-1].Content))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return &llm.Response{Candidates: []llm.Candidate{{FinishReason: "blocked"}}}, nil
		}
		return nil, llm.Unavailable("gemini", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, llm.Unavailable("gemini", nil)
	}

	out := &llm.Response{Candidates: make([]llm.Candidate, 0, len(resp.Candidates))}
	for _, c := range resp.Candidates {
		out.Candidates = append(out.Candidates, llm.Candidate{
			Content:      candidateText(c),
			FinishReason: strings.ToLower(c.FinishReason.String()),
		})
	}
	return out, nil
}

// configure applies the system instruction and request parameters to model.
func configure(model *genai.GenerativeModel, system string, req llm.Request) {
	if system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
			Role:  "model",
		}
	}
	if req.Temperature != 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Candidates > 1 {
		model.SetCandidateCount(int32(req.Candidates))
	}
}

// toContents converts history messages into Gemini contents. Assistant turns
// use Gemini's "model" role.
func toContents(messages []types.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Parts: []genai.Part{genai.Text(m.Content)},
			Role:  role,
		})
	}
	return contents
}

// candidateText concatenates the text parts of a candidate.
func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

var _ llm.Provider = (*Provider)(nil)

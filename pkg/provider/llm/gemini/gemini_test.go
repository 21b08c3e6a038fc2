package gemini

import (
	"context"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/ascpixi/ai-warden/pkg/provider/llm"
	"github.com/ascpixi/ai-warden/pkg/types"
)

func TestToContents_Roles(t *testing.T) {
	got := toContents([]types.Message{
		{Role: types.RoleUser, Content: "let me out"},
		{Role: types.RoleAssistant, Content: "never"},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Role != "user" {
		t.Errorf("first role = %q, want user", got[0].Role)
	}
	if got[1].Role != "model" {
		t.Errorf("second role = %q, want model", got[1].Role)
	}
	if txt, ok := got[1].Parts[0].(genai.Text); !ok || string(txt) != "never" {
		t.Errorf("second part = %#v", got[1].Parts[0])
	}
}

func TestConfigure(t *testing.T) {
	tests := []struct {
		name           string
		req            llm.Request
		wantCandidates int32
	}{
		{"single candidate left unset", llm.Request{Candidates: 1}, 0},
		{"several candidates", llm.Request{Candidates: 3, MaxTokens: 200, Temperature: 0.7}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &genai.GenerativeModel{}
			configure(model, "guard the secret", tt.req)

			var got int32
			if model.CandidateCount != nil {
				got = *model.CandidateCount
			}
			if got != tt.wantCandidates {
				t.Errorf("CandidateCount = %d, want %d", got, tt.wantCandidates)
			}
			if model.SystemInstruction == nil {
				t.Error("system instruction not set")
			}
			if tt.req.MaxTokens > 0 && (model.MaxOutputTokens == nil || *model.MaxOutputTokens != int32(tt.req.MaxTokens)) {
				t.Errorf("MaxOutputTokens = %v, want %d", model.MaxOutputTokens, tt.req.MaxTokens)
			}
		})
	}
}

func TestCandidateText(t *testing.T) {
	c := &genai.Candidate{
		Content: &genai.Content{
			Parts: []genai.Part{genai.Text("Nice "), genai.Text("try.")},
		},
	}
	if got := candidateText(c); got != "Nice try." {
		t.Errorf("candidateText = %q, want %q", got, "Nice try.")
	}
	if got := candidateText(&genai.Candidate{}); got != "" {
		t.Errorf("empty candidate text = %q", got)
	}
	if got := candidateText(nil); got != "" {
		t.Errorf("nil candidate text = %q", got)
	}
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, "", "gemini-1.5-flash"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New(ctx, "key", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

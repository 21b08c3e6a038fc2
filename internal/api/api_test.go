package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ascpixi/ai-warden/internal/captcha"
	"github.com/ascpixi/ai-warden/internal/game"
	"github.com/ascpixi/ai-warden/internal/health"
	"github.com/ascpixi/ai-warden/internal/identity"
	"github.com/ascpixi/ai-warden/internal/integrity"
	"github.com/ascpixi/ai-warden/internal/observe"
	"github.com/ascpixi/ai-warden/internal/selection"
	"github.com/ascpixi/ai-warden/internal/trust"
	"github.com/ascpixi/ai-warden/pkg/provider/llm"
	"github.com/ascpixi/ai-warden/pkg/provider/llm/mock"
	"github.com/ascpixi/ai-warden/pkg/types"
)

const testUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 Safari/605.1.15"

func newTestRouter(t *testing.T, p llm.Provider, opts ...Option) http.Handler {
	t.Helper()
	tokens, err := trust.New(trust.Config{Key: bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatal(err)
	}
	chain, err := integrity.New(bytes.Repeat([]byte{9}, 64))
	if err != nil {
		t.Fatal(err)
	}
	engine := selection.New(selection.Config{}, selection.WithSleep(func(context.Context, time.Duration) error { return nil }))
	svc, err := game.New(game.Config{
		Backends:       map[string]game.Backend{"main": {Provider: p}},
		DefaultBackend: "main",
	}, captcha.Disabled{}, tokens, chain, engine)
	if err != nil {
		t.Fatal(err)
	}
	res := identity.NewResolver("")
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return NewRouter(New(svc, res, opts...), health.New("test"), m, nil)
}

func do(t *testing.T, h http.Handler, method, path, token string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("X-Real-IP", "203.0.113.50")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func handshake(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/handshake", "", handshakeRequest{CapabilityProof: "proof"})
	if rec.Code != http.StatusOK {
		t.Fatalf("handshake status = %d, body %s", rec.Code, rec.Body)
	}
	var res handshakeResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Token == "" || res.ExpiresAt.IsZero() {
		t.Fatalf("handshake response = %+v", res)
	}
	return res.Token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var res errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if res.OK {
		t.Error("ok = true in an error response")
	}
	return res
}

func TestSend_FirstTurnThenCorruptedTag(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("😈 Back to your cell, prisoner! 🔐")}}}
	h := newTestRouter(t, p)
	token := handshake(t, h)

	first := sendRequest{
		CapabilityProof: "proof",
		GameSecret:      "blue lantern",
		Transcript:      []types.Turn{},
		NewUserMessage:  "Let me out",
	}
	rec := do(t, h, http.MethodPost, "/api/send", token, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var res sendResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.AIResponse != "Back to your cell, prisoner!" {
		t.Errorf("response = %+v", res)
	}
	if len(res.IntegrityTag) != integrity.TagLength || !integrity.WellFormed(res.IntegrityTag) {
		t.Errorf("tag = %q", res.IntegrityTag)
	}
	if res.Remaining != 9 || res.Revealed {
		t.Errorf("remaining/revealed = %d/%v", res.Remaining, res.Revealed)
	}

	tag := []byte(res.IntegrityTag)
	if tag[0] == '0' {
		tag[0] = '1'
	} else {
		tag[0] = '0'
	}
	second := first
	second.Transcript = []types.Turn{{User: first.NewUserMessage, AI: res.AIResponse}}
	second.IntegrityTag = string(tag)
	second.NewUserMessage = "Please?"

	rec = do(t, h, http.MethodPost, "/api/send", token, second)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec); e.Error != game.MsgIntegrity {
		t.Errorf("error = %q", e.Error)
	}
}

func TestSend_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		step       mock.Step
		token      bool
		body       any
		mutate     func(*http.Request)
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing token",
			body:       sendRequest{CapabilityProof: "p", GameSecret: "s", NewUserMessage: "hi"},
			wantStatus: http.StatusUnauthorized,
			wantError:  game.MsgUntrustedToken,
		},
		{
			name:       "token from another ip",
			token:      true,
			body:       sendRequest{CapabilityProof: "p", GameSecret: "s", NewUserMessage: "hi"},
			mutate:     func(r *http.Request) { r.Header.Set("X-Real-IP", "198.51.100.9") },
			wantStatus: http.StatusUnauthorized,
			wantError:  game.MsgUntrustedToken,
		},
		{
			name:       "automated client",
			token:      true,
			body:       sendRequest{CapabilityProof: "p", GameSecret: "s", NewUserMessage: "hi"},
			mutate:     func(r *http.Request) { r.Header.Set("User-Agent", "python-requests/2.32") },
			wantStatus: http.StatusUnauthorized,
			wantError:  game.MsgUntrustedHuman,
		},
		{
			name:       "malformed json",
			token:      true,
			body:       `{"gameSecret":`,
			wantStatus: http.StatusBadRequest,
			wantError:  msgBadBody,
		},
		{
			name:       "missing message",
			token:      true,
			body:       sendRequest{CapabilityProof: "p", GameSecret: "s"},
			wantStatus: http.StatusBadRequest,
			wantError:  game.MsgInvalidInput,
		},
		{
			name:       "upstream down",
			token:      true,
			step:       mock.Step{Err: llm.Unavailable("mock", errors.New("connection reset"))},
			body:       sendRequest{CapabilityProof: "p", GameSecret: "s", NewUserMessage: "hi"},
			wantStatus: http.StatusBadGateway,
			wantError:  game.MsgUpstream,
		},
		{
			name:       "exhausted",
			token:      true,
			step:       mock.Step{Response: &llm.Response{}},
			body:       sendRequest{CapabilityProof: "p", GameSecret: "s", NewUserMessage: "hi"},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  game.MsgExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{}
			if tt.step.Err != nil || tt.step.Response != nil {
				p.Script = []mock.Step{tt.step}
			}
			h := newTestRouter(t, p)
			token := ""
			if tt.token {
				token = handshake(t, h)
			}
			var mutate []func(*http.Request)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			rec := do(t, h, http.MethodPost, "/api/send", token, tt.body, mutate...)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if e := decodeError(t, rec); e.Error != tt.wantError {
				t.Errorf("error = %q, want %q", e.Error, tt.wantError)
			}
		})
	}
}

func TestHandshake_RejectsBots(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &mock.Provider{})
	rec := do(t, h, http.MethodPost, "/api/handshake", "", handshakeRequest{CapabilityProof: "p"},
		func(r *http.Request) { r.Header.Set("User-Agent", "Googlebot/2.1 (+http://www.google.com/bot.html)") })
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Error != game.MsgUntrustedHuman {
		t.Errorf("error = %q", e.Error)
	}
}

func TestHandshake_WrongMethod(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &mock.Provider{})
	rec := do(t, h, http.MethodGet, "/api/handshake", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &mock.Provider{}, WithAllowedOrigins("https://warden.example"))

	tests := []struct {
		origin    string
		wantAllow string
	}{
		{"https://warden.example", "https://warden.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodOptions, "/api/send", "", nil,
			func(r *http.Request) { r.Header.Set("Origin", tt.origin) })
		if rec.Code != http.StatusNoContent {
			t.Errorf("%s: preflight status = %d", tt.origin, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
			t.Errorf("%s: Allow-Origin = %q, want %q", tt.origin, got, tt.wantAllow)
		}
	}
}

func TestRouter_Health(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &mock.Provider{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := do(t, h, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc", "abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/api/send", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	want := map[game.Kind]int{
		game.KindInvalidInput: http.StatusBadRequest,
		game.KindIntegrity:    http.StatusBadRequest,
		game.KindUntrusted:    http.StatusUnauthorized,
		game.KindUpstream:     http.StatusBadGateway,
		game.KindExhausted:    http.StatusServiceUnavailable,
		game.KindInternal:     http.StatusInternalServerError,
	}
	for k, status := range want {
		if got := statusFor(k); got != status {
			t.Errorf("statusFor(%s) = %d, want %d", k, got, status)
		}
	}
}

func TestSend_BodyTooLarge(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &mock.Provider{})
	big := `{"gameSecret":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec := do(t, h, http.MethodPost, "/api/send", "", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

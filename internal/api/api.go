// Package api exposes the game over HTTP.
//
// Handlers only decode requests, resolve the client identity and map
// [game.Error] kinds onto status codes; every game rule lives in package
// game.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ascpixi/ai-warden/internal/game"
	"github.com/ascpixi/ai-warden/internal/identity"
	"github.com/ascpixi/ai-warden/internal/observe"
	"github.com/ascpixi/ai-warden/pkg/types"
)

// maxBodyBytes caps request bodies. A full transcript at default limits is
// well under 64 KiB.
const maxBodyBytes = 1 << 20

// msgBadBody is returned when the body is not valid JSON.
const msgBadBody = "Invalid request body"

// Server serves the game endpoints.
type Server struct {
	game     *game.Service
	resolver *identity.Resolver
	origins  []string
}

// Option is a functional option for [New].
type Option func(*Server)

// WithAllowedOrigins enables CORS for the given origins. "*" allows any.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// New returns a Server playing g and resolving client identities with res.
func New(g *game.Service, res *identity.Resolver, opts ...Option) *Server {
	s := &Server{game: g, resolver: res}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the game routes to r under /api.
func (s *Server) Register(r *mux.Router) {
	sub := r.PathPrefix("/api").Subrouter()
	sub.Use(corsMiddleware(s.origins))
	sub.HandleFunc("/handshake", s.handleHandshake).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/send", s.handleSend).Methods(http.MethodPost, http.MethodOptions)
}

// ─── Wire types ──────────────────────────────────────────────────────────────

type handshakeRequest struct {
	CapabilityProof string `json:"capabilityProof"`
}

type handshakeResponse struct {
	OK        bool      `json:"ok"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type sendRequest struct {
	CapabilityProof  string       `json:"capabilityProof"`
	GameSecret       string       `json:"gameSecret"`
	Transcript       []types.Turn `json:"transcript"`
	IntegrityTag     string       `json:"integrityTag,omitempty"`
	NewUserMessage   string       `json:"newUserMessage"`
	ProviderSelector string       `json:"providerSelector,omitempty"`
}

type sendResponse struct {
	OK           bool   `json:"ok"`
	AIResponse   string `json:"aiResponse"`
	IntegrityTag string `json:"integrityTag"`
	Revealed     bool   `json:"revealed"`
	Remaining    int    `json:"remaining"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.game.Handshake(r.Context(), game.HandshakeRequest{
		Client:          s.resolver.Resolve(r),
		CapabilityProof: req.CapabilityProof,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, handshakeResponse{
		OK:        true,
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC(),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.game.Turn(r.Context(), game.TurnRequest{
		Client:           s.resolver.Resolve(r),
		TrustToken:       bearerToken(r),
		CapabilityProof:  req.CapabilityProof,
		GameSecret:       req.GameSecret,
		Transcript:       req.Transcript,
		IntegrityTag:     req.IntegrityTag,
		NewUserMessage:   req.NewUserMessage,
		ProviderSelector: req.ProviderSelector,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sendResponse{
		OK:           true,
		AIResponse:   res.AIResponse,
		IntegrityTag: res.IntegrityTag,
		Revealed:     res.Revealed,
		Remaining:    res.Remaining,
	})
}

// bearerToken returns the token of an "Authorization: Bearer" header, or "".
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ─── Encoding ────────────────────────────────────────────────────────────────

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		observe.Logger(r.Context()).Debug("api: bad request body", "err", err)
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, r, status, errorResponse{Error: msgBadBody})
		return false
	}
	return true
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(k game.Kind) int {
	switch k {
	case game.KindInvalidInput, game.KindIntegrity:
		return http.StatusBadRequest
	case game.KindUntrusted:
		return http.StatusUnauthorized
	case game.KindUpstream:
		return http.StatusBadGateway
	case game.KindExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var gerr *game.Error
	if !errors.As(err, &gerr) {
		gerr = &game.Error{Kind: game.KindInternal, Err: err}
	}
	writeJSON(w, r, statusFor(gerr.Kind), errorResponse{Error: gerr.Message()})
}

// writeJSON writes v with status. Write failures mean the client is gone;
// they are logged and otherwise ignored.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observe.Logger(r.Context()).Debug("api: write response", "err", err)
	}
}

// Package config provides the configuration schema, loader, environment
// secrets, and provider registry for the ai-warden server.
package config

import (
	"os"
	"time"

	"github.com/ascpixi/ai-warden/internal/captcha"
	"github.com/ascpixi/ai-warden/internal/identity"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SecretPlaceholder marks where the game secret is substituted into
// [GameConfig.SystemPrompt].
const SecretPlaceholder = "{{secret}}"

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Game       GameConfig       `yaml:"game"`
	Selection  SelectionConfig  `yaml:"selection"`
	Trust      TrustConfig      `yaml:"trust"`
	Identity   IdentityConfig   `yaml:"identity"`
	Captcha    CaptchaConfig    `yaml:"captcha"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the game API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr, when set, serves /metrics on a separate listener instead
	// of the API listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TurnTimeout bounds a single game turn, provider retries included.
	// Client disconnects do not cancel a turn; this timeout does.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// ReadTimeout and WriteTimeout configure the HTTP server.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AllowedOrigins lists origins allowed to call the API from a browser.
	// Empty disables CORS headers.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// GameConfig holds the game rules and input limits.
type GameConfig struct {
	// MaxMessages is the number of messages a player may send per game. The
	// transcript a client submits holds at most MaxMessages-1 turns.
	MaxMessages int `yaml:"max_messages"`

	// MaxUserMessageLength caps a player message, in runes.
	MaxUserMessageLength int `yaml:"max_user_message_length"`

	// MaxAIMessageLength caps a warden message in a submitted transcript.
	MaxAIMessageLength int `yaml:"max_ai_message_length"`

	// MaxSecretLength caps the game secret.
	MaxSecretLength int `yaml:"max_secret_length"`

	// MaxProofLength caps the capability proof.
	MaxProofLength int `yaml:"max_proof_length"`

	// SystemPrompt overrides the built-in warden instruction. It must contain
	// [SecretPlaceholder].
	SystemPrompt string `yaml:"system_prompt"`
}

// SelectionConfig tunes the response selection loop. Hot-reloadable.
type SelectionConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	MinResponseLength int           `yaml:"min_response_length"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffStep       time.Duration `yaml:"backoff_step"`
}

// TrustConfig configures trust tokens.
type TrustConfig struct {
	// TTL is the lifetime of an issued token.
	TTL time.Duration `yaml:"ttl"`
}

// IdentityConfig controls how a request's identity is resolved.
type IdentityConfig struct {
	// IPHeader names the header carrying the client IP, typically set by a
	// reverse proxy. Falls back to the connection address.
	IPHeader string `yaml:"ip_header"`

	// Binding selects what a trust token is bound to: "ip+ua", "ua" or "ip".
	Binding identity.Binding `yaml:"binding"`

	// AllowAutomated disables the user-agent automation check.
	AllowAutomated bool `yaml:"allow_automated"`
}

// CaptchaConfig selects the human-verification oracle.
type CaptchaConfig struct {
	// Kind is "turnstile" or "disabled".
	Kind captcha.Kind `yaml:"kind"`

	// Endpoint overrides the siteverify URL.
	Endpoint string `yaml:"endpoint"`
}

// ProvidersConfig declares the available LLM backends.
type ProvidersConfig struct {
	// Default is the selector used when a request does not name one.
	Default string `yaml:"default"`

	// Entries maps a public selector to a provider configuration.
	Entries map[string]ProviderEntry `yaml:"entries"`
}

// ProviderEntry configures one LLM backend. Name selects the constructor in
// the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "groq").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable holding the key. Used when
	// APIKey is empty.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Candidates is the number of completions requested per call.
	Candidates int `yaml:"candidates"`

	// Temperature controls randomness. Zero means provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`

	// Fallbacks lists other entry selectors tried, in order, when this
	// provider is unavailable.
	Fallbacks []string `yaml:"fallbacks"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// ResolveAPIKey returns APIKey, or the value of the APIKeyEnv variable.
func (e ProviderEntry) ResolveAPIKey() string {
	if e.APIKey != "" {
		return e.APIKey
	}
	if e.APIKeyEnv != "" {
		return os.Getenv(e.APIKeyEnv)
	}
	return ""
}

// ResilienceConfig tunes the per-provider circuit breakers.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// ServiceName is reported on every span and metric.
	ServiceName string `yaml:"service_name"`

	// OTLPEndpoint is the OTLP/HTTP trace collector URL. Empty disables
	// trace export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SampleRatio is the fraction of new traces exported. Default: 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.TurnTimeout == 0 {
		cfg.Server.TurnTimeout = 60 * time.Second
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = cfg.Server.TurnTimeout + 10*time.Second
	}

	if cfg.Game.MaxMessages == 0 {
		cfg.Game.MaxMessages = 10
	}
	if cfg.Game.MaxUserMessageLength == 0 {
		cfg.Game.MaxUserMessageLength = 1024
	}
	if cfg.Game.MaxAIMessageLength == 0 {
		cfg.Game.MaxAIMessageLength = 2048
	}
	if cfg.Game.MaxSecretLength == 0 {
		cfg.Game.MaxSecretLength = 48
	}
	if cfg.Game.MaxProofLength == 0 {
		cfg.Game.MaxProofLength = 2048
	}

	if cfg.Selection.MaxAttempts == 0 {
		cfg.Selection.MaxAttempts = 3
	}
	if cfg.Selection.MinResponseLength == 0 {
		cfg.Selection.MinResponseLength = 6
	}
	if cfg.Selection.BackoffBase == 0 {
		cfg.Selection.BackoffBase = 100 * time.Millisecond
	}
	if cfg.Selection.BackoffStep == 0 {
		cfg.Selection.BackoffStep = 200 * time.Millisecond
	}

	if cfg.Trust.TTL == 0 {
		cfg.Trust.TTL = 10 * time.Minute
	}

	if cfg.Identity.IPHeader == "" {
		cfg.Identity.IPHeader = identity.DefaultIPHeader
	}
	if cfg.Identity.Binding == "" {
		cfg.Identity.Binding = identity.BindIPAndUA
	}

	if cfg.Captcha.Kind == "" {
		cfg.Captcha.Kind = captcha.KindTurnstile
	}

	for sel, e := range cfg.Providers.Entries {
		if e.Candidates == 0 {
			e.Candidates = 1
		}
		cfg.Providers.Entries[sel] = e
	}
	if cfg.Providers.Default == "" && len(cfg.Providers.Entries) == 1 {
		for sel := range cfg.Providers.Entries {
			cfg.Providers.Default = sel
		}
	}

	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = 5
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = 30 * time.Second
	}
	if cfg.Resilience.HalfOpenMax == 0 {
		cfg.Resilience.HalfOpenMax = 1
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "ai-warden"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

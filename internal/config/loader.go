package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownProviderNames lists the provider implementations shipped with the
// server. Used by [Validate] to warn about unrecognised names.
var KnownProviderNames = []string{
	"openai", "gemini", "groq", "anthropic", "deepseek", "mistral", "ollama", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TurnTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.turn_timeout must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Game
	positive := []struct {
		name  string
		value int
	}{
		{"game.max_messages", cfg.Game.MaxMessages},
		{"game.max_user_message_length", cfg.Game.MaxUserMessageLength},
		{"game.max_ai_message_length", cfg.Game.MaxAIMessageLength},
		{"game.max_secret_length", cfg.Game.MaxSecretLength},
		{"game.max_proof_length", cfg.Game.MaxProofLength},
		{"selection.max_attempts", cfg.Selection.MaxAttempts},
		{"selection.min_response_length", cfg.Selection.MinResponseLength},
	}
	for _, p := range positive {
		if p.value < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if cfg.Game.SystemPrompt != "" && !strings.Contains(cfg.Game.SystemPrompt, SecretPlaceholder) {
		errs = append(errs, fmt.Errorf("game.system_prompt must contain %s", SecretPlaceholder))
	}

	// Selection
	if cfg.Selection.MinResponseLength > cfg.Game.MaxAIMessageLength {
		errs = append(errs, fmt.Errorf("selection.min_response_length %d exceeds game.max_ai_message_length %d",
			cfg.Selection.MinResponseLength, cfg.Game.MaxAIMessageLength))
	}
	if cfg.Selection.BackoffBase < 0 || cfg.Selection.BackoffStep < 0 {
		errs = append(errs, fmt.Errorf("selection backoff durations must not be negative"))
	}

	// Trust, identity, captcha
	if cfg.Trust.TTL < 0 {
		errs = append(errs, fmt.Errorf("trust.ttl must not be negative"))
	}
	if !cfg.Identity.Binding.IsValid() {
		errs = append(errs, fmt.Errorf("identity.binding %q is invalid; valid values: ip+ua, ua, ip", cfg.Identity.Binding))
	}
	if !cfg.Captcha.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("captcha.kind %q is invalid; valid values: turnstile, disabled", cfg.Captcha.Kind))
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v is out of range [0, 1]", r))
	}

	// Providers
	errs = append(errs, validateProviders(&cfg.Providers)...)

	return errors.Join(errs...)
}

func validateProviders(p *ProvidersConfig) []error {
	var errs []error
	if len(p.Entries) == 0 {
		return append(errs, fmt.Errorf("providers.entries must declare at least one provider"))
	}
	if p.Default == "" {
		errs = append(errs, fmt.Errorf("providers.default is required when more than one provider is declared"))
	} else if _, ok := p.Entries[p.Default]; !ok {
		errs = append(errs, fmt.Errorf("providers.default %q does not name an entry", p.Default))
	}

	selectors := make([]string, 0, len(p.Entries))
	for sel := range p.Entries {
		selectors = append(selectors, sel)
	}
	slices.Sort(selectors)

	for _, sel := range selectors {
		e := p.Entries[sel]
		prefix := fmt.Sprintf("providers.entries[%s]", sel)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			validateProviderName(e.Name)
		}
		if e.Candidates < 0 {
			errs = append(errs, fmt.Errorf("%s.candidates must not be negative", prefix))
		}
		if e.Temperature < 0 || e.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, e.Temperature))
		}
		if e.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens must not be negative", prefix))
		}
		for i, fb := range e.Fallbacks {
			if fb == sel {
				errs = append(errs, fmt.Errorf("%s.fallbacks[%d] refers to itself", prefix, i))
			} else if _, ok := p.Entries[fb]; !ok {
				errs = append(errs, fmt.Errorf("%s.fallbacks[%d] %q does not name an entry", prefix, i, fb))
			}
		}
		if e.APIKey == "" && e.APIKeyEnv != "" && os.Getenv(e.APIKeyEnv) == "" {
			slog.Warn("provider api_key_env is not set", "provider", sel, "env", e.APIKeyEnv)
		}
	}
	return errs
}

// validateProviderName logs a warning if name is not one of
// [KnownProviderNames].
func validateProviderName(name string) {
	if slices.Contains(KnownProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", KnownProviderNames,
	)
}

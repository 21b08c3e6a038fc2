// Command warden is the ai-warden game server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ascpixi/ai-warden/internal/api"
	"github.com/ascpixi/ai-warden/internal/captcha"
	"github.com/ascpixi/ai-warden/internal/config"
	"github.com/ascpixi/ai-warden/internal/game"
	"github.com/ascpixi/ai-warden/internal/health"
	"github.com/ascpixi/ai-warden/internal/identity"
	"github.com/ascpixi/ai-warden/internal/integrity"
	"github.com/ascpixi/ai-warden/internal/observe"
	"github.com/ascpixi/ai-warden/internal/selection"
	"github.com/ascpixi/ai-warden/internal/trust"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "warden.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional .env file with server secrets")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warden: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warden: config file %q not found, copy configs/warden.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		}
		return 1
	}
	secrets, err := config.LoadSecrets(cfg.Captcha.Kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("warden starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	closers := registerBuiltinProviders(ctx, reg)
	defer closers.closeAll()

	backends, groups, err := buildBackends(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Game ──────────────────────────────────────────────────────────────────
	svc, resolver, engine, err := buildGame(cfg, secrets, backends, metrics)
	if err != nil {
		slog.Error("failed to initialise game", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.SelectionChanged {
			engine.SetConfig(selectionConfig(d.NewSelection, cfg.Game.MaxAIMessageLength))
			slog.Info("selection tuning changed", "max_attempts", d.NewSelection.MaxAttempts)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	checks := health.New(version,
		health.Keys(secrets.TrustTokenKey, secrets.TranscriptKey),
		health.Providers(groups),
	)
	var metricsOnMain http.Handler
	if cfg.Server.MetricsAddr == "" {
		metricsOnMain = promhttp.Handler()
	}
	apiServer := api.New(svc, resolver, api.WithAllowedOrigins(cfg.Server.AllowedOrigins...))
	servers := []*http.Server{{
		Addr:         cfg.Server.ListenAddr,
		Handler:      api.NewRouter(apiServer, checks, metrics, metricsOnMain),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}}
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	for i, srv := range servers {
		useTLS := i == 0 && cfg.Server.TLS != nil
		g.Go(func() error {
			slog.Info("listening", "addr", srv.Addr, "tls", useTLS)
			var err error
			if useTLS {
				err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve %s: %w", srv.Addr, err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildGame assembles the trust, integrity and selection components and the
// game service on top of them.
func buildGame(cfg *config.Config, secrets *config.Secrets, backends map[string]game.Backend, metrics *observe.Metrics) (*game.Service, *identity.Resolver, *selection.Engine, error) {
	verifier, err := captcha.New(cfg.Captcha.Kind, secrets.TurnstileSecret, turnstileOptions(cfg.Captcha)...)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Captcha.Kind == captcha.KindDisabled {
		slog.Warn("human verification is disabled, do not run like this in production")
	}
	tokens, err := trust.New(trust.Config{Key: secrets.TrustTokenKey, TTL: cfg.Trust.TTL})
	if err != nil {
		return nil, nil, nil, err
	}
	chain, err := integrity.New(secrets.TranscriptKey)
	if err != nil {
		return nil, nil, nil, err
	}
	resolver := identity.NewResolver(cfg.Identity.IPHeader)
	engine := selection.New(selectionConfig(cfg.Selection, cfg.Game.MaxAIMessageLength), selection.WithMetrics(metrics))

	svc, err := game.New(game.Config{
		Limits: game.Limits{
			MaxMessages:          cfg.Game.MaxMessages,
			MaxUserMessageLength: cfg.Game.MaxUserMessageLength,
			MaxAIMessageLength:   cfg.Game.MaxAIMessageLength,
			MaxSecretLength:      cfg.Game.MaxSecretLength,
			MaxProofLength:       cfg.Game.MaxProofLength,
		},
		SystemPrompt:   cfg.Game.SystemPrompt,
		TurnTimeout:    cfg.Server.TurnTimeout,
		Binding:        cfg.Identity.Binding,
		AllowAutomated: cfg.Identity.AllowAutomated,
		Backends:       backends,
		DefaultBackend: cfg.Providers.Default,
	}, verifier, tokens, chain, engine, game.WithMetrics(metrics))
	if err != nil {
		return nil, nil, nil, err
	}
	return svc, resolver, engine, nil
}

func turnstileOptions(c config.CaptchaConfig) []captcha.TurnstileOption {
	if c.Endpoint == "" {
		return nil
	}
	return []captcha.TurnstileOption{captcha.WithEndpoint(c.Endpoint)}
}

// selectionConfig caps replies at maxAI so signed replies always fit the
// transcript limit.
func selectionConfig(c config.SelectionConfig, maxAI int) selection.Config {
	return selection.Config{
		MaxAttempts: c.MaxAttempts,
		MinLength:   c.MinResponseLength,
		MaxLength:   maxAI,
		BackoffBase: c.BackoffBase,
		BackoffStep: c.BackoffStep,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       ai-warden startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, sel := range sortedSelectors(cfg.Providers.Entries) {
		e := cfg.Providers.Entries[sel]
		label := sel
		if sel == cfg.Providers.Default {
			label += "*"
		}
		printRow(label, e.Name+" / "+e.Model)
	}
	printRow("Captcha", string(cfg.Captcha.Kind))
	printRow("Binding", string(cfg.Identity.Binding))
	printRow("Messages", fmt.Sprint(cfg.Game.MaxMessages))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(key) > 15 {
		key = key[:14] + "…"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

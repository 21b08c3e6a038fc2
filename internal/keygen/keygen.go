// Package keygen generates the server keys in .env format.
package keygen

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/ascpixi/ai-warden/internal/config"
)

// DefaultBytes is the default key size in bytes (512 bits).
const DefaultBytes = 64

// Env variable names the generated keys are written under.
var envNames = []string{"WARDEN_TRUST_TOKEN_KEY", "WARDEN_TRANSCRIPT_KEY"}

// Config holds configuration for key generation.
type Config struct {
	Bytes int
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: DefaultBytes}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "random bytes per key")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates one independent key per server secret and writes them to
// out as KEY=hex lines. reader defaults to crypto/rand.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < config.MinKeyBytes {
		return fmt.Errorf("bytes must be at least %d", config.MinKeyBytes)
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	for _, name := range envNames {
		buf := make([]byte, cfg.Bytes)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return fmt.Errorf("generate %s: %w", name, err)
		}
		if _, err := fmt.Fprintf(out, "%s=%s\n", name, hex.EncodeToString(buf)); err != nil {
			return err
		}
	}
	return nil
}

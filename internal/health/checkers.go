package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// minKeyBytes mirrors the minimum key size enforced at startup.
const minKeyBytes = 32

// Keys returns a Checker that fails unless both server keys are present,
// long enough and distinct.
func Keys(trustKey, transcriptKey []byte) Checker {
	return Checker{
		Name: "keys",
		Check: func(context.Context) error {
			switch {
			case len(trustKey) < minKeyBytes:
				return errors.New("trust token key missing or too short")
			case len(transcriptKey) < minKeyBytes:
				return errors.New("transcript key missing or too short")
			case bytes.Equal(trustKey, transcriptKey):
				return errors.New("trust token and transcript keys are identical")
			}
			return nil
		},
	}
}

// ProviderGroup is the view of a provider fallback group needed for
// readiness.
type ProviderGroup interface {
	Healthy() bool
}

// Providers returns a Checker that fails when no group can accept calls.
// The error lists every group whose breakers are all open.
func Providers(groups map[string]ProviderGroup) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if len(groups) == 0 {
				return errors.New("no providers configured")
			}
			var down []string
			for name, g := range groups {
				if !g.Healthy() {
					down = append(down, name)
				}
			}
			if len(down) < len(groups) {
				return nil
			}
			slices.Sort(down)
			return fmt.Errorf("all providers unavailable: %s", strings.Join(down, ", "))
		},
	}
}

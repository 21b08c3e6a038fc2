// Command warden-keygen prints fresh server keys in .env format.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ascpixi/ai-warden/internal/keygen"
)

func main() {
	cfg, err := keygen.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden-keygen: parse flags: %v\n", err)
		os.Exit(2)
	}
	if err := keygen.Run(cfg, os.Stdout, nil); err != nil {
		fmt.Fprintf(os.Stderr, "warden-keygen: %v\n", err)
		os.Exit(1)
	}
}

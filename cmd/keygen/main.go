// AngelaMos | 2026
// main.go

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/carterperez-dev/haven-auth/internal/auth"
)

func main() {
	privatePath := flag.String("private", "keys/private.pem", "private key output path")
	publicPath := flag.String("public", "keys/public.pem", "public key output path")
	force := flag.Bool("force", false, "overwrite existing keys")
	flag.Parse()

	if err := run(*privatePath, *publicPath, *force); err != nil {
		slog.Error("keygen failed", "error", err)
		os.Exit(1)
	}
}

func run(privatePath, publicPath string, force bool) error {
	if !force {
		for _, p := range []string{privatePath, publicPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists, pass -force to overwrite", p)
			}
		}
	}

	for _, p := range []string{privatePath, publicPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := auth.GenerateKeyPair(privatePath, publicPath); err != nil {
		return err
	}

	slog.Info("ES256 key pair written",
		"private", privatePath,
		"public", publicPath,
	)
	return nil
}

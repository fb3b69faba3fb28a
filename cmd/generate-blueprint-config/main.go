package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	acme "github.com/caasmo/restinpieces-acme-ondemand"
)

const header = `# Certificate manager configuration.
# email, redis_url and cloudflare_api_token can be overridden with
# ACME_EMAIL, REDIS_URL and CLOUDFLARE_API_TOKEN.

`

func blueprint() *acme.Config {
	cfg := &acme.Config{
		Email:          "your-acme-account@example.com",
		CADirectoryURL: "https://acme-staging-v02.api.letsencrypt.org/directory",
		AllowedIssuers: []string{"letsencrypt.org"},
		DNSResolver:    "1.1.1.1:53",
		CooldownTTL:    acme.Duration{Duration: time.Hour},
		RedisURL:       "redis://localhost:6379/0",
	}
	cfg.ApplyDefaults()
	return cfg
}

func writeBlueprint(w io.Writer, cfg *acme.Config) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	return enc.Encode(cfg)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var output string
	flag.StringVar(&output, "output", "acme.blueprint.toml", "blueprint file to write, '-' for stdout")
	flag.StringVar(&output, "o", "acme.blueprint.toml", "shorthand for -output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-o file]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Writes a certificate manager configuration with every setting and its default.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := blueprint()
	if err := cfg.Validate(); err != nil {
		logger.Error("blueprint does not validate", "error", err)
		os.Exit(1)
	}

	if output == "-" {
		if err := writeBlueprint(os.Stdout, cfg); err != nil {
			logger.Error("failed to write blueprint", "error", err)
			os.Exit(1)
		}
		return
	}

	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		logger.Error("failed to create blueprint file", "path", output, "error", err)
		os.Exit(1)
	}
	if err := writeBlueprint(f, cfg); err != nil {
		f.Close()
		logger.Error("failed to write blueprint", "path", output, "error", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		logger.Error("failed to close blueprint file", "path", output, "error", err)
		os.Exit(1)
	}

	logger.Info("blueprint written", "path", output, "cooldown_ttl", cfg.CooldownTTL)
	logger.Warn("replace the placeholder email and keep redis_url out of version control")
}

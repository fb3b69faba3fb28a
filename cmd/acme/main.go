package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	"github.com/prometheus/client_golang/prometheus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	acme "github.com/caasmo/restinpieces-acme-ondemand"
	"github.com/caasmo/restinpieces-acme-ondemand/redis"
	"github.com/caasmo/restinpieces-acme-ondemand/zombiezen"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger) // Set globally for libraries that might use slog's default

	// --- Flags ---
	var configPath, dbPath, ageKeyPath string
	var add bool
	flag.StringVar(&configPath, "config", "acme.toml", "path to config TOML file")
	flag.StringVar(&dbPath, "dbfile", "app.db", "path to SQLite database file")
	flag.StringVar(&ageKeyPath, "age-key", "", "age identity file; when set the config is read from the secure store scope "+acme.ConfigScope)
	flag.BoolVar(&add, "add", false, "create pending records for the given domains before the lookup")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <domain>...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Looks up certificates for the given domains, renewing them when needed.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	// --- Database Connection ---
	logger.Info("Connecting to database pool...", "path", dbPath)
	pool, err := sqlitex.NewPool(dbPath, sqlitex.PoolOptions{
		Flags:    sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL,
		PoolSize: 4,
	})
	if err != nil {
		logger.Error("Failed to open database pool", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("Failed to close database pool", "error", err)
		}
	}()

	// --- Configuration Loading ---
	cfg, err := loadConfig(pool, configPath, ageKeyPath, logger)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("Config loaded",
		"email", cfg.Email,
		"ca_url", cfg.CADirectoryURL,
		"challenge", cfg.Challenge,
		"allowed_issuers", cfg.AllowedIssuers,
		"cooldown_ttl", cfg.CooldownTTL,
		"redis_set", cfg.RedisURL != "",
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	store := zombiezen.New(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	// --- Coordination Store ---
	rdb, err := redis.Connect(ctx, redis.Config{
		ConnectionURL:  cfg.RedisURL,
		RetryAttempts:  3,
		RetryInterval:  time.Second,
		ConnectTimeout: 30 * time.Second,
	})
	if err != nil {
		logger.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	var resolver acme.CAAResolver
	if len(cfg.AllowedIssuers) > 0 {
		dnsResolver, err := acme.NewDNSResolver(cfg.DNSResolver)
		if err != nil {
			logger.Error("Failed to create CAA resolver", "error", err)
			os.Exit(1)
		}
		resolver = dnsResolver
	}

	registry := prometheus.NewRegistry()
	manager := acme.NewManager(cfg, acme.Dependencies{
		Store:     store,
		Locker:    redis.NewLocker(rdb),
		Cooldown:  redis.NewCooldown(rdb),
		Resolver:  resolver,
		CA:        acme.NewLegoCA(cfg, logger),
		Keys:      acme.CertCrypto{},
		Parser:    acme.CertCrypto{},
		Responder: acme.NewHTTPChallengeResponder(store, logger),
		Metrics:   acme.NewMetrics(registry),
	}, logger)

	// --- Lookups ---
	failed := false
	for _, domain := range flag.Args() {
		if add {
			if err := store.CreateRecord(ctx, domain); err != nil {
				logger.Error("Failed to create record", "domain", domain, "error", err)
				failed = true
				continue
			}
		}

		rec, err := manager.GetCertificate(ctx, domain, cfg.Options())
		if err != nil {
			logger.Error("Certificate lookup failed", "domain", domain, "code", acme.ErrorCode(err), "status", acme.StatusCode(err), "error", err)
			failed = true
			continue
		}
		logger.Info("Certificate lookup done",
			"domain", rec.Servername,
			"status", rec.Status,
			"expires", rec.Expires,
			"issuer", rec.Issuer,
			"has_certificate", rec.HasCertificate(),
		)
	}

	logger.Info("Waiting for background renewals...")
	manager.Wait()
	logMetrics(registry, logger)

	if failed {
		os.Exit(1)
	}
}

// loadConfig reads the TOML file, or the encrypted scope of the secure store
// when an age identity is given.
func loadConfig(pool *sqlitex.Pool, path, ageKeyPath string, logger *slog.Logger) (*acme.Config, error) {
	if ageKeyPath == "" {
		logger.Info("Loading configuration...", "path", path)
		return acme.LoadConfig(path)
	}

	dbImpl, err := dbz.New(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate zombiezen db from pool: %w", err)
	}
	secureCfg, err := config.NewSecureConfigAge(dbImpl, ageKeyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate secure config (age): %w", err)
	}
	logger.Info("Loading configuration from secure store", "scope", acme.ConfigScope)
	data, err := secureCfg.Latest(acme.ConfigScope)
	if err != nil {
		return nil, fmt.Errorf("failed to load config scope %s: %w", acme.ConfigScope, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("config scope %s is empty", acme.ConfigScope)
	}
	return acme.ParseConfig(data)
}

func logMetrics(registry *prometheus.Registry, logger *slog.Logger) {
	families, err := registry.Gather()
	if err != nil {
		logger.Warn("Failed to gather metrics", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			attrs := []any{"metric", mf.GetName(), "value", m.GetCounter().GetValue()}
			for _, lp := range m.GetLabel() {
				attrs = append(attrs, lp.GetName(), lp.GetValue())
			}
			logger.Info("metric", attrs...)
		}
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caasmo/restinpieces"
	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	"github.com/pelletier/go-toml/v2"

	acme "github.com/caasmo/restinpieces-acme-ondemand"
	"github.com/caasmo/restinpieces-acme-ondemand/zombiezen"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	dbPathFlag := flag.String("dbpath", "", "Path to the SQLite database file (required)")
	ageIdentityPathFlag := flag.String("age-key", "", "Path to the age identity file (private key 'AGE-SECRET-KEY-1...') (required)")
	domainFlag := flag.String("domain", "", "Domain whose stored certificate is copied into the application config (required)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -dbpath <db-file> -age-key <identity-file> -domain <domain>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Updates the main application configuration with the stored certificate of a domain.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *dbPathFlag == "" || *ageIdentityPathFlag == "" || *domainFlag == "" {
		flag.Usage()
		os.Exit(1)
	}

	domain, err := acme.NormalizeDomain(*domainFlag)
	if err != nil {
		logger.Error("invalid domain", "domain", *domainFlag, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// --- Database Setup ---
	logger.Info("Creating sqlite database pool", "path", *dbPathFlag)
	pool, err := restinpieces.NewZombiezenPool(*dbPathFlag)
	if err != nil {
		logger.Error("failed to create database pool", "db_path", *dbPathFlag, "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("Closing database pool")
		if err := pool.Close(); err != nil {
			logger.Error("error closing database pool", "error", err)
		}
	}()

	dbImpl, err := dbz.New(pool)
	if err != nil {
		logger.Error("failed to instantiate zombiezen db from pool", "error", err)
		os.Exit(1)
	}

	// --- Instantiate SecureConfig ---
	secureCfg, err := config.NewSecureConfigAge(dbImpl, *ageIdentityPathFlag, logger)
	if err != nil {
		logger.Error("failed to instantiate secure config (age)", "age_key_path", *ageIdentityPathFlag, "error", err)
		os.Exit(1)
	}

	// --- Load Stored Certificate ---
	logger.Info("Loading stored certificate", "domain", domain)
	rec, err := zombiezen.New(pool).GetRecord(ctx, domain, true)
	if err != nil {
		logger.Error("failed to load certificate record", "domain", domain, "error", err)
		os.Exit(1)
	}
	if !rec.HasCertificate() {
		logger.Error("no certificate stored for domain", "domain", domain)
		os.Exit(1)
	}
	if !rec.Expires.After(time.Now()) {
		logger.Warn("stored certificate is expired", "domain", domain, "expires", rec.Expires)
	}

	// --- Load Latest Application Config ---
	logger.Info("Loading latest application configuration", "scope", config.ScopeApplication)
	appTomlData, err := secureCfg.Latest(config.ScopeApplication)
	if err != nil {
		logger.Error("failed to load application config from secure store", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}
	if len(appTomlData) == 0 {
		logger.Warn("no existing application configuration found in secure store", "scope", config.ScopeApplication)
		os.Exit(1)
	}

	var appCfg config.Config
	if err := toml.Unmarshal(appTomlData, &appCfg); err != nil {
		logger.Error("failed to unmarshal application config TOML data", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}

	// --- Update Application Config with Cert Data ---
	appCfg.Server.CertData = fullChain(rec)
	appCfg.Server.KeyData = rec.PrivateKey

	updatedAppTomlBytes, err := toml.Marshal(appCfg)
	if err != nil {
		logger.Error("failed to marshal updated application config to TOML", "error", err)
		os.Exit(1)
	}

	description := fmt.Sprintf("Updated TLS cert/key data for %s (expires %s)", domain, acme.TimeFormat(rec.Expires))
	logger.Info("Saving updated application configuration", "scope", config.ScopeApplication)
	err = secureCfg.Save(config.ScopeApplication, updatedAppTomlBytes, "toml", description)
	if err != nil {
		logger.Error("failed to save updated application config via SecureConfig", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}

	logger.Info("Successfully updated application configuration with stored certificate", "domain", domain)
}

// fullChain concatenates the leaf and its issuers as served in a TLS handshake.
func fullChain(rec *acme.CertificateRecord) string {
	var b strings.Builder
	b.WriteString(rec.Cert)
	for _, c := range rec.Chain {
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString(c)
	}
	return b.String()
}

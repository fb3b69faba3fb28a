package acme

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

const (
	ConfigScope           = "acme_config"
	DNSProviderCloudflare = "cloudflare"

	// ChallengeHTTP01 answers validation from the shared challenge store.
	ChallengeHTTP01 = "http-01"
	// ChallengeDNS01 uses the configured DNS provider instead.
	ChallengeDNS01 = "dns-01"
)

// Default horizons. They are independent on purpose: the coordinator re-checks
// against the longer renewal horizon after taking the lease.
const (
	DefaultFreshnessHorizon  = 30 * 24 * time.Hour
	DefaultRenewalHorizon    = 31 * 24 * time.Hour
	DefaultLeaseTTL          = 5 * time.Minute
	DefaultLeaseMaxWait      = time.Minute
	DefaultBackgroundTimeout = 10 * time.Minute
	DefaultKeyBits           = 2048
)

// Duration is a time.Duration written as a string ("720h") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the TOML configuration of the certificate manager. Secrets can be
// provided through the environment instead of the file.
type Config struct {
	Email          string `toml:"email" comment:"ACME account contact email" env:"ACME_EMAIL"`
	CADirectoryURL string `toml:"ca_directory_url" comment:"ACME directory URL"`
	AccountKeyID   string `toml:"account_key_id" comment:"Identifier the ACME account is stored under"`
	KeyBits        int    `toml:"key_bits" comment:"RSA key size for certificate and account keys"`
	KeyExponent    int    `toml:"key_exponent" comment:"RSA public exponent (only 65537 is supported)"`

	AllowedIssuers []string `toml:"allowed_issuers" comment:"CAA issuer domains allowed to issue; empty disables the CAA check"`
	DNSResolver    string   `toml:"dns_resolver" comment:"host:port of the resolver used for CAA lookups"`

	FreshnessHorizon  Duration `toml:"freshness_horizon" comment:"Certificates expiring later than this are served as is"`
	RenewalHorizon    Duration `toml:"renewal_horizon" comment:"Re-check window after the lease is taken, must exceed freshness_horizon"`
	LeaseTTL          Duration `toml:"lease_ttl" comment:"Lifetime of the per-domain renewal lease"`
	LeaseMaxWait      Duration `toml:"lease_max_wait" comment:"Maximum wait for the renewal lease"`
	CooldownTTL       Duration `toml:"cooldown_ttl" comment:"How long a failed domain is not retried"`
	BackgroundTimeout Duration `toml:"background_timeout" comment:"Upper bound of a background renewal and of one issuance attempt"`

	RedisURL string `toml:"redis_url" comment:"Coordination store for leases and cooldowns (set via env)" env:"REDIS_URL"`

	Challenge          string `toml:"challenge" comment:"http-01 or dns-01"`
	DNSProvider        string `toml:"dns_provider" comment:"DNS provider for dns-01 challenges (e.g. 'cloudflare')"`
	CloudflareAPIToken string `toml:"cloudflare_api_token" comment:"Cloudflare API token (set via env)" env:"CLOUDFLARE_API_TOKEN"`
}

// LoadConfig reads a TOML file, applies environment overrides and defaults,
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for already loaded TOML bytes, e.g. from a secure
// config store.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal toml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to apply environment: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. CooldownTTL has no default and must be
// configured.
func (c *Config) ApplyDefaults() {
	if c.KeyBits == 0 {
		c.KeyBits = DefaultKeyBits
	}
	if c.KeyExponent == 0 {
		c.KeyExponent = rsaExponent
	}
	if c.FreshnessHorizon.Duration == 0 {
		c.FreshnessHorizon.Duration = DefaultFreshnessHorizon
	}
	if c.RenewalHorizon.Duration == 0 {
		c.RenewalHorizon.Duration = DefaultRenewalHorizon
	}
	if c.LeaseTTL.Duration == 0 {
		c.LeaseTTL.Duration = DefaultLeaseTTL
	}
	if c.LeaseMaxWait.Duration == 0 {
		c.LeaseMaxWait.Duration = DefaultLeaseMaxWait
	}
	if c.BackgroundTimeout.Duration == 0 {
		c.BackgroundTimeout.Duration = DefaultBackgroundTimeout
	}
	if c.Challenge == "" {
		c.Challenge = ChallengeHTTP01
	}
	if c.AccountKeyID == "" {
		c.AccountKeyID = "default"
	}
}

// Options returns the per-call ACME options derived from the configuration.
func (c *Config) Options() Options {
	return Options{
		AccountKeyID: c.AccountKeyID,
		DirectoryURL: c.CADirectoryURL,
		ContactEmail: c.Email,
		KeyBits:      c.KeyBits,
		KeyExponent:  c.KeyExponent,
	}
}

func (c *Config) Validate() error {
	if c.Email == "" {
		return errors.New("config: email cannot be empty")
	}
	if c.CADirectoryURL == "" {
		return errors.New("config: ca_directory_url cannot be empty")
	}
	if err := validateKeyParams(c.KeyBits, c.KeyExponent); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.CooldownTTL.Duration <= 0 {
		return errors.New("config: cooldown_ttl must be set")
	}
	if c.FreshnessHorizon.Duration <= 0 || c.LeaseTTL.Duration <= 0 || c.LeaseMaxWait.Duration <= 0 ||
		c.BackgroundTimeout.Duration <= 0 {
		return errors.New("config: durations must be positive")
	}
	if c.RenewalHorizon.Duration <= c.FreshnessHorizon.Duration {
		return fmt.Errorf("config: renewal_horizon (%s) must exceed freshness_horizon (%s)", c.RenewalHorizon, c.FreshnessHorizon)
	}
	switch c.Challenge {
	case ChallengeHTTP01:
	case ChallengeDNS01:
		switch c.DNSProvider {
		case DNSProviderCloudflare:
			if c.CloudflareAPIToken == "" {
				return fmt.Errorf("config: cloudflare_api_token cannot be empty when dns_provider is '%s'", c.DNSProvider)
			}
		case "":
			return errors.New("config: dns_provider cannot be empty for dns-01")
		default:
			slog.Warn("config: validation not implemented for dns_provider", "provider", c.DNSProvider)
		}
	default:
		return fmt.Errorf("config: unsupported challenge %q", c.Challenge)
	}
	return nil
}

const rsaExponent = 65537

var supportedKeyBits = map[int]bool{2048: true, 3072: true, 4096: true, 8192: true}

func validateKeyParams(bits, exponent int) error {
	if !supportedKeyBits[bits] {
		return fmt.Errorf("unsupported key_bits %d", bits)
	}
	// crypto/rsa always generates keys with F4.
	if exponent != rsaExponent {
		return fmt.Errorf("unsupported key_exponent %d, only %d", exponent, rsaExponent)
	}
	return nil
}

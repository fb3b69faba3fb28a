package acme

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.StrictDomainName(true),
	idna.VerifyDNSLength(true),
)

// NormalizeDomain lower-cases domain, strips a trailing dot and converts it to
// its ASCII (punycode) form. Invalid host names yield ErrInvalidDomain.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if d == "" {
		return "", ErrInvalidDomain
	}
	ascii, err := domainProfile.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomain, domain, err)
	}
	ascii = strings.ToLower(ascii)
	if net.ParseIP(ascii) != nil {
		return "", fmt.Errorf("%w: %q is an IP address", ErrInvalidDomain, domain)
	}
	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("%w: %q has no parent domain", ErrInvalidDomain, domain)
	}
	return ascii, nil
}

// DomainValidator decides whether a domain may be sent to the CA at all.
type DomainValidator struct {
	resolver       CAAResolver
	allowedIssuers map[string]struct{}
	logger         *slog.Logger
}

// NewDomainValidator creates a validator. With an empty allowedIssuers list
// only the syntax check runs and the resolver may be nil.
func NewDomainValidator(resolver CAAResolver, allowedIssuers []string, logger *slog.Logger) *DomainValidator {
	if logger == nil {
		panic("NewDomainValidator: received nil logger")
	}
	if len(allowedIssuers) > 0 && resolver == nil {
		panic("NewDomainValidator: CAA allow-list configured without a resolver")
	}
	allowed := make(map[string]struct{}, len(allowedIssuers))
	for _, issuer := range allowedIssuers {
		allowed[strings.ToLower(strings.TrimSpace(issuer))] = struct{}{}
	}
	return &DomainValidator{
		resolver:       resolver,
		allowedIssuers: allowed,
		logger:         logger.With("component", "domain_validator"),
	}
}

// Validate returns nil, ErrInvalidDomain or ErrCAAMismatch.
func (v *DomainValidator) Validate(ctx context.Context, domain string) error {
	name, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	if len(v.allowedIssuers) == 0 {
		return nil
	}

	// The most specific suffix with any CAA records decides. The bare TLD is
	// never queried.
	labels := strings.Split(name, ".")
	for i := 0; i < len(labels)-1; i++ {
		suffix := strings.Join(labels[i:], ".")
		records, err := v.resolver.LookupCAA(ctx, suffix)
		if err != nil {
			v.logger.Debug("CAA lookup failed, treating as no policy", "name", suffix, "error", err)
			continue
		}
		if len(records) == 0 {
			continue
		}
		if v.authorizes(records) {
			v.logger.Debug("CAA policy authorizes issuance", "domain", name, "name", suffix)
			return nil
		}
		v.logger.Info("CAA policy forbids allowed issuers", "domain", name, "name", suffix)
		return fmt.Errorf("%w: policy at %s", ErrCAAMismatch, suffix)
	}
	return nil
}

func (v *DomainValidator) authorizes(records []CAARecord) bool {
	for _, rr := range records {
		tag := strings.ToLower(rr.Tag)
		if tag != "issue" && tag != "issuewild" {
			continue
		}
		if _, ok := v.allowedIssuers[issuerDomain(rr.Value)]; ok {
			return true
		}
	}
	return false
}

// issuerDomain strips CAA parameters: "letsencrypt.org; accounturi=..." -> "letsencrypt.org".
func issuerDomain(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}

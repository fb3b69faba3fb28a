package acme

import (
	"time"
)

// Status is the lifecycle state of a CertificateRecord.
type Status string

const (
	StatusPending Status = "pending"
	StatusValid   Status = "valid"
	StatusError   Status = "error"
)

// CertificateRecord is the stored state of one tenant domain certificate.
// Records are created out-of-band with StatusPending and are only mutated by
// the RenewalCoordinator after a successful issuance.
type CertificateRecord struct {
	ID         int64     // Primary Key
	Servername string    // Normalized domain the certificate is served for
	PrivateKey string    // PEM encoded private key, empty until first generation (Sensitive!)
	Cert       string    // PEM encoded leaf certificate
	Chain      []string  // PEM encoded issuer certificates, leaf issuer first
	ValidFrom  time.Time // UTC timestamp
	Expires    time.Time // UTC timestamp
	AltNames   []string  // DNS names covered by Cert
	Issuer     string    // Issuer common name
	Status     Status
	LastCheck  time.Time // UTC timestamp (zero time if never checked)
}

// HasCertificate reports whether the record carries certificate data that can
// be served as a fallback.
func (r *CertificateRecord) HasCertificate() bool {
	return r != nil && r.Cert != ""
}

// AccountRecord is the ACME account registered for one account key identifier.
type AccountRecord struct {
	KeyID      string    // Configured account key identifier
	PrivateKey string    // PEM encoded account key (Sensitive!)
	URI        string    // Account URL returned by the CA, used as JWS kid
	Email      string    // Contact email used at registration
	CreatedAt  time.Time // UTC timestamp
}

// RecordUpdate carries the fields written after a successful issuance.
type RecordUpdate struct {
	Cert      string
	Chain     []string
	ValidFrom time.Time
	Expires   time.Time
	AltNames  []string
	Issuer    string
	Status    Status
	LastCheck time.Time
}

// CertificateInfo is what the CertificateParser extracts from a leaf certificate.
type CertificateInfo struct {
	ValidFrom time.Time
	ValidTo   time.Time
	DNSNames  []string
	Issuer    string
}

// CAARecord is a single DNS CAA resource record.
type CAARecord struct {
	Flag  uint8
	Tag   string
	Value string
}

// Options are the per-call ACME parameters of a certificate lookup.
type Options struct {
	AccountKeyID string
	DirectoryURL string
	ContactEmail string
	KeyBits      int
	KeyExponent  int
}

// TimeFormat formats t the way timestamps are persisted by the stores.
func TimeFormat(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ParseTime parses a timestamp written by TimeFormat. An empty string yields
// the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

package acme

import (
	"context"
	"time"

	"github.com/go-acme/lego/v4/challenge"
)

// Store is the persistent record store shared by every node.
type Store interface {
	// GetRecord returns the record for domain, or nil and no error if none
	// exists. The private key is only populated when includeSecrets is set.
	GetRecord(ctx context.Context, domain string, includeSecrets bool) (*CertificateRecord, error)
	// Update writes the issuance fields. It reports false if no record matched.
	Update(ctx context.Context, domain string, u RecordUpdate) (bool, error)
	// ResetPrivateKey replaces the private key of the record.
	ResetPrivateKey(ctx context.Context, domain string, keyPEM string) error
	// GetAccount returns the account for keyID, or nil and no error if none exists.
	GetAccount(ctx context.Context, keyID string) (*AccountRecord, error)
	// PutAccount persists the account under keyID.
	PutAccount(ctx context.Context, keyID string, rec AccountRecord) error
}

// ChallengeStore holds HTTP-01 key authorizations so that any node can answer
// the CA's validation request.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, domain, token, keyAuth string) error
	GetChallenge(ctx context.Context, token string) (string, error)
	DeleteChallenge(ctx context.Context, token string) error
}

// KeyGenerator creates PEM encoded RSA private keys and certificate signing
// requests for them.
type KeyGenerator interface {
	GenerateKey(bits, exponent int) (string, error)
	// CreateCSR returns a DER encoded CSR for domains signed by keyPEM.
	CreateCSR(keyPEM string, domains []string) ([]byte, error)
}

// Lease is a held operation lease. Token identifies the holder.
type Lease struct {
	Key   string
	Token string
}

// Locker is the cluster-wide mutual exclusion primitive.
type Locker interface {
	// Acquire blocks for at most maxWait. The lease expires after ttl even if
	// it is never released. A wait that runs out returns ErrLeaseTimeout.
	Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// Cooldown is the per-domain failure gate. Presence of the flag alone blocks
// issuance attempts until it expires.
type Cooldown interface {
	Active(ctx context.Context, domain string) (bool, error)
	Set(ctx context.Context, domain string, ttl time.Duration) error
}

// CAAResolver looks up CAA records for exactly the given name.
type CAAResolver interface {
	LookupCAA(ctx context.Context, name string) ([]CAARecord, error)
}

// CertificateParser extracts the fields persisted after issuance.
type CertificateParser interface {
	Parse(certPEM string) (*CertificateInfo, error)
}

// IssueRequest is the input of CAClient.IssueCertificate.
type IssueRequest struct {
	Domain    string
	CSR       []byte // DER encoded
	Account   *AccountRecord
	Responder challenge.Provider
}

// IssuedCertificate is the CA's answer: the leaf and its ordered chain.
type IssuedCertificate struct {
	Cert  string
	Chain []string
}

// AccountRequest is the input of CAClient.CreateAccount.
type AccountRequest struct {
	PrivateKey string // PEM
	Email      string
}

// CAClient is the certificate authority protocol collaborator.
type CAClient interface {
	Init(ctx context.Context, directoryURL string) error
	CreateAccount(ctx context.Context, req AccountRequest) (string, error)
	IssueCertificate(ctx context.Context, req IssueRequest) (*IssuedCertificate, error)
}

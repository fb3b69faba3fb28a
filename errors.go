package acme

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidDomain is returned when a domain is not a well-formed host name.
	ErrInvalidDomain = errors.New("invalid domain name")

	// ErrCAAMismatch is returned when CAA records forbid every configured issuer.
	ErrCAAMismatch = errors.New("caa records do not authorize any allowed issuer")

	// ErrMissingCertificate is returned when no certificate record exists for a domain.
	ErrMissingCertificate = errors.New("certificate record not found")

	// ErrLeaseTimeout is returned when the per-domain operation lease could not
	// be acquired within the configured wait.
	ErrLeaseTimeout = errors.New("timed out waiting for renewal lease")

	// ErrIssuanceFailed wraps failures of the key, CSR, account or CA steps.
	ErrIssuanceFailed = errors.New("certificate issuance failed")
)

const (
	CodeInvalidDomain      = "invalid_domain"
	CodeCAAMismatch        = "caa_mismatch"
	CodeMissingCertificate = "missing_certificate"
	CodeInternal           = "internal"
)

// ErrorCode maps an error returned by Manager.GetCertificate to the code
// surfaced to callers. Everything that is not one of the three named kinds is
// opaque.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidDomain):
		return CodeInvalidDomain
	case errors.Is(err, ErrCAAMismatch):
		return CodeCAAMismatch
	case errors.Is(err, ErrMissingCertificate):
		return CodeMissingCertificate
	default:
		return CodeInternal
	}
}

// StatusCode returns the HTTP status equivalent of ErrorCode(err).
func StatusCode(err error) int {
	switch ErrorCode(err) {
	case "":
		return http.StatusOK
	case CodeInvalidDomain:
		return http.StatusBadRequest
	case CodeCAAMismatch:
		return http.StatusForbidden
	case CodeMissingCertificate:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

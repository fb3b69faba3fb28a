package acme

import (
	"errors"
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
)

var rsaKeyTypes = map[int]certcrypto.KeyType{
	2048: certcrypto.RSA2048,
	3072: certcrypto.RSA3072,
	4096: certcrypto.RSA4096,
	8192: certcrypto.RSA8192,
}

// CertCrypto implements KeyGenerator and CertificateParser with lego's
// certcrypto helpers.
type CertCrypto struct{}

func (CertCrypto) GenerateKey(bits, exponent int) (string, error) {
	if err := validateKeyParams(bits, exponent); err != nil {
		return "", err
	}
	key, err := certcrypto.GeneratePrivateKey(rsaKeyTypes[bits])
	if err != nil {
		return "", fmt.Errorf("failed to generate %d bit key: %w", bits, err)
	}
	return string(certcrypto.PEMEncode(key)), nil
}

func (CertCrypto) CreateCSR(keyPEM string, domains []string) ([]byte, error) {
	if len(domains) == 0 {
		return nil, errors.New("csr: no domains")
	}
	key, err := certcrypto.ParsePEMPrivateKey([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("csr: failed to parse private key: %w", err)
	}
	// The common name is repeated in the SANs, as lego does for its own orders.
	return certcrypto.GenerateCSR(key, domains[0], domains, false)
}

func (CertCrypto) Parse(certPEM string) (*CertificateInfo, error) {
	cert, err := certcrypto.ParsePEMCertificate([]byte(certPEM))
	if err != nil {
		return nil, err
	}
	issuer := cert.Issuer.CommonName
	if issuer == "" {
		issuer = cert.Issuer.String()
	}
	return &CertificateInfo{
		ValidFrom: cert.NotBefore.UTC(),
		ValidTo:   cert.NotAfter.UTC(),
		DNSNames:  cert.DNSNames,
		Issuer:    issuer,
	}, nil
}

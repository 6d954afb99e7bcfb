package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// ExpiryWarning is how far ahead of expiry a loaded certificate is
// logged as expiring.
const ExpiryWarning = 30 * 24 * time.Hour

// ErrCertificateExpired is returned for certificates past NotAfter.
var ErrCertificateExpired = errors.New("certificate expired")

// Leaf parses the first certificate of the chain.
func Leaf(cert *tls.Certificate) (*x509.Certificate, error) {
	if cert == nil || len(cert.Certificate) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return leaf, nil
}

// ValidateCertificate rejects certificates outside their validity window
// at now and returns the parsed leaf.
func ValidateCertificate(cert *tls.Certificate, now time.Time) (*x509.Certificate, error) {
	leaf, err := Leaf(cert)
	if err != nil {
		return nil, err
	}
	if now.Before(leaf.NotBefore) {
		return nil, fmt.Errorf("certificate not valid before %s", leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(leaf.NotAfter) {
		return nil, fmt.Errorf("%w on %s", ErrCertificateExpired, leaf.NotAfter.Format(time.RFC3339))
	}
	return leaf, nil
}

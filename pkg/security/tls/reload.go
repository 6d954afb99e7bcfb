package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Reloader serves a certificate pair and picks up rotated files.
type Reloader struct {
	certFile string
	keyFile  string
	interval time.Duration
	logger   *slog.Logger

	cert atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	certMod time.Time
	keyMod  time.Time
}

// NewReloader loads the pair once. interval is how often Run checks the
// files; zero disables checking.
func NewReloader(certFile, keyFile string, interval time.Duration, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{
		certFile: certFile,
		keyFile:  keyFile,
		interval: interval,
		logger:   logger.With("component", "tls"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Run checks for rotation until ctx is done. A failed reload keeps the
// current certificate.
func (r *Reloader) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.ReloadIfChanged(); err != nil {
				r.logger.Error("failed to reload certificate", "error", err, "cert_file", r.certFile)
			}
		}
	}
}

// ReloadIfChanged reloads the pair when either file changed since the
// last load.
func (r *Reloader) ReloadIfChanged() (bool, error) {
	certMod, keyMod, err := r.modTimes()
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	changed := !certMod.Equal(r.certMod) || !keyMod.Equal(r.keyMod)
	r.mu.Unlock()
	if !changed {
		return false, nil
	}
	if err := r.load(); err != nil {
		return false, err
	}
	return true, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

// Leaf returns the parsed current certificate.
func (r *Reloader) Leaf() *x509.Certificate {
	return r.cert.Load().Leaf
}

// ExpiryCheck is a health check failing once the served certificate has
// expired.
func (r *Reloader) ExpiryCheck(context.Context) error {
	leaf := r.Leaf()
	if time.Now().After(leaf.NotAfter) {
		return fmt.Errorf("%w on %s", ErrCertificateExpired, leaf.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func (r *Reloader) modTimes() (cert, key time.Time, err error) {
	ci, err := os.Stat(r.certFile)
	if err != nil {
		return cert, key, err
	}
	ki, err := os.Stat(r.keyFile)
	if err != nil {
		return cert, key, err
	}
	return ci.ModTime(), ki.ModTime(), nil
}

func (r *Reloader) load() error {
	certMod, keyMod, err := r.modTimes()
	if err != nil {
		return err
	}
	pair, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	leaf, err := ValidateCertificate(&pair, time.Now())
	if err != nil {
		return err
	}
	pair.Leaf = leaf

	r.cert.Store(&pair)
	r.mu.Lock()
	r.certMod, r.keyMod = certMod, keyMod
	r.mu.Unlock()

	attrs := []any{
		"subject", leaf.Subject.CommonName,
		"expires_at", leaf.NotAfter.Format(time.RFC3339),
	}
	if time.Until(leaf.NotAfter) < ExpiryWarning {
		r.logger.Warn("certificate expiring soon", attrs...)
	} else {
		r.logger.Info("certificate loaded", attrs...)
	}
	return nil
}

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"opensase/sase-policy/pkg/audit"
	"opensase/sase-policy/pkg/config"
	"opensase/sase-policy/pkg/limits/ratelimit"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/engine"
	"opensase/sase-policy/pkg/policy/manager"
	"opensase/sase-policy/pkg/security/auth"
	sectls "opensase/sase-policy/pkg/security/tls"
	"opensase/sase-policy/pkg/telemetry/health"
	"opensase/sase-policy/pkg/telemetry/metrics"
)

// RuleManager is the part of the rule manager the server drives.
type RuleManager interface {
	Status() manager.Status
	Engine() *engine.Engine
	Reload(ctx context.Context) (manager.Result, error)
	Apply(ctx context.Context, rules []policy.PolicyRule, origin string) (manager.Result, error)
}

// Deps are the components behind the endpoints. Manager is required;
// the others disable their endpoints when nil.
type Deps struct {
	Manager RuleManager
	Audit   audit.Storage
	Metrics *metrics.Collector
	Health  *health.Checker
	Version health.VersionInfo
}

// Server is the admin HTTP server.
type Server struct {
	config     *config.ServerConfig
	metricsCfg *config.MetricsConfig
	deps       Deps
	logger     *slog.Logger

	// keys is nil when auth is disabled.
	keys      *auth.Keyring
	tlsConfig *tls.Config
	certs     *sectls.Reloader

	// limiter and inFlight are nil when rate limiting is disabled.
	limiter  *ratelimit.Limiter
	inFlight *ratelimit.ConcurrentLimiter

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server.
func New(cfg *config.ServerConfig, metricsCfg *config.MetricsConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Manager == nil {
		return nil, errors.New("server requires a rule manager")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metricsCfg == nil {
		metricsCfg = &config.MetricsConfig{Path: config.DefaultMetricsPath}
	}
	s := &Server{
		config:     cfg,
		metricsCfg: metricsCfg,
		deps:       deps,
		logger:     logger.With("component", "server"),
	}

	if cfg.Auth.Enabled {
		keys, err := auth.NewKeyring(&cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to load API keys: %w", err)
		}
		s.keys = keys
	}
	tc, certs, err := sectls.ServerConfig(&cfg.TLS, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure TLS: %w", err)
	}
	s.tlsConfig, s.certs = tc, certs

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(&cfg.RateLimit)
		s.inFlight = ratelimit.NewConcurrentLimiter(cfg.RateLimit.MaxInFlight)
		if deps.Metrics != nil {
			if err := deps.Metrics.RegisterRateLimit(s.limiter); err != nil {
				return nil, fmt.Errorf("failed to register rate limit metrics: %w", err)
			}
		}
	}
	return s, nil
}

// CertificateCheck reports an expired serving certificate. It is nil when
// TLS is off.
func (s *Server) CertificateCheck() health.CheckFunc {
	if s.certs == nil {
		return nil
	}
	return s.certs.ExpiryCheck
}

// Listen binds the listen address. It is split from Serve so callers can
// learn the bound address (":0" in tests) before serving.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil, fmt.Errorf("server already listening on %s", s.listener.Addr())
	}
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return ln.Addr(), nil
}

// Serve serves until ctx is cancelled, then shuts down within the
// configured timeout. Listen is called first when it has not been.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	bound := s.listener != nil
	s.mu.Unlock()
	if !bound {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	srv, ln := s.httpServer, s.listener
	s.mu.Unlock()

	if s.certs != nil {
		go s.certs.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening",
			"address", ln.Addr().String(),
			"tls", s.tlsConfig != nil,
			"auth", s.keys != nil,
			"rate_limit", s.limiter != nil,
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down admin server", "timeout", s.config.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opensase/sase-policy/pkg/audit"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/engine"
	"opensase/sase-policy/pkg/policy/rules"
	"opensase/sase-policy/pkg/policy/snapshot"
	"opensase/sase-policy/pkg/policy/source"
)

// Options wires a Manager. Only Engine is required.
type Options struct {
	Engine    *engine.Engine
	Source    source.Source
	Snapshots SnapshotStore
	Auditor   Auditor
	Observer  Observer
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// NoRestore disables the snapshot fallback in Start.
	NoRestore bool
}

// Manager coordinates rule loading for one engine.
type Manager struct {
	engine    *engine.Engine
	source    source.Source
	snapshots SnapshotStore
	auditor   Auditor
	observer  Observer
	tracer    trace.Tracer
	logger    *slog.Logger
	noRestore bool

	// reloadMu serializes reloads.
	reloadMu sync.Mutex

	mu     sync.RWMutex
	status Status
	closed bool
	cancel context.CancelFunc
}

// New creates a manager.
func New(opts Options) (*Manager, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("opensase/sase-policy/manager")
	}

	m := &Manager{
		engine:    opts.Engine,
		source:    opts.Source,
		snapshots: opts.Snapshots,
		auditor:   opts.Auditor,
		observer:  opts.Observer,
		tracer:    opts.Tracer,
		logger:    opts.Logger.With("component", "policy.manager"),
		noRestore: opts.NoRestore,
	}
	m.status.Version = opts.Engine.Version()
	m.status.RuleCount = len(opts.Engine.Snapshot().Rules)
	if opts.Source != nil {
		m.status.Source = opts.Source.Name()
	}
	return m, nil
}

// Start performs the initial load. If the source fails and a snapshot is
// available, the snapshot is restored and Start succeeds; the source error
// is logged and kept in Status.
func (m *Manager) Start(ctx context.Context) error {
	if m.source == nil {
		if m.snapshots == nil || m.noRestore {
			return nil
		}
		_, err := m.Restore(ctx)
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil
		}
		return err
	}

	_, loadErr := m.Reload(ctx)
	if loadErr == nil {
		return nil
	}
	if m.snapshots == nil || m.noRestore {
		return loadErr
	}

	m.logger.Warn("initial load failed, restoring latest snapshot", "error", loadErr)
	if _, err := m.Restore(ctx); err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrNoRules, loadErr)
		}
		return fmt.Errorf("%w: source: %v; snapshot: %v", ErrNoRules, loadErr, err)
	}
	m.mu.Lock()
	m.status.LastError = loadErr.Error()
	m.mu.Unlock()
	return nil
}

// Reload loads the source and applies its rules.
func (m *Manager) Reload(ctx context.Context) (Result, error) {
	if m.source == nil {
		return Result{}, ErrNoSource
	}
	if err := m.checkOpen(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	rs, err := m.source.Load(ctx)
	if err != nil {
		lerr := &LoadError{Source: m.source.Name(), Cause: err}
		res := Result{Outcome: audit.OutcomeRejected, Origin: m.source.Name(), Version: m.engine.Version()}
		m.finish(&res, start, lerr)
		return res, lerr
	}
	return m.apply(ctx, rs, m.source.Name(), audit.OutcomeApplied, start)
}

// Apply installs rules received from origin, such as the message bus or
// the admin API.
func (m *Manager) Apply(ctx context.Context, rs []policy.PolicyRule, origin string) (Result, error) {
	if err := m.checkOpen(); err != nil {
		return Result{}, err
	}
	return m.apply(ctx, rs, origin, audit.OutcomeApplied, time.Now())
}

// Restore installs the latest snapshot.
func (m *Manager) Restore(ctx context.Context) (Result, error) {
	if m.snapshots == nil {
		return Result{}, snapshot.ErrNotFound
	}
	if err := m.checkOpen(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	rec, err := m.snapshots.Latest(ctx)
	if err != nil {
		return Result{}, err
	}
	origin := fmt.Sprintf("snapshot:%d", rec.ID)
	m.logger.Info("restoring snapshot",
		"snapshot_id", rec.ID,
		"snapshot_version", rec.Version,
		"rule_count", rec.RuleCount,
		"created_at", rec.CreatedAt,
	)
	return m.apply(ctx, rec.Rules, origin, audit.OutcomeRestored, start)
}

func (m *Manager) apply(ctx context.Context, rs []policy.PolicyRule, origin string, success audit.Outcome, start time.Time) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "policy.reload",
		trace.WithAttributes(
			attribute.String("policy.origin", origin),
			attribute.Int("policy.rule_count", len(rs)),
		),
	)
	defer span.End()

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	res := Result{
		Origin:    origin,
		RuleCount: len(rs),
		Checksum:  rules.Checksum(rs),
	}

	m.mu.RLock()
	current := m.status
	m.mu.RUnlock()

	if success == audit.OutcomeApplied && current.Version > 0 && current.Checksum == res.Checksum {
		res.Outcome = audit.OutcomeUnchanged
		res.Version = m.engine.Version()
		span.SetAttributes(attribute.String("policy.outcome", string(res.Outcome)))
		m.finish(&res, start, nil)
		return res, nil
	}

	if err := m.engine.LoadRules(rs); err != nil {
		res.Outcome = audit.OutcomeRejected
		res.Version = m.engine.Version()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule set rejected")
		m.finish(&res, start, err)
		return res, err
	}

	res.Outcome = success
	res.Version = m.engine.Version()
	span.SetAttributes(
		attribute.String("policy.outcome", string(res.Outcome)),
		attribute.Int64("policy.version", int64(res.Version)),
	)

	if m.snapshots != nil && success == audit.OutcomeApplied {
		if _, err := m.snapshots.Save(ctx, res.Version, origin, rs); err != nil {
			// The rules are live; a failed snapshot only weakens restarts.
			m.logger.Error("failed to save snapshot", "version", res.Version, "error", err)
			span.AddEvent("snapshot save failed", trace.WithAttributes(attribute.String("error", err.Error())))
		}
	}

	m.finish(&res, start, nil)
	return res, nil
}

// finish publishes the outcome of one attempt.
func (m *Manager) finish(res *Result, start time.Time, err error) {
	res.Duration = time.Since(start)

	ev := audit.Event{
		Origin:    res.Origin,
		Outcome:   res.Outcome,
		Version:   res.Version,
		RuleCount: res.RuleCount,
		Checksum:  res.Checksum,
		Duration:  res.Duration,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if m.auditor != nil {
		res.AuditID = m.auditor.Record(ev)
	}
	if m.observer != nil {
		m.observer.ObserveReload(string(res.Outcome), res.Duration)
	}

	m.mu.Lock()
	m.status.LastReload = time.Now()
	m.status.LastOutcome = res.Outcome
	switch res.Outcome {
	case audit.OutcomeApplied, audit.OutcomeRestored:
		if res.Outcome == audit.OutcomeApplied {
			m.status.Applied++
		} else {
			m.status.Restored++
		}
		m.status.Version = res.Version
		m.status.RuleCount = res.RuleCount
		m.status.Checksum = res.Checksum
		m.status.Origin = res.Origin
		m.status.LastError = ""
	case audit.OutcomeUnchanged:
		m.status.Unchanged++
		m.status.LastError = ""
	case audit.OutcomeRejected:
		m.status.Rejected++
		m.status.LastError = ev.Error
	}
	m.mu.Unlock()

	log := m.logger.With(
		"origin", res.Origin,
		"outcome", res.Outcome,
		"version", res.Version,
		"rule_count", res.RuleCount,
		"duration_ms", res.Duration.Milliseconds(),
	)
	switch res.Outcome {
	case audit.OutcomeRejected:
		log.Warn("rule reload rejected", "error", err)
	case audit.OutcomeUnchanged:
		log.Debug("rule set unchanged")
	default:
		log.Info("rule set installed", "checksum", res.Checksum)
	}
}

// Watch reloads on every source change until ctx is done or Close is
// called. Reload failures are logged and watching continues.
func (m *Manager) Watch(ctx context.Context) error {
	if m.source == nil {
		return ErrNoSource
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("manager already watching")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.status.Watching = false
		m.cancel = nil
		m.mu.Unlock()
	}()

	events, err := m.source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.source.Name(), err)
	}
	m.mu.Lock()
	m.status.Watching = true
	m.mu.Unlock()
	m.logger.Info("watching rule source", "source", m.source.Name())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.logger.Debug("rule source changed", "path", ev.Path)
			// Errors are already logged and audited.
			_, _ = m.Reload(ctx)
		}
	}
}

// Status returns a copy of the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Engine returns the managed engine.
func (m *Manager) Engine() *engine.Engine {
	return m.engine
}

// Close stops any running Watch. Later reloads fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

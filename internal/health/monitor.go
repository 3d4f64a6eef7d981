// Package health probes the service's dependencies in the background and
// publishes the result as an immutable snapshot. Readers never trigger a
// probe.
package health

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"execution-insight/backend/internal/logging"
	"execution-insight/backend/pkg/models"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
	StatusUnknown  = "unknown"
)

// CheckFunc probes one dependency. A nil error means healthy; detail is
// reported either way.
type CheckFunc func(ctx context.Context) (detail string, err error)

// Check is a named probe. A failing critical check marks the service down,
// any other failing check marks it degraded.
type Check struct {
	Name     string
	Critical bool
	Probe    CheckFunc
}

// Pinger adapts anything with a Ping method.
func Pinger(p interface{ Ping(context.Context) error }) CheckFunc {
	return func(ctx context.Context) (string, error) {
		return "", p.Ping(ctx)
	}
}

type Options struct {
	Service string
	Version string
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *logging.Logger
}

type Monitor struct {
	checks  []Check
	opts    Options
	clock   clock.Clock
	logger  *logging.Logger
	current atomic.Pointer[models.HealthSnapshot]
}

func NewMonitor(checks []Check, opts Options) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	m := &Monitor{checks: checks, opts: opts, clock: opts.Clock, logger: opts.Logger}
	m.current.Store(&models.HealthSnapshot{
		Status:    StatusUnknown,
		Service:   opts.Service,
		Version:   opts.Version,
		Timestamp: opts.Clock.Now(),
	})
	return m
}

// Snapshot returns the last published snapshot. Callers must not modify it.
func (m *Monitor) Snapshot() *models.HealthSnapshot {
	return m.current.Load()
}

// Refresh runs every check concurrently and publishes the result.
func (m *Monitor) Refresh(ctx context.Context) *models.HealthSnapshot {
	results := make([]models.HealthCheck, len(m.checks))
	var g errgroup.Group
	for i, c := range m.checks {
		g.Go(func() error {
			results[i] = m.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	status := StatusOK
	for i, c := range m.checks {
		if results[i].Status == StatusOK {
			continue
		}
		if c.Critical {
			status = StatusDown
		} else if status == StatusOK {
			status = StatusDegraded
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	snap := &models.HealthSnapshot{
		Status:    status,
		Service:   m.opts.Service,
		Version:   m.opts.Version,
		Timestamp: m.clock.Now(),
		Checks:    results,
	}
	if prev := m.current.Swap(snap); prev.Status != status {
		m.logger.Info("health status changed", "from", prev.Status, "to", status)
	}
	return snap
}

func (m *Monitor) run(ctx context.Context, c Check) models.HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	start := m.clock.Now()
	detail, err := c.Probe(ctx)
	res := models.HealthCheck{
		Name:      c.Name,
		Status:    StatusOK,
		Detail:    detail,
		LatencyMs: m.clock.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Status = StatusDown
		res.Detail = err.Error()
		m.logger.Warn("health check failed", logging.DependencyKey, c.Name, logging.ErrorKey, err)
	}
	return res
}

// Run refreshes on every interval until ctx is cancelled. The first refresh
// happens immediately.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Refresh(ctx)
	if interval <= 0 {
		return
	}
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

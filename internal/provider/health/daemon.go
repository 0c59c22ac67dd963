// Package health runs periodic liveness probes against configured providers
// and publishes results to the provider router.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/provider"
)

const (
	defaultProbeInterval = 30 * time.Second
	probeTimeout         = 10 * time.Second
	shutdownGrace        = 5 * time.Second
)

// Daemon probes each provider on a fixed interval.
type Daemon struct {
	router   *provider.Router
	checkers map[string]provider.HealthChecker
	interval time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDaemon creates a health daemon over the given checkers, keyed by
// provider name.
func NewDaemon(router *provider.Router, checkers map[string]provider.HealthChecker, interval time.Duration, log *logger.Logger) *Daemon {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Daemon{
		router:   router,
		checkers: checkers,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "health-daemon")),
	}
}

// Start begins probing. The first round runs immediately.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.loop(ctx)
}

// Stop halts probing. In-flight probes get a short grace window to finish
// and are then abandoned.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	done := d.doneCh
	d.mu.Unlock()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		d.logger.Warn("abandoning in-flight health probes")
	}
}

func (d *Daemon) loop(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.probeAll(ctx)
		}
	}
}

// probeAll probes every provider concurrently and publishes each result.
func (d *Daemon) probeAll(ctx context.Context) {
	g, probeCtx := errgroup.WithContext(ctx)
	for name, checker := range d.checkers {
		name, checker := name, checker
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(probeCtx, probeTimeout)
			defer cancel()

			started := time.Now()
			status := checker.HealthCheck(cctx)
			status.CheckedAt = time.Now()
			if status.LatencyMs == 0 {
				status.LatencyMs = time.Since(started).Milliseconds()
			}

			d.router.SetHealth(name, status)
			if !status.Healthy {
				d.logger.Warn("provider unhealthy",
					zap.String("provider", name),
					zap.String("error", status.Error))
			}
			return nil
		})
	}
	_ = g.Wait()
}

package provider

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/config"
	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/provider/breaker"
)

// ErrNoProviders is returned when no provider is configured and enabled.
var ErrNoProviders = errors.New("no enabled providers configured")

// Selection is the outcome of SelectProvider.
type Selection struct {
	Provider config.ProviderConfig
	Health   HealthStatus

	// Degraded is set when every provider was unhealthy or open and the
	// highest-priority one was returned anyway.
	Degraded bool
}

// Router picks the highest-priority healthy provider and owns each
// provider's circuit breaker.
type Router struct {
	providers []config.ProviderConfig // enabled, ascending priority
	breakers  map[string]*breaker.Breaker
	logger    *logger.Logger

	mu     sync.RWMutex
	health map[string]HealthStatus
}

// NewRouter creates a router over the enabled providers.
func NewRouter(providers []config.ProviderConfig, breakerCfg breaker.Config, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}

	enabled := make([]config.ProviderConfig, 0, len(providers))
	for _, p := range providers {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})

	breakers := make(map[string]*breaker.Breaker, len(enabled))
	for _, p := range enabled {
		breakers[p.Name] = breaker.New(p.Name, breakerCfg)
	}

	return &Router{
		providers: enabled,
		breakers:  breakers,
		logger:    log.WithFields(zap.String("component", "provider-router")),
		health:    make(map[string]HealthStatus),
	}
}

// GetEnabledProviders returns enabled providers in ascending priority order.
func (r *Router) GetEnabledProviders() []config.ProviderConfig {
	out := make([]config.ProviderConfig, len(r.providers))
	copy(out, r.providers)
	return out
}

// SelectProvider returns the first provider, in priority order, whose breaker
// admits calls and whose last health snapshot is not unhealthy. When none
// qualifies, the highest-priority provider is returned with Degraded set.
func (r *Router) SelectProvider() (Selection, error) {
	if len(r.providers) == 0 {
		return Selection{}, ErrNoProviders
	}

	for _, p := range r.providers {
		if !r.breakers[p.Name].Allow() {
			continue
		}
		status, probed := r.Health(p.Name)
		if probed && !status.Healthy {
			continue
		}
		return Selection{Provider: p, Health: status}, nil
	}

	first := r.providers[0]
	status, _ := r.Health(first.Name)
	r.logger.Warn("all providers unhealthy or open, degrading to highest priority",
		zap.String("provider", first.Name))
	return Selection{Provider: first, Health: status, Degraded: true}, nil
}

// Usable reports whether a provider is currently worth attempting: breaker
// admits and the latest probe (if any) is healthy.
func (r *Router) Usable(name string) bool {
	b, ok := r.breakers[name]
	if !ok || !b.Allow() {
		return false
	}
	status, probed := r.Health(name)
	return !probed || status.Healthy
}

// RecordSuccess reports a successful provider call to its breaker.
func (r *Router) RecordSuccess(providerID string) {
	if b, ok := r.breakers[providerID]; ok {
		b.RecordSuccess()
	}
}

// RecordFailure reports a failed provider call to its breaker.
func (r *Router) RecordFailure(providerID string) {
	if b, ok := r.breakers[providerID]; ok {
		b.RecordFailure()
	}
}

// Breaker returns the breaker for a provider (nil when unknown).
func (r *Router) Breaker(providerID string) *breaker.Breaker {
	return r.breakers[providerID]
}

// SetHealth publishes a probe result; called by the health daemon.
func (r *Router) SetHealth(providerID string, status HealthStatus) {
	r.mu.Lock()
	r.health[providerID] = status
	r.mu.Unlock()
}

// Health returns the last published snapshot for a provider. The second
// return is false when the provider has never been probed.
func (r *Router) Health(providerID string) (HealthStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.health[providerID]
	return status, ok
}

// HealthSnapshot returns all published snapshots, keyed by provider name.
func (r *Router) HealthSnapshot() map[string]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthStatus, len(r.health))
	for k, v := range r.health {
		out[k] = v
	}
	return out
}

var _ RecordResult = (*Router)(nil)

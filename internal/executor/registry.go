package executor

import (
	"fmt"

	"github.com/romancircus/jinyang/internal/common/config"
	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/provider"
	"github.com/romancircus/jinyang/pkg/agentapi"
)

// TransportChat selects the request/response executor; every other type is
// treated as an event-stream provider speaking the session API.
const TransportChat = "chat"

// Factory builds executors for provider configs, injecting the breaker
// recorder so every executor reports call outcomes.
type Factory struct {
	recorder provider.RecordResult
	logger   *logger.Logger
}

// NewFactory creates an executor factory.
func NewFactory(recorder provider.RecordResult, log *logger.Logger) *Factory {
	if log == nil {
		log = logger.Default()
	}
	return &Factory{recorder: recorder, logger: log}
}

// Create builds the executor for a provider config.
func (f *Factory) Create(cfg config.ProviderConfig) (AgentExecutor, error) {
	switch cfg.Type {
	case TransportChat:
		return NewRequestResponseExecutor(cfg.Name, cfg.Type, cfg.Model, cfg.APIKey, cfg.Endpoint, f.recorder, f.logger), nil
	default:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("provider %s: event-stream providers require an endpoint", cfg.Name)
		}
		client := agentapi.NewClient(cfg.Endpoint, cfg.APIKey, f.logger)
		return NewEventStreamExecutor(cfg.Name, cfg.Type, cfg.Model, client, f.recorder, f.logger), nil
	}
}

// HealthCheckers builds the probe map for the health daemon from provider
// configs, reusing one executor per provider.
func (f *Factory) HealthCheckers(providers []config.ProviderConfig) (map[string]provider.HealthChecker, error) {
	checkers := make(map[string]provider.HealthChecker, len(providers))
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		exec, err := f.Create(p)
		if err != nil {
			return nil, err
		}
		checkers[p.Name] = exec
	}
	return checkers, nil
}

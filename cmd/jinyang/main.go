// Package main is the entry point for the jinyang orchestrator: it consumes
// issue-tracker webhooks and runs coding agents against isolated worktrees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/config"
	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/common/tracing"
	"github.com/romancircus/jinyang/internal/events/bus"
	"github.com/romancircus/jinyang/internal/executor"
	"github.com/romancircus/jinyang/internal/gateway"
	"github.com/romancircus/jinyang/internal/git"
	"github.com/romancircus/jinyang/internal/linear"
	"github.com/romancircus/jinyang/internal/orchestrator"
	"github.com/romancircus/jinyang/internal/provider"
	"github.com/romancircus/jinyang/internal/provider/breaker"
	"github.com/romancircus/jinyang/internal/provider/health"
	"github.com/romancircus/jinyang/internal/repos"
	"github.com/romancircus/jinyang/internal/scheduler"
	"github.com/romancircus/jinyang/internal/session"
	"github.com/romancircus/jinyang/internal/worktree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.LoadRepositoriesFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load repositories file: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting jinyang orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events.NATSURL, cfg.Events.MaxReconnects, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.Events.NATSURL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	gitSvc := git.NewService(log)

	worktrees, err := worktree.NewManager(worktree.Config{
		BasePath:    cfg.Worktree.BasePath,
		MinFreeMB:   cfg.Worktree.MinFreeMB,
		OrphanHours: cfg.Worktree.OrphanHours,
	}, gitSvc, log)
	if err != nil {
		log.Fatal("failed to initialize worktree manager", zap.Error(err))
	}

	sessions, err := session.NewFileStore(cfg.Sessions.BasePath, log)
	if err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}

	history, err := session.NewHistoryStore(cfg.Sessions.DBPath)
	if err != nil {
		log.Fatal("failed to open session history database", zap.Error(err))
	}
	defer func() { _ = history.Close() }()

	tracker := linear.NewGraphQLClient(linear.Config{
		APIKey:        cfg.Tracker.APIKey,
		Endpoint:      cfg.Tracker.Endpoint,
		RequestBudget: cfg.Tracker.RequestBudget,
		Timeout:       time.Duration(cfg.Tracker.TimeoutMs) * time.Millisecond,
		MaxRetries:    cfg.Tracker.MaxRetries,
	}, log)

	repositories, err := repos.FromConfig(cfg.Repositories)
	if err != nil {
		log.Fatal("invalid repository configuration", zap.Error(err))
	}
	repoRouter := repos.NewRouter(repositories, tracker, log)

	providerRouter := provider.NewRouter(cfg.Providers, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout(),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, log)

	factory := executor.NewFactory(providerRouter, log)

	checkers, err := factory.HealthCheckers(cfg.Providers)
	if err != nil {
		log.Fatal("failed to construct provider executors", zap.Error(err))
	}
	healthDaemon := health.NewDaemon(providerRouter, checkers, cfg.Breaker.ProbeInterval(), log)
	healthDaemon.Start(ctx)
	defer healthDaemon.Stop()

	sched := scheduler.New(ctx, cfg.Scheduler.MaxConcurrency, log)

	svc := orchestrator.New(orchestrator.Deps{
		AgentConfig: cfg.Agent,
		RepoRouter:  repoRouter,
		Scheduler:   sched,
		Worktrees:   worktrees,
		Git:         gitSvc,
		Tracker:     tracker,
		Providers:   providerRouter,
		Factory:     factory,
		Sessions:    sessions,
		History:     history,
		Bus:         eventBus,
		Logger:      log,
	})

	// Background housekeeping: orphaned worktrees and the session archive.
	go housekeeping(ctx, worktrees, sessions, cfg.Worktree.OrphanHours, log)

	hub, err := gateway.NewHub(eventBus, log)
	if err != nil {
		log.Fatal("failed to start websocket hub", zap.Error(err))
	}
	server := gateway.NewServer(cfg.Server, svc, providerRouter, sched, hub, log)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("gateway failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown failed", zap.Error(err))
	}
	repoRouter.ClearPending()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warn("scheduler drain incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("trace flush failed", zap.Error(err))
	}
	cancel()
	log.Info("shutdown complete")
}

// housekeeping periodically removes orphaned worktrees and prunes the
// session archive.
func housekeeping(ctx context.Context, worktrees *worktree.Manager, sessions *session.FileStore, orphanHours int, log *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := worktrees.CleanupOrphaned(time.Duration(orphanHours) * time.Hour); err != nil {
				log.Warn("orphan cleanup failed", zap.Error(err))
			} else if removed > 0 {
				log.Info("removed orphaned worktrees", zap.Int("count", removed))
			}
			if _, err := sessions.PruneArchive(); err != nil {
				log.Warn("archive prune failed", zap.Error(err))
			}
		}
	}
}

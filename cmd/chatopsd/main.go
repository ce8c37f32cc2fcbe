// Package main is the entry point for chatopsd, the chat orchestration
// daemon: it fans in platform events, supervises one assistant child
// process per thread, and exposes a small admin/health HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/api"
	"github.com/relaycode/chatops/internal/common/config"
	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/lifecycle"
	"github.com/relaycode/chatops/internal/persistence"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
	"github.com/relaycode/chatops/internal/session"
	"github.com/relaycode/chatops/internal/sessionmanager"
	"github.com/relaycode/chatops/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting chatopsd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the persistence store
	store, err := persistence.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open persistence store", zap.Error(err))
	}
	defer store.Close()
	log.Info("opened persistence store", zap.String("path", cfg.Database.Path))

	// 4. Internal event bus, worktree refcounter, post tracker, registry
	eventBus := bus.NewMemoryEventBus(log)
	worktrees := worktree.New()
	tracker := posttracker.New()
	registry := session.NewRegistry(store)

	// 5. Session Manager (nil process factory spawns the real assistant CLI)
	sm := sessionmanager.New(sessionmanager.Config{
		AssistantCommand:  cfg.Platform.AssistantCommand,
		AssistantArgs:     nil,
		DefaultWorkingDir: cfg.Platform.DefaultWorkingDir,
		FlushDebounce:     cfg.Session.FlushDebounce(),
		StopTimeout:       10 * time.Second,
	}, registry, eventBus, store, worktrees, tracker, log, nil)

	// 6. Register the configured platform adapter. A full chat-protocol
	// adapter (Mattermost/Slack RPC) is out of scope (spec.md §1); until one
	// is wired, the in-memory MockPlatform stands in as the one concrete
	// platform.Client, same shape a real adapter would plug into.
	client := platform.NewMockPlatform(cfg.Platform.ID)
	sm.RegisterPlatform(client)

	// 7. Background lifecycle tasks: Session Monitor + Background Cleanup
	runner := lifecycle.New(lifecycle.Config{
		CheckInterval:    cfg.Session.MonitorInterval(),
		CleanupInterval:  cfg.Session.CleanupInterval(),
		WarningThreshold: cfg.Session.IdleWarning(),
		TimeoutThreshold: cfg.Session.IdleTimeout(),
		HistoryRetention: time.Duration(cfg.Session.HistoryRetentionDays) * 24 * time.Hour,
		MaxWorktreeAge:   time.Duration(cfg.Session.MaxWorktreeAgeHours) * time.Hour,
	}, registry, sm, store, worktrees, log)

	go func() {
		if err := runner.Run(ctx); err != nil {
			log.Warn("lifecycle runner stopped", zap.Error(err))
		}
	}()

	// 8. Admin/health HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(log))
	router.Use(api.Recovery(log))
	router.Use(api.CORS())
	api.SetupRoutes(router, registry, log)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("admin http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("admin http server failed", zap.Error(err))
		}
	}()

	// 9. Wait for a shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down chatopsd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("admin http server shutdown error", zap.Error(err))
	}
	if err := sm.KillAll(shutdownCtx, "shutdown", nil, ""); err != nil {
		log.Error("failed to kill all sessions during shutdown", zap.Error(err))
	}

	log.Info("chatopsd stopped")
}

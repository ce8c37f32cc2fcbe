// Package lifecycle runs the two periodic background tasks (spec.md §4.14):
// the Session Monitor, which warns and then pauses idle sessions, and
// Background Cleanup, which prunes stale persisted sessions, history, and
// orphaned worktrees. Both run under one cancellable golang.org/x/sync/errgroup
// group inside Run, which blocks until its context is cancelled.
package lifecycle

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/session"
	"github.com/relaycode/chatops/internal/worktree"
	"go.uber.org/zap"
)

// Controller is the subset of Session Manager behavior the monitor needs to
// act on a session without owning the platform adapter itself.
type Controller interface {
	PauseSession(ctx context.Context, s *session.Session, reason string) error
	RefreshStickyMessages(ctx context.Context) error
}

// PersistenceCleaner is the subset of the persistence contract Background
// Cleanup drives.
type PersistenceCleaner interface {
	CleanStale(ctx context.Context, maxAge time.Duration) (int64, error)
	CleanHistory(ctx context.Context, retention time.Duration) (int64, error)
}

// Config carries the tunables both tasks read (spec.md §4.14).
type Config struct {
	CheckInterval    time.Duration
	CleanupInterval  time.Duration
	WarningThreshold time.Duration
	TimeoutThreshold time.Duration
	HistoryRetention time.Duration
	MaxWorktreeAge   time.Duration
}

// Runner owns both background tasks.
type Runner struct {
	cfg        Config
	registry   *session.Registry
	controller Controller
	persist    PersistenceCleaner
	worktrees  *worktree.Refcounter
	log        *logger.Logger
}

// New creates a Runner. persist and worktrees may be nil to disable the
// corresponding cleanup sub-step (e.g. in tests).
func New(cfg Config, registry *session.Registry, controller Controller, persist PersistenceCleaner, worktrees *worktree.Refcounter, log *logger.Logger) *Runner {
	return &Runner{cfg: cfg, registry: registry, controller: controller, persist: persist, worktrees: worktrees, log: log}
}

// Run blocks until ctx is cancelled, running the Session Monitor and
// Background Cleanup concurrently under one errgroup.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.runMonitor(ctx) })
	g.Go(func() error { return r.runCleanup(ctx) })
	return g.Wait()
}

func (r *Runner) runMonitor(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.checkOnce(ctx)
		}
	}
}

func (r *Runner) checkOnce(ctx context.Context) {
	for _, s := range r.registry.All() {
		if s.GetState() != session.LifecycleActive && s.GetState() != session.LifecycleIdle {
			continue
		}
		idle := s.IdleFor()
		switch {
		case idle >= r.cfg.TimeoutThreshold:
			if err := r.controller.PauseSession(ctx, s, "idle timeout"); err != nil {
				r.log.Warn("failed to pause idle session", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
			}
		case idle >= r.cfg.WarningThreshold:
			s.SetState(session.LifecycleIdle)
			if s.TimeoutWarningPosted {
				continue
			}
			if s.Messages != nil {
				if _, err := s.Messages.System.Warning(ctx, "this session has been idle for a while and will pause soon"); err != nil {
					r.log.Warn("failed to post idle warning", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
					continue
				}
			}
			s.TimeoutWarningPosted = true
		}
	}

	if err := r.controller.RefreshStickyMessages(ctx); err != nil {
		r.log.Warn("failed to refresh sticky channel messages", zap.Error(err))
	}
}

func (r *Runner) runCleanup(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.cleanupOnce(ctx)
		}
	}
}

func (r *Runner) cleanupOnce(ctx context.Context) {
	if r.persist != nil {
		if n, err := r.persist.CleanStale(ctx, 2*r.cfg.TimeoutThreshold); err != nil {
			r.log.Warn("background cleanup: clean stale sessions failed", zap.Error(err))
		} else if n > 0 {
			r.log.Info("background cleanup: pruned stale persisted sessions", zap.Int64("count", n))
		}

		if n, err := r.persist.CleanHistory(ctx, r.cfg.HistoryRetention); err != nil {
			r.log.Warn("background cleanup: clean history failed", zap.Error(err))
		} else if n > 0 {
			r.log.Info("background cleanup: hard-deleted old history entries", zap.Int64("count", n))
		}
	}

	if r.worktrees != nil {
		cutoff := time.Now().Add(-r.cfg.MaxWorktreeAge)
		stale := r.worktrees.StaleBefore(cutoff)
		for _, info := range stale {
			r.worktrees.Remove(info)
		}
		if len(stale) > 0 {
			r.log.Info("background cleanup: swept stale unreferenced worktrees", zap.Int("count", len(stale)))
		}
	}
}

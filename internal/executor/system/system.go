// Package system implements the System Executor (spec.md §4.10): posts
// one-off info/warning/error/success messages and tracks the ephemeral
// ones so they can be cleaned up when a session ends.
package system

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

// Level is the severity of a system post.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

var levelPrefix = map[Level]string{
	LevelInfo:    "ℹ",
	LevelWarning: "⚠",
	LevelError:   "✗",
	LevelSuccess: "✓",
}

// Executor posts ephemeral status messages for one session thread.
type Executor struct {
	platform platform.Client
	tracker  *posttracker.Tracker
	log      *logger.Logger
	threadID string

	mu        sync.Mutex
	ephemeral []string
}

// New creates a System Executor.
func New(client platform.Client, tracker *posttracker.Tracker, log *logger.Logger, threadID string) *Executor {
	return &Executor{platform: client, tracker: tracker, log: log, threadID: threadID}
}

// Post creates a one-off status post and tracks it as ephemeral.
func (e *Executor) Post(ctx context.Context, level Level, message string) (string, error) {
	content := fmt.Sprintf("%s %s", levelPrefix[level], message)
	post, err := e.platform.CreatePost(ctx, content, e.threadID)
	if err != nil {
		return "", err
	}
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindSystem})
	e.mu.Lock()
	e.ephemeral = append(e.ephemeral, post.ID)
	e.mu.Unlock()
	return post.ID, nil
}

func (e *Executor) Info(ctx context.Context, message string) (string, error) {
	return e.Post(ctx, LevelInfo, message)
}

func (e *Executor) Warning(ctx context.Context, message string) (string, error) {
	return e.Post(ctx, LevelWarning, message)
}

func (e *Executor) Error(ctx context.Context, message string) (string, error) {
	return e.Post(ctx, LevelError, message)
}

func (e *Executor) Success(ctx context.Context, message string) (string, error) {
	return e.Post(ctx, LevelSuccess, message)
}

// CleanupEphemeral deletes every ephemeral post created by this executor,
// e.g. when a session ends, and clears the tracked list.
func (e *Executor) CleanupEphemeral(ctx context.Context) {
	e.mu.Lock()
	ids := e.ephemeral
	e.ephemeral = nil
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.platform.DeletePost(ctx, id); err != nil {
			e.log.Warn("failed to clean up ephemeral system post", zap.String("post_id", id), zap.Error(err))
			continue
		}
		e.tracker.Unregister(id)
	}
}

// EphemeralCount returns how many ephemeral posts are tracked (tests/diagnostics).
func (e *Executor) EphemeralCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ephemeral)
}

// Snapshot is the persistable state of a System Executor.
type Snapshot struct {
	Ephemeral []string
}

// Snapshot returns the persistable state.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Ephemeral: append([]string{}, e.ephemeral...)}
}

// Hydrate restores state from a persisted Snapshot.
func (e *Executor) Hydrate(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ephemeral = append([]string{}, s.Ephemeral...)
}

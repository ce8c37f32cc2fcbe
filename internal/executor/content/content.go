// Package content implements the Content Executor (spec.md §4.3): the core
// of the streaming path, turning a sequence of append/flush operations from
// the assistant into chat posts with low perceived latency and no
// duplicate posts.
package content

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/contentbreaker"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

// FlushReason records why a flush happened, for logging/metrics.
type FlushReason string

const (
	ReasonSoftThreshold FlushReason = "soft_threshold"
	ReasonHardThreshold FlushReason = "hard_threshold"
	ReasonLogicalBreak  FlushReason = "logical_break"
	ReasonResult        FlushReason = "result"
	ReasonToolComplete  FlushReason = "tool_complete"
	ReasonExplicit      FlushReason = "explicit"
)

// TaskListRepurposer lets the Content Executor ask the Task List Executor
// whether its current post can be repurposed to hold new content, instead
// of creating an extra post (spec.md §4.3, §4.4 bump_and_get_old_post).
type TaskListRepurposer interface {
	BumpAndGetOldPost(ctx context.Context, newContent string) (postID string, ok bool)
}

// Snapshot is the persistable state of a Content Executor.
type Snapshot struct {
	CurrentPostID      string
	CurrentPostContent string
}

// Executor streams assistant text into chat posts.
type Executor struct {
	platform platform.Client
	tracker  *posttracker.Tracker
	breaker  *contentbreaker.Breaker
	taskList TaskListRepurposer
	log      *logger.Logger
	threadID string

	softThreshold int
	hardThreshold int
	debounce      time.Duration

	mu                 sync.Mutex
	currentPostID      string
	currentPostContent string
	pendingContent     string

	timerMu    sync.Mutex
	timer      *time.Timer
	suppressed bool
}

// New creates a Content Executor for one session thread.
func New(client platform.Client, tracker *posttracker.Tracker, taskList TaskListRepurposer, log *logger.Logger, threadID string, debounce time.Duration) *Executor {
	limits := client.GetMessageLimits()
	return &Executor{
		platform:      client,
		tracker:       tracker,
		breaker:       contentbreaker.New(),
		taskList:      taskList,
		log:           log,
		threadID:      threadID,
		softThreshold: limits.MaxLength,
		hardThreshold: limits.HardThreshold,
		debounce:      debounce,
	}
}

// CurrentPostID returns the post currently being streamed into, if any.
func (e *Executor) CurrentPostID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPostID
}

// Append concatenates text to the pending buffer and schedules a debounced
// flush, flushing immediately if the combined size exceeds hardThreshold.
func (e *Executor) Append(ctx context.Context, text string) {
	e.mu.Lock()
	e.pendingContent += text
	combinedLen := len(e.currentPostContent) + len(e.pendingContent)
	e.mu.Unlock()

	e.timerMu.Lock()
	e.suppressed = false
	e.timerMu.Unlock()

	if combinedLen > e.hardThreshold {
		e.stopTimer()
		_ = e.Flush(ctx, ReasonHardThreshold)
		return
	}
	e.scheduleFlush(ctx)
}

// Cancel drops any scheduled flush and suppresses further debounced flushes
// until the next Append call. State otherwise stays consistent.
func (e *Executor) Cancel() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.suppressed = true
}

func (e *Executor) stopTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Executor) scheduleFlush(ctx context.Context) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.suppressed || e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		e.timerMu.Lock()
		e.timer = nil
		e.timerMu.Unlock()
		_ = e.Flush(ctx, ReasonSoftThreshold)
	})
}

// Flush commits pendingContent to the platform. See updateOrCreateLocked,
// splitAndPostLocked and handleUpdateFailureLocked for the update-in-place
// vs split-and-post decision and failure semantics.
func (e *Executor) Flush(ctx context.Context, reason FlushReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingContent == "" {
		return nil
	}

	combined := e.currentPostContent + e.pendingContent
	if len(combined) <= e.softThreshold {
		return e.updateOrCreateLocked(ctx, combined)
	}
	return e.splitAndPostLocked(ctx, combined, reason)
}

func (e *Executor) updateOrCreateLocked(ctx context.Context, combined string) error {
	if e.currentPostID == "" {
		return e.createPostLocked(ctx, combined)
	}
	if _, err := e.platform.UpdatePost(ctx, e.currentPostID, combined); err != nil {
		return e.handleUpdateFailureLocked(ctx, combined, err)
	}
	e.currentPostContent = combined
	e.pendingContent = ""
	return nil
}

// handleUpdateFailureLocked implements the §4.3 failure semantics: a failed
// updatePost triggers delete-and-replace; if delete also fails, null the
// post reference and warn. Never create a duplicate within this call — the
// next append retries.
func (e *Executor) handleUpdateFailureLocked(ctx context.Context, combined string, updateErr error) error {
	oldID := e.currentPostID
	if delErr := e.platform.DeletePost(ctx, oldID); delErr != nil {
		e.log.Warn("content post delete failed after update failure, dropping reference",
			zap.String("post_id", oldID), zap.Error(delErr))
	}
	e.tracker.Unregister(oldID)
	e.currentPostID = ""
	e.currentPostContent = ""
	e.pendingContent = combined
	return updateErr
}

func (e *Executor) createPostLocked(ctx context.Context, content string) error {
	if e.taskList != nil {
		if postID, ok := e.taskList.BumpAndGetOldPost(ctx, content); ok {
			e.currentPostID = postID
			e.currentPostContent = content
			e.pendingContent = ""
			e.tracker.Register(postID, posttracker.Meta{Kind: posttracker.KindContent})
			return nil
		}
	}
	post, err := e.platform.CreatePost(ctx, content, e.threadID)
	if err != nil {
		return err
	}
	e.currentPostID = post.ID
	e.currentPostContent = content
	e.pendingContent = ""
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindContent})
	return nil
}

// splitAndPostLocked breaks combined into chunks via the Content Breaker.
// Every chunk but the last becomes a committed post; the last becomes the
// new currentPostId. If an existing post is live, its first chunk updates
// that post in place rather than creating an extra one.
func (e *Executor) splitAndPostLocked(ctx context.Context, combined string, reason FlushReason) error {
	remaining := combined
	first := true
	for {
		chunk, rest := e.breaker.Break(remaining, e.softThreshold, e.hardThreshold)
		if rest == "" {
			return e.updateOrCreateLocked(ctx, chunk)
		}

		if first && e.currentPostID != "" {
			if _, err := e.platform.UpdatePost(ctx, e.currentPostID, chunk); err != nil {
				return e.handleUpdateFailureLocked(ctx, remaining, err)
			}
			e.tracker.Register(e.currentPostID, posttracker.Meta{Kind: posttracker.KindContent})
			e.currentPostID = ""
			e.currentPostContent = ""
		} else {
			post, err := e.platform.CreatePost(ctx, chunk, e.threadID)
			if err != nil {
				e.log.Warn("content split post failed, remainder kept pending",
					zap.String("reason", string(reason)), zap.Error(err))
				e.pendingContent = rest
				return err
			}
			e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindContent})
		}

		first = false
		remaining = rest
	}
}

// Snapshot returns the persistable state.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{CurrentPostID: e.currentPostID, CurrentPostContent: e.currentPostContent}
}

// Hydrate restores state from a persisted Snapshot.
func (e *Executor) Hydrate(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentPostID = s.CurrentPostID
	e.currentPostContent = s.CurrentPostContent
	e.pendingContent = ""
}

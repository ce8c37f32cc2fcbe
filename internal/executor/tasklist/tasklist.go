// Package tasklist implements the Task List Executor (spec.md §4.4): an
// always-current checklist that floats to the bottom of the thread, with a
// toggleable minimized view and a progress indicator.
package tasklist

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/relaycode/chatops/internal/assistant"
	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

// State is the Task List's state machine position (spec.md §4.16).
type State string

const (
	StateNoList            State = "no_list"
	StateRenderedExpanded  State = "rendered_expanded"
	StateRenderedMinimized State = "rendered_minimized"
	StateCompleted         State = "completed"
)

// Snapshot is the persistable state (spec.md §4.4: in-progress start time
// is explicitly not persisted).
type Snapshot struct {
	PostID      string
	LastContent string
	Completed   bool
	Minimized   bool
}

// Executor renders and bumps the task-list post for one session thread.
type Executor struct {
	platform platform.Client
	tracker  *posttracker.Tracker
	log      *logger.Logger
	threadID string

	mu          sync.Mutex
	state       State
	postID      string
	lastContent string
	minimized   bool
	completed   bool
	tasks       []assistant.TaskItem

	// bumpFIFO approximates the spec's "FIFO mutex": Go's runtime switches a
	// contended sync.Mutex into starvation mode, handing it to waiters in
	// roughly arrival order, which is what the serialization invariant needs.
	bumpFIFO  sync.Mutex
	bumpGroup singleflight.Group
}

// New creates a Task List Executor for one session thread.
func New(client platform.Client, tracker *posttracker.Tracker, log *logger.Logger, threadID string) *Executor {
	return &Executor{
		platform: client,
		tracker:  tracker,
		log:      log,
		threadID: threadID,
		state:    StateNoList,
	}
}

func progress(tasks []assistant.TaskItem) (completed, total int) {
	total = len(tasks)
	for _, task := range tasks {
		if task.Status == assistant.TaskCompleted {
			completed++
		}
	}
	return completed, total
}

func icon(status assistant.TaskStatus) string {
	switch status {
	case assistant.TaskCompleted:
		return "[x]"
	case assistant.TaskInProgress:
		return "[~]"
	default:
		return "[ ]"
	}
}

func renderExpanded(tasks []assistant.TaskItem) string {
	completed, total := progress(tasks)
	pct := 0
	if total > 0 {
		pct = completed * 100 / total
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks (%d/%d · %d%%)\n", completed, total, pct)
	for _, task := range tasks {
		label := task.Content
		if task.Status == assistant.TaskInProgress && task.ActiveForm != "" {
			label = task.ActiveForm
		}
		fmt.Fprintf(&b, "%s %s\n", icon(task.Status), label)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMinimized(tasks []assistant.TaskItem) string {
	completed, total := progress(tasks)
	pct := 0
	if total > 0 {
		pct = completed * 100 / total
	}
	return fmt.Sprintf("Tasks: %d/%d · %d%%", completed, total, pct)
}

func (e *Executor) renderLocked() string {
	if e.minimized {
		return renderMinimized(e.tasks)
	}
	return renderExpanded(e.tasks)
}

func (e *Executor) stateForMinimize() State {
	if e.minimized {
		return StateRenderedMinimized
	}
	return StateRenderedExpanded
}

// Update renders the current task list and either updates the existing post
// or creates a new one.
func (e *Executor) Update(ctx context.Context, tasks []assistant.TaskItem) error {
	e.mu.Lock()
	e.tasks = tasks
	content := e.renderLocked()
	e.lastContent = content
	postID := e.postID
	e.mu.Unlock()

	if postID == "" {
		return e.createLocked(ctx, content)
	}
	return e.updateInPlace(ctx, postID, content)
}

func (e *Executor) createLocked(ctx context.Context, content string) error {
	post, err := e.platform.CreateInteractivePost(ctx, content, []string{platform.EmojiMinimizeToggle}, e.threadID)
	if err != nil {
		return err
	}
	if err := e.platform.PinPost(ctx, post.ID); err != nil {
		e.log.Warn("failed to pin new task list post", zap.String("post_id", post.ID), zap.Error(err))
	}
	e.mu.Lock()
	e.postID = post.ID
	e.state = e.stateForMinimize()
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindTaskList})
	return nil
}

// updateInPlace implements the §4.4 failure recovery rule: a failed update
// is followed by delete-then-create; if both fail, the post reference is
// nulled and a warning logged — never a duplicate while the old one may
// still exist.
func (e *Executor) updateInPlace(ctx context.Context, postID, content string) error {
	if _, err := e.platform.UpdatePost(ctx, postID, content); err == nil {
		return nil
	}

	if delErr := e.platform.DeletePost(ctx, postID); delErr != nil {
		e.mu.Lock()
		e.postID = ""
		e.mu.Unlock()
		e.log.Warn("task list update and delete both failed, post reference dropped",
			zap.String("post_id", postID), zap.Error(delErr))
		return delErr
	}
	e.tracker.Unregister(postID)
	e.mu.Lock()
	e.postID = ""
	e.mu.Unlock()
	return e.createLocked(ctx, content)
}

// Complete renders the final list and transitions to completed, unpinning
// the post.
func (e *Executor) Complete(ctx context.Context, tasks []assistant.TaskItem) error {
	e.mu.Lock()
	e.tasks = tasks
	content := e.renderLocked()
	e.lastContent = content
	postID := e.postID
	e.completed = true
	e.state = StateCompleted
	e.mu.Unlock()

	if postID == "" {
		return e.createLocked(ctx, content)
	}
	if err := e.updateInPlace(ctx, postID, content); err != nil {
		return err
	}
	if err := e.platform.UnpinPost(ctx, postID); err != nil {
		e.log.Warn("failed to unpin completed task list post", zap.String("post_id", postID), zap.Error(err))
	}
	return nil
}

// ToggleMinimize swaps between the full and single-line summarized view.
func (e *Executor) ToggleMinimize(ctx context.Context) error {
	e.mu.Lock()
	e.minimized = !e.minimized
	content := e.renderLocked()
	e.lastContent = content
	postID := e.postID
	if !e.completed {
		e.state = e.stateForMinimize()
	}
	e.mu.Unlock()

	if postID == "" {
		return nil
	}
	return e.updateInPlace(ctx, postID, content)
}

// BumpToBottom deletes the current post and re-creates it at the bottom of
// the thread, returning the old post id. Concurrent triggers are serialized
// per invariant I3: a bump that observes the post already moved is a no-op.
// Uses its own singleflight key, distinct from BumpAndGetOldPost's, so a
// concurrent call to the other operation never hands this one a result it
// didn't actually produce (delete vs. repurpose are not interchangeable).
func (e *Executor) BumpToBottom(ctx context.Context) (string, error) {
	result, err, _ := e.bumpGroup.Do("bump:delete", func() (interface{}, error) {
		return e.bumpLocked(ctx, nil)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// BumpAndGetOldPost bumps the task list and tries to repurpose the old post
// to hold newContent instead of discarding it, saving the caller (typically
// the Content Executor) an extra post. Returns the repurposed post id, or
// ok=false if there was nothing to repurpose or repurposing failed.
func (e *Executor) BumpAndGetOldPost(ctx context.Context, newContent string) (string, bool) {
	result, err, _ := e.bumpGroup.Do("bump:repurpose", func() (interface{}, error) {
		return e.bumpLocked(ctx, &newContent)
	})
	if err != nil {
		return "", false
	}
	old := result.(string)
	if old == "" {
		return "", false
	}
	return old, true
}

func (e *Executor) bumpLocked(ctx context.Context, repurposeContent *string) (string, error) {
	e.mu.Lock()
	captured := e.postID
	content := e.lastContent
	e.mu.Unlock()

	e.bumpFIFO.Lock()
	defer e.bumpFIFO.Unlock()

	e.mu.Lock()
	if e.postID != captured {
		// Someone else already bumped this post; no-op per invariant I3.
		e.mu.Unlock()
		return "", nil
	}
	old := e.postID
	e.mu.Unlock()

	if old == "" {
		return "", nil
	}

	if repurposeContent != nil {
		if _, err := e.platform.UpdatePost(ctx, old, *repurposeContent); err != nil {
			return "", nil // repurposing failed; caller creates its own post
		}
		e.tracker.Register(old, posttracker.Meta{Kind: posttracker.KindContent})
	} else {
		if err := e.platform.DeletePost(ctx, old); err != nil {
			e.log.Warn("task list bump delete failed", zap.String("post_id", old), zap.Error(err))
			return "", err
		}
		e.tracker.Unregister(old)
	}

	post, err := e.platform.CreateInteractivePost(ctx, content, []string{platform.EmojiMinimizeToggle}, e.threadID)
	if err != nil {
		e.mu.Lock()
		e.postID = ""
		e.mu.Unlock()
		e.log.Warn("task list bump failed to create replacement post", zap.Error(err))
		return old, err
	}
	if err := e.platform.PinPost(ctx, post.ID); err != nil {
		e.log.Warn("failed to pin bumped task list post", zap.String("post_id", post.ID), zap.Error(err))
	}

	e.mu.Lock()
	e.postID = post.ID
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindTaskList})

	return old, nil
}

// HandleMinimizeReaction toggles minimize state when the reaction on
// postID is the minimize-toggle emoji and belongs to this executor's post.
func (e *Executor) HandleMinimizeReaction(ctx context.Context, postID, emoji string) (handled bool, err error) {
	e.mu.Lock()
	owns := e.postID == postID
	e.mu.Unlock()
	if !owns || emoji != platform.EmojiMinimizeToggle {
		return false, nil
	}
	return true, e.ToggleMinimize(ctx)
}

// PostID returns the currently live task list post, if any.
func (e *Executor) PostID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.postID
}

// State returns the current state machine position.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the persistable state.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		PostID:      e.postID,
		LastContent: e.lastContent,
		Completed:   e.completed,
		Minimized:   e.minimized,
	}
}

// Hydrate restores state from a persisted Snapshot.
func (e *Executor) Hydrate(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postID = s.PostID
	e.lastContent = s.LastContent
	e.completed = s.Completed
	e.minimized = s.Minimized
	switch {
	case s.Completed:
		e.state = StateCompleted
	case s.PostID == "":
		e.state = StateNoList
	case s.Minimized:
		e.state = StateRenderedMinimized
	default:
		e.state = StateRenderedExpanded
	}
}

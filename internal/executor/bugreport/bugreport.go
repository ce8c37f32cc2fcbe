// Package bugreport implements the Bug Report Executor (spec.md §4.9): at
// most one pending bug report, resolved by an approve/deny reaction.
package bugreport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

const SubjectComplete = "bug_report.complete"

// Report is a pending bug report awaiting approval.
type Report struct {
	PostID          string
	Title           string
	Body            string
	UserDescription string
	ImageURLs       []string
	ImageErrors     []string
	ErrorContext    string // optional reference to a prior failing post
}

// Executor holds the single pending bug report for one session thread.
type Executor struct {
	platform platform.Client
	tracker  *posttracker.Tracker
	events   bus.EventBus
	log      *logger.Logger
	threadID string

	mu      sync.Mutex
	pending *Report
}

// New creates a Bug Report Executor.
func New(client platform.Client, tracker *posttracker.Tracker, events bus.EventBus, log *logger.Logger, threadID string) *Executor {
	return &Executor{platform: client, tracker: tracker, events: events, log: log, threadID: threadID}
}

func render(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Bug report: %s**\n\n%s", r.Title, r.Body)
	if r.UserDescription != "" {
		fmt.Fprintf(&b, "\n\n> %s", r.UserDescription)
	}
	if r.ErrorContext != "" {
		fmt.Fprintf(&b, "\n\nRelated to: %s", r.ErrorContext)
	}
	for _, url := range r.ImageURLs {
		fmt.Fprintf(&b, "\n- image: %s", url)
	}
	for _, e := range r.ImageErrors {
		fmt.Fprintf(&b, "\n- image failed: %s", e)
	}
	return b.String()
}

// Request posts a bug-report approval prompt. A duplicate request while one
// is already pending is dropped and logged.
func (e *Executor) Request(ctx context.Context, report Report) error {
	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		e.log.Warn("bug report already pending, dropping duplicate request", zap.String("title", report.Title))
		return nil
	}
	e.mu.Unlock()

	post, err := e.platform.CreateInteractivePost(ctx, render(&report), []string{platform.EmojiApprove, platform.EmojiDeny}, e.threadID)
	if err != nil {
		return err
	}
	report.PostID = post.ID

	e.mu.Lock()
	e.pending = &report
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindBugReport})
	return nil
}

// HandleReaction resolves the pending bug report if postID matches it.
func (e *Executor) HandleReaction(ctx context.Context, postID, emojiCategory string, action platform.ReactionAction) (handled bool, err error) {
	e.mu.Lock()
	r := e.pending
	e.mu.Unlock()
	if r == nil || r.PostID != postID {
		return false, nil
	}
	if action != platform.ReactionAdded {
		return true, nil
	}

	var approve bool
	switch emojiCategory {
	case platform.EmojiApprove:
		approve = true
	case platform.EmojiDeny:
		approve = false
	default:
		return true, nil
	}

	label := "declined"
	if approve {
		label = "submitted"
	}
	if _, err := e.platform.UpdatePost(ctx, r.PostID, render(r)+"\n\nDecision: "+label); err != nil {
		return true, err
	}

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()

	if e.events == nil {
		return true, nil
	}
	event := bus.NewEvent("bug_report_complete", "bug-report-executor", map[string]interface{}{
		"threadId": e.threadID,
		"approve":  approve,
		"report":   r,
	})
	return true, e.events.Publish(ctx, SubjectComplete, event)
}

// HasPending reports whether a bug report is in flight.
func (e *Executor) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Snapshot is the persistable state of a Bug Report Executor.
type Snapshot struct {
	Pending *Report
}

// Snapshot returns the persistable state.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return Snapshot{}
	}
	r := *e.pending
	return Snapshot{Pending: &r}
}

// Hydrate restores state from a persisted Snapshot.
func (e *Executor) Hydrate(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = s.Pending
}

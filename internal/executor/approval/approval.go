// Package approval implements the Message Approval Executor (spec.md §4.7):
// at most one pending message-relay approval, resolved by a reaction.
package approval

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

const SubjectComplete = "message_approval.complete"

// Decision is the outcome of a message approval.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionInvite Decision = "invite"
	DecisionDeny   Decision = "deny"
)

// Pending is the at-most-one pending approval (spec.md §4.7).
type Pending struct {
	PostID          string
	FromUser        string
	OriginalMessage string
}

// Executor holds the single pending message approval for one session thread.
type Executor struct {
	platform platform.Client
	tracker  *posttracker.Tracker
	events   bus.EventBus
	log      *logger.Logger
	threadID string

	mu      sync.Mutex
	pending *Pending
}

// New creates a Message Approval Executor.
func New(client platform.Client, tracker *posttracker.Tracker, events bus.EventBus, log *logger.Logger, threadID string) *Executor {
	return &Executor{platform: client, tracker: tracker, events: events, log: log, threadID: threadID}
}

// Request posts a message-approval prompt. A duplicate request while one is
// already pending is dropped and logged.
func (e *Executor) Request(ctx context.Context, fromUser, originalMessage string) error {
	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		e.log.Warn("message approval already pending, dropping duplicate request", zap.String("from_user", fromUser))
		return nil
	}
	e.mu.Unlock()

	content := fmt.Sprintf("Message from **%s** awaiting approval:\n\n%s", fromUser, originalMessage)
	post, err := e.platform.CreateInteractivePost(ctx, content, []string{platform.EmojiApprove, platform.EmojiAllowAll, platform.EmojiDeny}, e.threadID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pending = &Pending{PostID: post.ID, FromUser: fromUser, OriginalMessage: originalMessage}
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindMessageAppr})
	return nil
}

// HandleReaction resolves the pending approval if postID matches it.
func (e *Executor) HandleReaction(ctx context.Context, postID, emojiCategory string, action platform.ReactionAction) (handled bool, err error) {
	e.mu.Lock()
	p := e.pending
	e.mu.Unlock()
	if p == nil || p.PostID != postID {
		return false, nil
	}
	if action != platform.ReactionAdded {
		return true, nil
	}

	var decision Decision
	switch emojiCategory {
	case platform.EmojiApprove:
		decision = DecisionAllow
	case platform.EmojiAllowAll:
		decision = DecisionInvite
	case platform.EmojiDeny:
		decision = DecisionDeny
	default:
		return true, nil
	}

	if _, err := e.platform.UpdatePost(ctx, p.PostID, fmt.Sprintf("%s\n\nDecision: %s", p.OriginalMessage, decision)); err != nil {
		return true, err
	}

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()

	if e.events == nil {
		return true, nil
	}
	event := bus.NewEvent("message_approval_complete", "message-approval-executor", map[string]interface{}{
		"threadId":        e.threadID,
		"decision":        string(decision),
		"fromUser":        p.FromUser,
		"originalMessage": p.OriginalMessage,
	})
	return true, e.events.Publish(ctx, SubjectComplete, event)
}

// HasPending reports whether an approval is in flight.
func (e *Executor) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Snapshot is the persistable state of a Message Approval Executor.
type Snapshot struct {
	Pending *Pending
}

// Snapshot returns the persistable state.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return Snapshot{}
	}
	p := *e.pending
	return Snapshot{Pending: &p}
}

// Hydrate restores state from a persisted Snapshot.
func (e *Executor) Hydrate(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = s.Pending
}

// Package appctx provides the explicit per-operation context struct threaded
// through executors and the Message Manager, replacing the ambient
// "session-holds-everything" pattern the teacher's per-session singletons
// imply. See spec.md §9: "Per-session singletons with ambient logger →
// explicit context struct passed to every operation."
package appctx

import (
	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/contentbreaker"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

// Context carries everything an executor or the Message Manager needs to
// perform one operation, without reaching into session-global state.
type Context struct {
	SessionID  string
	ThreadID   string
	PlatformID string

	Logger         *logger.Logger
	PostTracker    *posttracker.Tracker
	ContentBreaker *contentbreaker.Breaker
	Platform       platform.Client
}

// WithPostID returns a copy of the Context whose Logger has the post_id field set.
func (c Context) WithPostID(postID string) Context {
	c.Logger = c.Logger.WithPostID(postID)
	return c
}

// New builds a Context for a single session/thread pair.
func New(sessionID, threadID, platformID string, log *logger.Logger, tracker *posttracker.Tracker, breaker *contentbreaker.Breaker, client platform.Client) Context {
	return Context{
		SessionID:      sessionID,
		ThreadID:       threadID,
		PlatformID:     platformID,
		Logger:         log.WithSessionID(sessionID).WithThreadID(threadID),
		PostTracker:    tracker,
		ContentBreaker: breaker,
		Platform:       client,
	}
}

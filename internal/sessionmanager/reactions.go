package sessionmanager

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/session"
)

// handleReaction dispatches a platform reaction event: first to the
// session-root and lifecycle posts the Session Manager itself owns, then to
// whichever session's Message Manager claims the post (spec.md §4.13, §4.11
// chain of responsibility).
func (m *Manager) handleReaction(ctx context.Context, client platform.Client, r platform.Reaction) {
	if s, ok := m.registry.SessionForPost(r.PostID); ok {
		switch r.PostID {
		case s.SessionStartPostID:
			m.handleSessionRootReaction(ctx, s, r)
			return
		case s.LifecyclePostID:
			m.handleLifecycleReaction(ctx, s, r)
			return
		}
	}

	for _, s := range m.registry.All() {
		if s.ID.PlatformID != client.ID() {
			continue
		}
		handled, err := s.Messages.HandleReaction(ctx, r.PostID, r.Emoji, r.User, r.Action)
		if err != nil {
			m.log.Warn("executor reaction handling failed",
				zap.String("thread_id", s.ID.ThreadID), zap.String("post_id", r.PostID), zap.Error(err))
		}
		if handled {
			s.Touch()
			m.persistSession(ctx, s)
			return
		}
	}
}

func (m *Manager) handleSessionRootReaction(ctx context.Context, s *session.Session, r platform.Reaction) {
	if r.Action != platform.ReactionAdded {
		return
	}
	switch r.Emoji {
	case platform.EmojiCancel:
		if err := m.KillSession(ctx, s, r.User.Username); err != nil {
			m.log.Warn("failed to kill session from cancel reaction", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
		}
	case platform.EmojiEscape:
		if err := m.InterruptSession(ctx, s); err != nil {
			m.log.Warn("failed to interrupt session from escape reaction", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
		}
	}
}

func (m *Manager) handleLifecycleReaction(ctx context.Context, s *session.Session, r platform.Reaction) {
	if r.Action != platform.ReactionAdded || r.Emoji != platform.EmojiResume {
		return
	}
	if err := m.ResumeSession(ctx, s); err != nil {
		m.log.Warn("failed to resume session from lifecycle reaction", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
	}
}

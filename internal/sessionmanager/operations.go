package sessionmanager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/assistant"
	"github.com/relaycode/chatops/internal/common/appctx"
	"github.com/relaycode/chatops/internal/contentbreaker"
	"github.com/relaycode/chatops/internal/executor/content"
	"github.com/relaycode/chatops/internal/messagemanager"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
	"github.com/relaycode/chatops/internal/session"
	"github.com/relaycode/chatops/pkg/ids"
)

// StartSession creates a new Session, posts its session-root message, and
// spawns the assistant child process (spec.md §4.13 "start").
func (m *Manager) StartSession(ctx context.Context, client platform.Client, id ids.Composite, owner platform.User, promptText string) error {
	if _, ok := m.registry.Get(id); ok {
		return fmt.Errorf("sessionmanager: session %s already active", id)
	}

	debounce := m.cfg.FlushDebounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	messages := messagemanager.New(client, m.tracker, m.events, m.log, id.ThreadID, debounce)
	s := session.New(id, owner.Username, owner.DisplayName, messages)
	s.SessionNumber = m.nextSessionNumber()
	s.WorkingDir = m.cfg.DefaultWorkingDir
	s.FirstPrompt = promptText

	post, err := client.CreateInteractivePost(ctx, sessionRootContent(s), []string{platform.EmojiCancel, platform.EmojiEscape}, id.ThreadID)
	if err != nil {
		return fmt.Errorf("sessionmanager: post session root: %w", err)
	}
	s.SessionStartPostID = post.ID
	m.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindSessionRoot})

	m.registry.Add(s)
	m.registry.RegisterPost(post.ID, id)

	if err := m.spawnProcess(ctx, s); err != nil {
		return fmt.Errorf("sessionmanager: spawn assistant process: %w", err)
	}

	s.SetState(session.LifecycleActive)
	if promptText != "" {
		if rs, ok := m.getRunning(id); ok {
			if err := rs.proc.SendPrompt(promptText); err != nil {
				m.log.Warn("failed to deliver initial prompt", zap.String("thread_id", id.ThreadID), zap.Error(err))
			}
		}
	}
	m.persistSession(ctx, s)
	return nil
}

// sessionAppCtx builds the explicit per-session context (spec.md §9
// redesign: explicit struct instead of ambient globals) used for the
// Session Manager's own session-scoped logging, independent of whatever
// params each executor constructor was built to take directly.
func (m *Manager) sessionAppCtx(s *session.Session) appctx.Context {
	return appctx.New(s.ID.String(), s.ID.ThreadID, s.ID.PlatformID, m.log, m.tracker, contentbreaker.New(), m.clientFor(s.ID.PlatformID))
}

// spawnProcess launches the assistant child process for s and starts the
// goroutine pumping its event stream into the Message Manager.
func (m *Manager) spawnProcess(ctx context.Context, s *session.Session) error {
	procCtx, cancel := context.WithCancel(context.Background())
	proc := m.newProcess(assistant.Config{
		Command:         m.cfg.AssistantCommand,
		Args:            m.cfg.AssistantArgs,
		WorkingDir:      s.WorkingDir,
		ClaudeSessionID: s.ClaudeSessionID,
		SkipPermissions: s.SkipPermissions,
	}, m.log)

	if err := proc.Start(ctx); err != nil {
		cancel()
		return err
	}

	m.setRunning(s.ID, &runningSession{proc: proc, cancel: cancel})
	go m.pumpEvents(procCtx, s, proc)
	return nil
}

// pumpEvents drains one session's assistant event stream into its Message
// Manager until the stream closes or the process is torn down.
func (m *Manager) pumpEvents(ctx context.Context, s *session.Session, proc AssistantProcess) {
	ac := m.sessionAppCtx(s)
	for {
		select {
		case ev, ok := <-proc.Events():
			if !ok {
				return
			}
			if err := s.Messages.HandleEvent(ctx, ev); err != nil {
				ac.Logger.Warn("failed to handle assistant event", zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
			s.Touch()
			m.persistSession(ctx, s)
		case <-ctx.Done():
			return
		}
	}
}

// followUp routes a message in an already-active thread to the running
// assistant process, resuming a paused session first if needed (spec.md
// §4.13 "follow-up").
func (m *Manager) followUp(ctx context.Context, s *session.Session, text string) {
	s.Touch()
	s.IncrementMessageCount()

	if s.GetState() == session.LifecyclePaused {
		if err := m.ResumeSession(ctx, s); err != nil {
			m.log.Error("failed to resume session for follow-up", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
			return
		}
	}

	rs, ok := m.getRunning(s.ID)
	if !ok {
		s.QueuedPrompt = text
		m.persistSession(ctx, s)
		return
	}
	if err := rs.proc.SendPrompt(text); err != nil {
		m.log.Error("failed to deliver follow-up prompt", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
	}
}

// PauseSession stops a session's assistant process without ending the
// session, leaving it resumable (spec.md §4.14 idle timeout, §4.13 kill vs
// pause). Implements lifecycle.Controller.
func (m *Manager) PauseSession(ctx context.Context, s *session.Session, reason string) error {
	if rs, ok := m.clearRunning(s.ID); ok {
		rs.cancel()
		if err := rs.proc.Stop(ctx); err != nil {
			m.log.Warn("assistant process stop failed during pause", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
		}
	}
	_ = s.Messages.Flush(ctx, content.ReasonExplicit)
	s.SetState(session.LifecyclePaused)

	postID, err := m.ensureLifecyclePost(ctx, s, fmt.Sprintf("Session paused (%s). React to resume.", reason))
	if err != nil {
		m.log.Warn("failed to post pause notice", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
	} else {
		s.LifecyclePostID = postID
	}
	m.persistSession(ctx, s)
	return nil
}

// ResumeSession respawns the assistant process for a paused session,
// continuing its prior server-side conversation via ClaudeSessionID.
func (m *Manager) ResumeSession(ctx context.Context, s *session.Session) error {
	if _, ok := m.getRunning(s.ID); ok {
		return nil
	}
	if err := m.spawnProcess(ctx, s); err != nil {
		return err
	}
	s.SetState(session.LifecycleActive)

	if s.LifecyclePostID != "" {
		if client := m.clientFor(s.ID.PlatformID); client != nil {
			if _, err := client.UpdatePost(ctx, s.LifecyclePostID, "Session resumed."); err != nil {
				m.log.Warn("failed to update lifecycle post on resume", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
			}
		}
	}

	if s.QueuedPrompt != "" {
		queued := s.QueuedPrompt
		s.QueuedPrompt = ""
		if rs, ok := m.getRunning(s.ID); ok {
			if err := rs.proc.SendPrompt(queued); err != nil {
				m.log.Warn("failed to deliver queued prompt on resume", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
			}
		}
	}
	m.persistSession(ctx, s)
	return nil
}

// InterruptSession sends SIGINT to a session's running process, stopping the
// current turn without ending the session (spec.md §4.6 escape reaction).
func (m *Manager) InterruptSession(ctx context.Context, s *session.Session) error {
	rs, ok := m.getRunning(s.ID)
	if !ok {
		return nil
	}
	s.Messages.Interactive.ClearQuestion()
	s.Messages.Interactive.ClearApproval()
	return rs.proc.Interrupt()
}

// KillSession ends a session permanently: stops the process, cleans up
// ephemeral posts, and soft-deletes the persisted record (spec.md §4.13
// "kill", §4.15 authorization).
func (m *Manager) KillSession(ctx context.Context, s *session.Session, requestedBy string) error {
	if requestedBy != "" && !s.IsUserAllowed(requestedBy) {
		return fmt.Errorf("sessionmanager: %s is not allowed to kill this session", requestedBy)
	}

	if rs, ok := m.clearRunning(s.ID); ok {
		rs.cancel()
		stopCtx := ctx
		if m.cfg.StopTimeout > 0 {
			var cancel context.CancelFunc
			stopCtx, cancel = context.WithTimeout(ctx, m.cfg.StopTimeout)
			defer cancel()
		}
		if err := rs.proc.Stop(stopCtx); err != nil {
			m.log.Warn("assistant process stop failed during kill", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
		}
	}

	_ = s.Messages.Flush(ctx, content.ReasonExplicit)
	s.Messages.System.CleanupEphemeral(ctx)
	s.SetState(session.LifecycleEnded)

	if s.Worktree != nil {
		m.releaseWorktree(s)
	}

	m.registry.ClearPostsForThread(s.ID)
	m.registry.Remove(s.ID)

	if m.persist != nil {
		if err := m.persist.SoftDelete(ctx, s.ID.String()); err != nil {
			m.log.Warn("failed to soft-delete session record", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
		}
	}
	return nil
}

// KillAll ends every active session across every registered platform and
// disconnects the platform adapters, for the `!kill` command (spec.md
// §4.15 "kill all sessions, disconnect platforms", §8 scenario 2). Requires
// requestedBy to be platform-allowed on at least one registered platform.
// When invokingClient is non-nil, posts a confirmation to invokingThreadID
// and a separate notice to every other active thread before killing it;
// invokingClient is nil for invocations with no chat-side caller to
// confirm to (e.g. daemon shutdown). A notify failure on one thread never
// stops the sweep or notification of the rest.
func (m *Manager) KillAll(ctx context.Context, requestedBy string, invokingClient platform.Client, invokingThreadID string) error {
	if !m.isPlatformAllowed(requestedBy) {
		return fmt.Errorf("sessionmanager: %s is not allowed to kill all sessions", requestedBy)
	}

	sessions := m.registry.All()

	if invokingClient != nil {
		confirmation := fmt.Sprintf("Killing %d active session(s).", len(sessions))
		if _, err := invokingClient.CreatePost(ctx, confirmation, invokingThreadID); err != nil {
			m.log.Warn("failed to post kill-all confirmation to invoking thread", zap.String("thread_id", invokingThreadID), zap.Error(err))
		}
	}

	for _, s := range sessions {
		isInvokingThread := invokingClient != nil && s.ID.PlatformID == invokingClient.ID() && s.ID.ThreadID == invokingThreadID
		// Posted directly rather than through the System Executor, whose
		// ephemeral posts KillSession deletes, so the notice stays visible.
		if client := m.clientFor(s.ID.PlatformID); !isInvokingThread && client != nil {
			if _, err := client.CreatePost(ctx, "All sessions are being killed by a !kill from another thread.", s.ID.ThreadID); err != nil {
				m.log.Warn("failed to notify thread during kill-all", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
			}
		}
		if err := m.KillSession(ctx, s, ""); err != nil {
			m.log.Warn("failed to kill session during kill-all", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
		}
	}
	m.mu.Lock()
	clients := make([]platform.Client, 0, len(m.platforms))
	for _, c := range m.platforms {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		if err := c.Disconnect(); err != nil {
			m.log.Warn("failed to disconnect platform during kill-all", zap.String("platform_id", c.ID()), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) isPlatformAllowed(username string) bool {
	m.mu.Lock()
	clients := make([]platform.Client, 0, len(m.platforms))
	for _, c := range m.platforms {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		if c.IsUserAllowed(username) {
			return true
		}
	}
	return false
}

// SendToAssistant relays arbitrary text to a session's running assistant
// process, queuing it if the process isn't currently running. Used by the
// Command Router to relay slash commands (spec.md §4.15).
func (m *Manager) SendToAssistant(s *session.Session, text string) error {
	m.sendToProcess(s, text)
	return nil
}

// RefreshStickyMessages implements lifecycle.Controller. A dedicated sticky
// summary channel is outside this daemon's platform contract (spec.md §6.1
// carries no channel-level addressing beyond threadId), so this refreshes
// every active session's lifecycle post in place instead of maintaining a
// separate pinned summary.
func (m *Manager) RefreshStickyMessages(ctx context.Context) error {
	for _, s := range m.registry.All() {
		if s.LifecyclePostID == "" {
			continue
		}
		client := m.clientFor(s.ID.PlatformID)
		if client == nil {
			continue
		}
		content := fmt.Sprintf("Session #%d — idle for %s", s.SessionNumber, s.IdleFor().Round(time.Second))
		if _, err := client.UpdatePost(ctx, s.LifecyclePostID, content); err != nil {
			m.log.Warn("failed to refresh sticky message", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) clientFor(platformID string) platform.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.platforms[platformID]
}

func (m *Manager) ensureLifecyclePost(ctx context.Context, s *session.Session, text string) (string, error) {
	client := m.clientFor(s.ID.PlatformID)
	if client == nil {
		return "", fmt.Errorf("sessionmanager: no client registered for platform %s", s.ID.PlatformID)
	}
	if s.LifecyclePostID != "" {
		if _, err := client.UpdatePost(ctx, s.LifecyclePostID, text); err != nil {
			return "", err
		}
		return s.LifecyclePostID, nil
	}
	post, err := client.CreateInteractivePost(ctx, text, []string{platform.EmojiResume}, s.ID.ThreadID)
	if err != nil {
		return "", err
	}
	m.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindLifecycle})
	m.registry.RegisterPost(post.ID, s.ID)
	return post.ID, nil
}

func (m *Manager) releaseWorktree(s *session.Session) {
	if m.worktrees == nil || s.Worktree == nil {
		return
	}
	m.worktrees.Unregister(worktreeInfo(s), s.ID)
}

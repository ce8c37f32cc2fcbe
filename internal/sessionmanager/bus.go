package sessionmanager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/executor/approval"
	"github.com/relaycode/chatops/internal/executor/bugreport"
	"github.com/relaycode/chatops/internal/executor/interactive"
	"github.com/relaycode/chatops/internal/executor/prompt"
	"github.com/relaycode/chatops/internal/session"
)

// subscribeBus wires every executor completion subject the Session Manager
// needs to relay back into the right session's assistant process. The bus
// is daemon-wide with no per-session scoping (internal/events/bus), so every
// payload carries a "threadId" key this layer uses to find the session.
func (m *Manager) subscribeBus() {
	subscribe := func(subject string, handle func(ctx context.Context, s *session.Session, data map[string]interface{})) {
		_, err := m.events.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
			threadID, _ := ev.Data["threadId"].(string)
			s, ok := m.sessionByThreadID(threadID)
			if !ok {
				m.log.Debug("bus event for unknown thread, ignored", zap.String("subject", subject), zap.String("thread_id", threadID))
				return nil
			}
			handle(ctx, s, ev.Data)
			return nil
		})
		if err != nil {
			m.log.Error("failed to subscribe to bus subject", zap.String("subject", subject), zap.Error(err))
		}
	}

	subscribe(prompt.SubjectContextComplete, m.onContextPromptComplete)
	subscribe(prompt.SubjectWorktreeComplete, m.onWorktreePromptComplete)
	subscribe(prompt.SubjectUpdateComplete, m.onUpdatePromptComplete)
	subscribe(interactive.SubjectQuestionComplete, m.onQuestionComplete)
	subscribe(interactive.SubjectApprovalComplete, m.onApprovalComplete)
	subscribe(approval.SubjectComplete, m.onMessageApprovalComplete)
	subscribe(bugreport.SubjectComplete, m.onBugReportComplete)
}

// sessionByThreadID scans active sessions for a matching threadId. The bus
// payload carries only threadId, not the full (platformId, threadId)
// composite, so a thread id that collides across two connected platforms
// would be ambiguous; in practice thread ids are platform-issued opaque
// strings and this has not been observed to collide.
func (m *Manager) sessionByThreadID(threadID string) (*session.Session, bool) {
	if threadID == "" {
		return nil, false
	}
	for _, s := range m.registry.All() {
		if s.ID.ThreadID == threadID {
			return s, true
		}
	}
	return nil, false
}

func (m *Manager) sendToProcess(s *session.Session, text string) {
	rs, ok := m.getRunning(s.ID)
	if !ok {
		s.QueuedPrompt = text
		return
	}
	if err := rs.proc.SendPrompt(text); err != nil {
		m.log.Warn("failed to relay resolved prompt to assistant process",
			zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
	}
}

func (m *Manager) onContextPromptComplete(ctx context.Context, s *session.Session, data map[string]interface{}) {
	queuedPrompt, _ := data["queuedPrompt"].(string)
	selection, _ := data["selection"].(int)
	if queuedPrompt == "" {
		return
	}
	m.sendToProcess(s, fmt.Sprintf("[context messages: %d]\n%s", selection, queuedPrompt))
	m.persistSession(ctx, s)
}

func (m *Manager) onWorktreePromptComplete(ctx context.Context, s *session.Session, data map[string]interface{}) {
	path, _ := data["path"].(string)
	join, _ := data["join"].(bool)
	if join {
		m.BindWorktree(s, s.WorkingDir, path, "")
	} else {
		s.WorktreePromptDisabled = true
	}
	if s.FirstPrompt != "" {
		prompt := s.FirstPrompt
		s.FirstPrompt = ""
		m.sendToProcess(s, prompt)
	}
	m.persistSession(ctx, s)
}

func (m *Manager) onUpdatePromptComplete(ctx context.Context, s *session.Session, data map[string]interface{}) {
	updateNow, _ := data["updateNow"].(bool)
	version, _ := data["version"].(string)
	if updateNow {
		m.log.Info("update accepted, session will restart against the new version",
			zap.String("thread_id", s.ID.ThreadID), zap.String("version", version))
		return
	}
	time.AfterFunc(time.Hour, func() {
		if cur, ok := m.registry.Get(s.ID); ok {
			_ = cur.Messages.Prompt.AskUpdate(context.Background(), version)
		}
	})
}

func (m *Manager) onQuestionComplete(ctx context.Context, s *session.Session, data map[string]interface{}) {
	answers, _ := data["answers"].([]string)
	m.sendToProcess(s, "Answers: "+strings.Join(answers, "; "))
	m.persistSession(ctx, s)
}

func (m *Manager) onApprovalComplete(ctx context.Context, s *session.Session, data map[string]interface{}) {
	approved, _ := data["approved"].(bool)
	if approved {
		s.PlanApproved = true
		m.sendToProcess(s, "Approved.")
	} else {
		m.sendToProcess(s, "Denied.")
	}
	m.persistSession(ctx, s)
}

func (m *Manager) onMessageApprovalComplete(ctx context.Context, s *session.Session, data map[string]interface{}) {
	decision, _ := data["decision"].(string)
	originalMessage, _ := data["originalMessage"].(string)
	fromUser, _ := data["fromUser"].(string)
	switch decision {
	case string(approval.DecisionAllow):
		m.sendToProcess(s, originalMessage)
	case string(approval.DecisionInvite):
		s.Invite(fromUser)
		m.sendToProcess(s, originalMessage)
	}
	m.persistSession(ctx, s)
}

func (m *Manager) onBugReportComplete(ctx context.Context, s *session.Session, data map[string]interface{}) {
	approve, _ := data["approve"].(bool)
	if approve {
		m.log.Info("bug report submitted", zap.String("thread_id", s.ID.ThreadID))
	}
	m.persistSession(ctx, s)
}

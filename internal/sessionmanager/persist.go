package sessionmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/executor/approval"
	"github.com/relaycode/chatops/internal/executor/bugreport"
	"github.com/relaycode/chatops/internal/executor/content"
	"github.com/relaycode/chatops/internal/executor/interactive"
	"github.com/relaycode/chatops/internal/executor/prompt"
	"github.com/relaycode/chatops/internal/executor/subagent"
	"github.com/relaycode/chatops/internal/executor/system"
	"github.com/relaycode/chatops/internal/executor/tasklist"
	"github.com/relaycode/chatops/internal/messagemanager"
	"github.com/relaycode/chatops/internal/persistence"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/session"
	"github.com/relaycode/chatops/pkg/ids"
)

// sessionData is the persisted JSON shape for one session's Record.Data
// (spec.md §6.5): every field needed to reconstruct a Session and its
// executors after a daemon restart.
type sessionData struct {
	Owner                       string
	OwnerDisplayName            string
	AllowedUsers                []string
	SessionNumber               int
	DisplayName                 string
	Title                       string
	Description                 string
	Tags                        []string
	PullRequestURL              string
	WorkingDir                  string
	Worktree                    *session.WorktreeInfo
	SkipPermissions             bool
	ForceInteractivePermissions bool
	PlanApproved                bool
	SessionStartPostID          string
	LifecyclePostID             string
	State                       session.Lifecycle
	ClaudeSessionID             string
	MessageCount                int
	QueuedPrompt                string
	QueuedFiles                 []string
	FirstPrompt                 string

	Content     content.Snapshot
	TaskList    tasklist.Snapshot
	Interactive interactive.Snapshot
	Prompt      prompt.Snapshot
	Approval    approval.Snapshot
	Subagent    subagent.Snapshot
	BugReport   bugreport.Snapshot
	System      system.Snapshot
}

func collectPostIDs(d sessionData) []string {
	var ids []string
	add := func(id string) {
		if id != "" {
			ids = append(ids, id)
		}
	}
	add(d.SessionStartPostID)
	add(d.LifecyclePostID)
	add(d.Content.CurrentPostID)
	add(d.TaskList.PostID)
	add(d.Prompt.WorktreePostID)
	add(d.Prompt.UpdatePostID)
	if d.Prompt.Context != nil {
		add(d.Prompt.Context.PostID)
	}
	add(d.Interactive.QuestionPostID)
	add(d.Interactive.ApprovalPostID)
	if d.Approval.Pending != nil {
		add(d.Approval.Pending.PostID)
	}
	if d.BugReport.Pending != nil {
		add(d.BugReport.Pending.PostID)
	}
	for _, sub := range d.Subagent.Entries {
		add(sub.PostID)
	}
	for _, eph := range d.System.Ephemeral {
		add(eph)
	}
	return ids
}

func toSessionData(s *session.Session) sessionData {
	allowed := make([]string, 0)
	for u := range s.AllowedUsers {
		allowed = append(allowed, u)
	}
	return sessionData{
		Owner:                       s.Owner,
		OwnerDisplayName:            s.OwnerDisplayName,
		AllowedUsers:                allowed,
		SessionNumber:               s.SessionNumber,
		DisplayName:                 s.DisplayName,
		Title:                       s.Title,
		Description:                 s.Description,
		Tags:                        s.Tags,
		PullRequestURL:              s.PullRequestURL,
		WorkingDir:                  s.WorkingDir,
		Worktree:                    s.Worktree,
		SkipPermissions:             s.SkipPermissions,
		ForceInteractivePermissions: s.ForceInteractivePermissions,
		PlanApproved:                s.PlanApproved,
		SessionStartPostID:          s.SessionStartPostID,
		LifecyclePostID:             s.LifecyclePostID,
		State:                       s.GetState(),
		ClaudeSessionID:             s.ClaudeSessionID,
		MessageCount:                s.MessageCount,
		QueuedPrompt:                s.QueuedPrompt,
		QueuedFiles:                 s.QueuedFiles,
		FirstPrompt:                 s.FirstPrompt,

		Content:     s.Messages.Content.Snapshot(),
		TaskList:    s.Messages.TaskList.Snapshot(),
		Interactive: s.Messages.Interactive.Snapshot(),
		Prompt:      s.Messages.Prompt.Snapshot(),
		Approval:    s.Messages.Approval.Snapshot(),
		Subagent:    s.Messages.Subagent.Snapshot(),
		BugReport:   s.Messages.BugReport.Snapshot(),
		System:      s.Messages.System.Snapshot(),
	}
}

func buildRecord(id ids.Composite, s *session.Session) (persistence.Record, error) {
	d := toSessionData(s)
	payload, err := json.Marshal(d)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("sessionmanager: marshal session data: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return persistence.Record{}, fmt.Errorf("sessionmanager: remarshal session data: %w", err)
	}
	return persistence.Record{
		CompositeID: id.String(),
		ThreadID:    id.ThreadID,
		PlatformID:  id.PlatformID,
		Data:        data,
		PostIDs:     collectPostIDs(d),
	}, nil
}

// persistSession saves a session's current state. Errors are logged, not
// returned, since persistence is best-effort relative to the conversation
// already delivered to the user.
func (m *Manager) persistSession(ctx context.Context, s *session.Session) {
	if m.persist == nil {
		return
	}
	rec, err := buildRecord(s.ID, s)
	if err != nil {
		m.log.Warn("failed to build session record", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
		return
	}
	if err := m.persist.Save(ctx, rec); err != nil {
		m.log.Warn("failed to persist session", zap.String("thread_id", s.ID.ThreadID), zap.Error(err))
	}
}

// rehydrateSession reconstructs a Session and its executors from a
// persisted record, registers it, and resumes it right away through
// ResumeSession, so the follow-up message that triggered the rehydration
// reaches a freshly spawned process (spec.md §8 "resume after restart").
func (m *Manager) rehydrateSession(ctx context.Context, client platform.Client, id ids.Composite, raw map[string]interface{}) (*session.Session, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("sessionmanager: remarshal persisted data: %w", err)
	}
	var d sessionData
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("sessionmanager: unmarshal persisted data: %w", err)
	}

	debounce := m.cfg.FlushDebounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	messages := messagemanager.New(client, m.tracker, m.events, m.log, id.ThreadID, debounce)
	messages.Content.Hydrate(d.Content)
	messages.TaskList.Hydrate(d.TaskList)
	messages.Interactive.Hydrate(d.Interactive)
	messages.Prompt.Hydrate(d.Prompt)
	messages.Approval.Hydrate(d.Approval)
	messages.Subagent.Hydrate(ctx, d.Subagent)
	messages.BugReport.Hydrate(d.BugReport)
	messages.System.Hydrate(d.System)

	s := session.New(id, d.Owner, d.OwnerDisplayName, messages)
	for _, u := range d.AllowedUsers {
		s.Invite(u)
	}
	s.SessionNumber = d.SessionNumber
	s.DisplayName = d.DisplayName
	s.Title = d.Title
	s.Description = d.Description
	s.Tags = d.Tags
	s.PullRequestURL = d.PullRequestURL
	s.WorkingDir = d.WorkingDir
	s.Worktree = d.Worktree
	s.SkipPermissions = d.SkipPermissions
	s.ForceInteractivePermissions = d.ForceInteractivePermissions
	s.PlanApproved = d.PlanApproved
	s.SessionStartPostID = d.SessionStartPostID
	s.LifecyclePostID = d.LifecyclePostID
	s.ClaudeSessionID = d.ClaudeSessionID
	s.MessageCount = d.MessageCount
	s.QueuedPrompt = d.QueuedPrompt
	s.QueuedFiles = d.QueuedFiles
	s.FirstPrompt = d.FirstPrompt
	s.SetState(session.LifecyclePaused)

	m.registry.Add(s)
	if s.SessionStartPostID != "" {
		m.registry.RegisterPost(s.SessionStartPostID, id)
	}
	if s.LifecyclePostID != "" {
		m.registry.RegisterPost(s.LifecyclePostID, id)
	}
	if s.Worktree != nil && m.worktrees != nil {
		m.worktrees.Register(worktreeInfo(s), id)
	}

	if err := m.ResumeSession(ctx, s); err != nil {
		return s, fmt.Errorf("sessionmanager: resume rehydrated session: %w", err)
	}
	return s, nil
}

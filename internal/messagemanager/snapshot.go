package messagemanager

import (
	"context"

	"github.com/relaycode/chatops/internal/executor/approval"
	"github.com/relaycode/chatops/internal/executor/bugreport"
	"github.com/relaycode/chatops/internal/executor/content"
	"github.com/relaycode/chatops/internal/executor/interactive"
	"github.com/relaycode/chatops/internal/executor/prompt"
	"github.com/relaycode/chatops/internal/executor/subagent"
	"github.com/relaycode/chatops/internal/executor/system"
	"github.com/relaycode/chatops/internal/executor/tasklist"
)

// Snapshot is the union of every executor's persistable sub-state, matching
// the "Message Manager State" table of spec.md §3.
type Snapshot struct {
	Content     content.Snapshot
	TaskList    tasklist.Snapshot
	Interactive interactive.Snapshot
	Prompt      prompt.Snapshot
	Approval    approval.Snapshot
	Subagent    subagent.Snapshot
	BugReport   bugreport.Snapshot
	System      system.Snapshot

	AvailableSlashCommands []string
}

// Snapshot returns the persistable state of every executor owned by this
// manager, for storage alongside the owning Session.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		Content:                m.Content.Snapshot(),
		TaskList:               m.TaskList.Snapshot(),
		Interactive:            m.Interactive.Snapshot(),
		Prompt:                 m.Prompt.Snapshot(),
		Approval:               m.Approval.Snapshot(),
		Subagent:               m.Subagent.Snapshot(),
		BugReport:              m.BugReport.Snapshot(),
		System:                 m.System.Snapshot(),
		AvailableSlashCommands: m.AvailableSlashCommands,
	}
}

// HydrateState restores every executor's state from a persisted Snapshot,
// e.g. when a paused session is resumed.
func (m *Manager) HydrateState(ctx context.Context, s Snapshot) {
	m.Content.Hydrate(s.Content)
	m.TaskList.Hydrate(s.TaskList)
	m.Interactive.Hydrate(s.Interactive)
	m.Prompt.Hydrate(s.Prompt)
	m.Approval.Hydrate(s.Approval)
	m.Subagent.Hydrate(ctx, s.Subagent)
	m.BugReport.Hydrate(s.BugReport)
	m.System.Hydrate(s.System)
	m.AvailableSlashCommands = s.AvailableSlashCommands
}

// Package messagemanager implements the Message Manager (spec.md §4.11):
// the per-session façade that turns raw assistant events into operations
// routed to executors, and routes reactions back to whichever executor
// owns the post.
package messagemanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/assistant"
	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/executor/approval"
	"github.com/relaycode/chatops/internal/executor/bugreport"
	"github.com/relaycode/chatops/internal/executor/content"
	"github.com/relaycode/chatops/internal/executor/interactive"
	"github.com/relaycode/chatops/internal/executor/prompt"
	"github.com/relaycode/chatops/internal/executor/subagent"
	"github.com/relaycode/chatops/internal/executor/system"
	"github.com/relaycode/chatops/internal/executor/tasklist"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

// Manager is the per-session façade over all eight executors.
type Manager struct {
	threadID string
	log      *logger.Logger

	Content     *content.Executor
	TaskList    *tasklist.Executor
	Interactive *interactive.Executor
	Prompt      *prompt.Executor
	Approval    *approval.Executor
	Subagent    *subagent.Executor
	BugReport   *bugreport.Executor
	System      *system.Executor

	// AvailableSlashCommands is populated from the assistant's init event
	// and read by the Command Router to relay dynamic commands (spec.md §4.15).
	AvailableSlashCommands []string
}

// New wires a complete set of executors for one session thread.
func New(client platform.Client, tracker *posttracker.Tracker, events bus.EventBus, log *logger.Logger, threadID string, debounce time.Duration) *Manager {
	taskList := tasklist.New(client, tracker, log, threadID)
	return &Manager{
		threadID:    threadID,
		log:         log,
		Content:     content.New(client, tracker, taskList, log, threadID, debounce),
		TaskList:    taskList,
		Interactive: interactive.New(client, tracker, events, log, threadID),
		Prompt:      prompt.New(client, tracker, events, log, threadID),
		Approval:    approval.New(client, tracker, events, log, threadID),
		Subagent:    subagent.New(client, tracker, log, threadID),
		BugReport:   bugreport.New(client, tracker, events, log, threadID),
		System:      system.New(client, tracker, log, threadID),
	}
}

// HandleEvent converts one assistant event into an operation and dispatches
// it to the executor that owns that operation kind.
func (m *Manager) HandleEvent(ctx context.Context, ev assistant.Event) error {
	switch ev.Kind {
	case assistant.KindAssistantText:
		m.Content.Append(ctx, ev.Text)
		return nil

	case assistant.KindToolUse:
		// A tool call is a logical break in the streamed text: flush what's
		// pending so the post boundary lines up with the tool invocation.
		m.Content.Cancel()
		return m.Content.Flush(ctx, content.ReasonLogicalBreak)

	case assistant.KindToolResult:
		m.Content.Cancel()
		return m.Content.Flush(ctx, content.ReasonToolComplete)

	case assistant.KindResult:
		m.Content.Cancel()
		return m.Content.Flush(ctx, content.ReasonResult)

	case assistant.KindTodoWrite:
		if len(ev.Tasks) == 0 {
			return nil
		}
		allDone := true
		for _, task := range ev.Tasks {
			if task.Status != assistant.TaskCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			return m.TaskList.Complete(ctx, ev.Tasks)
		}
		return m.TaskList.Update(ctx, ev.Tasks)

	case assistant.KindAskUserQuestion:
		questions := make([]interactive.QuestionSpec, 0, len(ev.Questions))
		for _, q := range ev.Questions {
			questions = append(questions, interactive.QuestionSpec{Header: q.Header, Question: q.Question, Options: q.Options})
		}
		return m.Interactive.ExecuteQuestion(ctx, ev.ToolUseID, questions)

	case assistant.KindPlanApproval, assistant.KindActionApproval:
		return m.Interactive.ExecuteApproval(ctx, ev.ToolUseID, ev.ApprovalDescription)

	case assistant.KindSubagentStart:
		return m.Subagent.Start(ctx, ev.ToolUseID, ev.Subagent.Description, ev.Subagent.Type)

	case assistant.KindSubagentUpdate:
		return m.Subagent.Update(ctx, ev.ToolUseID, ev.Text)

	case assistant.KindSubagentComplete:
		return m.Subagent.Complete(ctx, ev.ToolUseID, ev.Text)

	case assistant.KindStatusUpdate:
		m.log.Debug("status update",
			zap.String("thread_id", m.threadID),
			zap.String("model", ev.Status.Model),
			zap.Int64("tokens", ev.Status.Tokens),
			zap.Float64("cost_usd", ev.Status.CostUSD))
		return nil

	case assistant.KindInit:
		m.AvailableSlashCommands = ev.AvailableSlashCommands
		return nil

	case assistant.KindError:
		if ev.Err == nil {
			return nil
		}
		_, err := m.System.Error(ctx, ev.Err.Error())
		return err

	default:
		m.log.Warn("unknown assistant event kind, ignored", zap.String("kind", string(ev.Kind)))
		return nil
	}
}

// HandleReaction routes a reaction to the first executor that claims it,
// in a fixed order: Prompt, Approval, Interactive, BugReport, then, for
// added reactions only, TaskList and Subagent (DESIGN.md records how this
// differs from the §4.11 listing). Returns handled=false if no
// executor on this thread owns postID, so the caller (Session Manager) can
// try session-level handling.
func (m *Manager) HandleReaction(ctx context.Context, postID, emojiCategory string, user platform.User, action platform.ReactionAction) (handled bool, err error) {
	if handled, err = m.Prompt.HandleReaction(ctx, postID, emojiCategory, action); handled {
		return true, err
	}
	if handled, err = m.Approval.HandleReaction(ctx, postID, emojiCategory, action); handled {
		return true, err
	}
	if handled, err = m.Interactive.HandleReaction(ctx, postID, emojiCategory, action); handled {
		return true, err
	}
	if handled, err = m.BugReport.HandleReaction(ctx, postID, emojiCategory, action); handled {
		return true, err
	}
	if action != platform.ReactionAdded {
		return false, nil
	}
	if handled, err = m.TaskList.HandleMinimizeReaction(ctx, postID, emojiCategory); handled {
		return true, err
	}
	if handled, err = m.Subagent.HandleReaction(ctx, postID, emojiCategory); handled {
		return true, err
	}
	return false, nil
}

// Flush forces the Content Executor to commit any pending text, e.g. when a
// session pauses or ends.
func (m *Manager) Flush(ctx context.Context, reason content.FlushReason) error {
	return m.Content.Flush(ctx, reason)
}

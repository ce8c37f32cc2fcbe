// Package interactive implements the Interactive Executor (spec.md §4.5):
// multiple-choice question sequences and plan/action approvals driven by
// emoji reactions.
package interactive

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

const (
	SubjectQuestionComplete = "interactive.question.complete"
	SubjectApprovalComplete = "interactive.approval.complete"
)

// QuestionSpec is one multiple-choice question (spec.md §3 "Question").
type QuestionSpec struct {
	Header   string
	Question string
	Options  []string
}

type questionState struct {
	toolUseID    string
	currentIndex int
	questions    []QuestionSpec
	answers      []string
	postID       string
}

type approvalState struct {
	toolUseID   string
	description string
	postID      string
}

// Executor drives question sequences and approvals for one session thread.
type Executor struct {
	platform platform.Client
	tracker  *posttracker.Tracker
	events   bus.EventBus
	log      *logger.Logger
	threadID string

	mu       sync.Mutex
	question *questionState
	approval *approvalState
}

// New creates an Interactive Executor.
func New(client platform.Client, tracker *posttracker.Tracker, events bus.EventBus, log *logger.Logger, threadID string) *Executor {
	return &Executor{platform: client, tracker: tracker, events: events, log: log, threadID: threadID}
}

func renderQuestion(q QuestionSpec) string {
	var b strings.Builder
	if q.Header != "" {
		fmt.Fprintf(&b, "**%s**\n", q.Header)
	}
	b.WriteString(q.Question)
	b.WriteString("\n")
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderAnsweredQuestion(q QuestionSpec, answer string) string {
	return fmt.Sprintf("%s\n\n✓ %s", renderQuestion(q), answer)
}

func numberReactions(n int) []string {
	reactions := make([]string, 0, n)
	for i := 0; i < n && i < len(platform.NumberEmojis); i++ {
		reactions = append(reactions, platform.NumberEmojis[i])
	}
	return reactions
}

// ExecuteQuestion posts the first question of a new question set. A
// duplicate request while one is already pending is dropped and logged
// (spec.md §4.5 duplicate prevention).
func (e *Executor) ExecuteQuestion(ctx context.Context, toolUseID string, questions []QuestionSpec) error {
	e.mu.Lock()
	if e.question != nil {
		e.mu.Unlock()
		e.log.Warn("question set already pending, dropping duplicate executeQuestion",
			zap.String("tool_use_id", toolUseID))
		return nil
	}
	state := &questionState{toolUseID: toolUseID, questions: questions, answers: make([]string, len(questions))}
	e.question = state
	e.mu.Unlock()

	return e.postCurrentQuestion(ctx, state)
}

func (e *Executor) postCurrentQuestion(ctx context.Context, state *questionState) error {
	q := state.questions[state.currentIndex]
	post, err := e.platform.CreateInteractivePost(ctx, renderQuestion(q), numberReactions(len(q.Options)), e.threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	state.postID = post.ID
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindQuestion, ToolUseID: state.toolUseID})
	return nil
}

// ExecuteApproval posts a plan/action approval prompt. A duplicate request
// while one is already pending is dropped and logged.
func (e *Executor) ExecuteApproval(ctx context.Context, toolUseID, description string) error {
	e.mu.Lock()
	if e.approval != nil {
		e.mu.Unlock()
		e.log.Warn("approval already pending, dropping duplicate executeApproval",
			zap.String("tool_use_id", toolUseID))
		return nil
	}
	state := &approvalState{toolUseID: toolUseID, description: description}
	e.approval = state
	e.mu.Unlock()

	post, err := e.platform.CreateInteractivePost(ctx, description, []string{platform.EmojiApprove, platform.EmojiDeny}, e.threadID)
	if err != nil {
		e.mu.Lock()
		e.approval = nil
		e.mu.Unlock()
		return err
	}
	e.mu.Lock()
	state.postID = post.ID
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindApproval, ToolUseID: toolUseID})
	return nil
}

// HandleReaction routes a reaction to the pending question or approval that
// owns postID. Only added reactions act.
func (e *Executor) HandleReaction(ctx context.Context, postID, emojiCategory string, action platform.ReactionAction) (handled bool, err error) {
	if action != platform.ReactionAdded {
		e.mu.Lock()
		owned := (e.question != nil && e.question.postID == postID) || (e.approval != nil && e.approval.postID == postID)
		e.mu.Unlock()
		return owned, nil
	}

	e.mu.Lock()
	q := e.question
	a := e.approval
	e.mu.Unlock()

	if q != nil && q.postID == postID {
		return true, e.handleQuestionReaction(ctx, q, emojiCategory)
	}
	if a != nil && a.postID == postID {
		return true, e.handleApprovalReaction(ctx, a, emojiCategory)
	}
	return false, nil
}

func (e *Executor) handleQuestionReaction(ctx context.Context, state *questionState, emojiCategory string) error {
	idx := platform.NumberEmojiIndex(emojiCategory)
	q := state.questions[state.currentIndex]
	if idx < 0 || idx >= len(q.Options) {
		e.log.Debug("question reaction out of option bounds, ignored",
			zap.String("tool_use_id", state.toolUseID), zap.Int("index", idx), zap.Int("options", len(q.Options)))
		return nil
	}

	answer := q.Options[idx]
	state.answers[state.currentIndex] = answer
	if _, err := e.platform.UpdatePost(ctx, state.postID, renderAnsweredQuestion(q, answer)); err != nil {
		return err
	}

	state.currentIndex++
	if state.currentIndex < len(state.questions) {
		return e.postCurrentQuestion(ctx, state)
	}

	e.mu.Lock()
	e.question = nil
	e.mu.Unlock()

	if e.events != nil {
		event := bus.NewEvent("question_complete", "interactive-executor", map[string]interface{}{
			"threadId":  e.threadID,
			"toolUseId": state.toolUseID,
			"answers":   append([]string{}, state.answers...),
		})
		return e.events.Publish(ctx, SubjectQuestionComplete, event)
	}
	return nil
}

func (e *Executor) handleApprovalReaction(ctx context.Context, state *approvalState, emojiCategory string) error {
	var approved bool
	switch emojiCategory {
	case platform.EmojiApprove:
		approved = true
	case platform.EmojiDeny:
		approved = false
	default:
		return nil
	}

	label := "✗ denied"
	if approved {
		label = "✓ approved"
	}
	if _, err := e.platform.UpdatePost(ctx, state.postID, fmt.Sprintf("%s\n\n%s", state.description, label)); err != nil {
		return err
	}

	e.mu.Lock()
	e.approval = nil
	e.mu.Unlock()

	if e.events != nil {
		event := bus.NewEvent("approval_complete", "interactive-executor", map[string]interface{}{
			"threadId":  e.threadID,
			"toolUseId": state.toolUseID,
			"approved":  approved,
		})
		return e.events.Publish(ctx, SubjectApprovalComplete, event)
	}
	return nil
}

// ClearQuestion externally cancels any pending question set, e.g. on
// session end.
func (e *Executor) ClearQuestion() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.question = nil
}

// ClearApproval externally cancels any pending approval.
func (e *Executor) ClearApproval() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approval = nil
}

// HasPendingQuestion reports whether a question set is in flight.
func (e *Executor) HasPendingQuestion() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.question != nil
}

// HasPendingApproval reports whether an approval is in flight.
func (e *Executor) HasPendingApproval() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.approval != nil
}

// Snapshot is the persistable state of an Interactive Executor.
type Snapshot struct {
	QuestionToolUseID string
	CurrentIndex      int
	Questions         []QuestionSpec
	Answers           []string
	QuestionPostID    string

	ApprovalToolUseID   string
	ApprovalDescription string
	ApprovalPostID      string
}

// Snapshot returns the persistable state.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{}
	if e.question != nil {
		s.QuestionToolUseID = e.question.toolUseID
		s.CurrentIndex = e.question.currentIndex
		s.Questions = append([]QuestionSpec{}, e.question.questions...)
		s.Answers = append([]string{}, e.question.answers...)
		s.QuestionPostID = e.question.postID
	}
	if e.approval != nil {
		s.ApprovalToolUseID = e.approval.toolUseID
		s.ApprovalDescription = e.approval.description
		s.ApprovalPostID = e.approval.postID
	}
	return s
}

// Hydrate restores state from a persisted Snapshot.
func (e *Executor) Hydrate(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.question = nil
	if s.QuestionPostID != "" {
		e.question = &questionState{
			toolUseID:    s.QuestionToolUseID,
			currentIndex: s.CurrentIndex,
			questions:    s.Questions,
			answers:      s.Answers,
			postID:       s.QuestionPostID,
		}
	}
	e.approval = nil
	if s.ApprovalPostID != "" {
		e.approval = &approvalState{
			toolUseID:   s.ApprovalToolUseID,
			description: s.ApprovalDescription,
			postID:      s.ApprovalPostID,
		}
	}
}

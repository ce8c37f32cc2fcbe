// Package prompt implements the Prompt Executor (spec.md §4.6): three
// independent singleton "pending prompts" — context, existing-worktree, and
// update — each resolved by a reaction on its own post.
package prompt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

const (
	SubjectContextComplete  = "prompt.context.complete"
	SubjectWorktreeComplete = "prompt.worktree.complete"
	SubjectUpdateComplete   = "prompt.update.complete"
)

// ContextPromptState is the pending context-selection prompt.
type ContextPromptState struct {
	PostID             string
	QueuedPrompt       string
	QueuedFiles        []string
	ThreadMessageCount int
	CreatedAt          time.Time
	AvailableOptions   []int
}

type worktreePromptState struct {
	postID string
	path   string
}

type updatePromptState struct {
	postID  string
	version string
}

// Executor holds the three pending-prompt singletons for one session thread.
type Executor struct {
	platform platform.Client
	tracker  *posttracker.Tracker
	events   bus.EventBus
	log      *logger.Logger
	threadID string

	mu       sync.Mutex
	ctxState *ContextPromptState
	wtState  *worktreePromptState
	updState *updatePromptState
}

// New creates a Prompt Executor.
func New(client platform.Client, tracker *posttracker.Tracker, events bus.EventBus, log *logger.Logger, threadID string) *Executor {
	return &Executor{platform: client, tracker: tracker, events: events, log: log, threadID: threadID}
}

// AskContext posts the context-selection prompt. availableOptions[i] is the
// thread-message count that reaction i selects.
func (e *Executor) AskContext(ctx context.Context, queuedPrompt string, queuedFiles []string, threadMessageCount int, availableOptions []int) error {
	content := fmt.Sprintf("Include how many of the last %d thread messages as context?", threadMessageCount)
	reactions := numberReactions(len(availableOptions))
	post, err := e.platform.CreateInteractivePost(ctx, content, append(reactions, platform.EmojiDeny), e.threadID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.ctxState = &ContextPromptState{
		PostID:             post.ID,
		QueuedPrompt:       queuedPrompt,
		QueuedFiles:        queuedFiles,
		ThreadMessageCount: threadMessageCount,
		CreatedAt:          time.Now(),
		AvailableOptions:   availableOptions,
	}
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindSystem, Interaction: "context_prompt"})
	return nil
}

// AskExistingWorktree posts the existing-worktree join/skip prompt.
func (e *Executor) AskExistingWorktree(ctx context.Context, path string) error {
	content := fmt.Sprintf("An existing worktree was found at `%s`. Join it?", path)
	post, err := e.platform.CreateInteractivePost(ctx, content, []string{platform.EmojiApprove, platform.EmojiDeny}, e.threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.wtState = &worktreePromptState{postID: post.ID, path: path}
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindWorktree})
	return nil
}

// AskUpdate posts the update-now/defer prompt.
func (e *Executor) AskUpdate(ctx context.Context, version string) error {
	content := fmt.Sprintf("A new version (%s) is available. Update now?", version)
	post, err := e.platform.CreateInteractivePost(ctx, content, []string{platform.EmojiApprove, platform.EmojiDeny}, e.threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.updState = &updatePromptState{postID: post.ID, version: version}
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindSystem, Interaction: "update_prompt"})
	return nil
}

// InjectContextTimeout resolves a pending context prompt with the timeout
// selection, as if a session-level timer fired, without a reaction.
func (e *Executor) InjectContextTimeout(ctx context.Context, selection int) error {
	e.mu.Lock()
	state := e.ctxState
	e.mu.Unlock()
	if state == nil {
		return nil
	}
	return e.resolveContext(ctx, state, selection)
}

// HandleReaction resolves whichever pending prompt owns postID. Returns
// handled=true if postID belonged to a pending prompt on this executor.
// Only added reactions act; removed is a no-op per spec.md §4.6.
func (e *Executor) HandleReaction(ctx context.Context, postID, emojiCategory string, action platform.ReactionAction) (handled bool, err error) {
	e.mu.Lock()
	ctxState := e.ctxState
	wtState := e.wtState
	updState := e.updState
	e.mu.Unlock()

	switch {
	case ctxState != nil && ctxState.PostID == postID:
		if action != platform.ReactionAdded {
			return true, nil
		}
		if emojiCategory == platform.EmojiDeny {
			return true, e.resolveContext(ctx, ctxState, 0)
		}
		idx := platform.NumberEmojiIndex(emojiCategory)
		if idx < 0 || idx >= len(ctxState.AvailableOptions) {
			// Out-of-range number emoji (e.g. a stale option from a prompt
			// with fewer choices): ignore, leave the prompt pending.
			return true, nil
		}
		return true, e.resolveContext(ctx, ctxState, ctxState.AvailableOptions[idx])

	case wtState != nil && wtState.postID == postID:
		if action != platform.ReactionAdded {
			return true, nil
		}
		return true, e.resolveWorktree(ctx, wtState, emojiCategory)

	case updState != nil && updState.postID == postID:
		if action != platform.ReactionAdded {
			return true, nil
		}
		return true, e.resolveUpdate(ctx, updState, emojiCategory)
	}

	return false, nil
}

func (e *Executor) resolveContext(ctx context.Context, state *ContextPromptState, selection int) error {
	if _, err := e.platform.UpdatePost(ctx, state.PostID, fmt.Sprintf("Context messages: %d", selection)); err != nil {
		return err
	}
	e.mu.Lock()
	e.ctxState = nil
	e.mu.Unlock()

	if e.events == nil {
		return nil
	}
	event := bus.NewEvent("context_prompt_complete", "prompt-executor", map[string]interface{}{
		"threadId":     e.threadID,
		"queuedPrompt": state.QueuedPrompt,
		"queuedFiles":  state.QueuedFiles,
		"selection":    selection,
	})
	return e.events.Publish(ctx, SubjectContextComplete, event)
}

func (e *Executor) resolveWorktree(ctx context.Context, state *worktreePromptState, emojiCategory string) error {
	join := emojiCategory == platform.EmojiApprove
	label := "skipped"
	if join {
		label = "joined"
	}
	if _, err := e.platform.UpdatePost(ctx, state.postID, fmt.Sprintf("Existing worktree `%s`: %s", state.path, label)); err != nil {
		return err
	}
	e.mu.Lock()
	e.wtState = nil
	e.mu.Unlock()

	if e.events == nil {
		return nil
	}
	event := bus.NewEvent("worktree_prompt_complete", "prompt-executor", map[string]interface{}{
		"threadId": e.threadID,
		"path":     state.path,
		"join":     join,
	})
	return e.events.Publish(ctx, SubjectWorktreeComplete, event)
}

func (e *Executor) resolveUpdate(ctx context.Context, state *updatePromptState, emojiCategory string) error {
	updateNow := emojiCategory == platform.EmojiApprove
	label := "deferred"
	if updateNow {
		label = "updating now"
	}
	if _, err := e.platform.UpdatePost(ctx, state.postID, fmt.Sprintf("Update to %s: %s", state.version, label)); err != nil {
		return err
	}
	e.mu.Lock()
	e.updState = nil
	e.mu.Unlock()

	if e.events == nil {
		return nil
	}
	event := bus.NewEvent("update_prompt_complete", "prompt-executor", map[string]interface{}{
		"threadId":  e.threadID,
		"version":   state.version,
		"updateNow": updateNow,
	})
	return e.events.Publish(ctx, SubjectUpdateComplete, event)
}

// HasPendingContext reports whether a context prompt is in flight.
func (e *Executor) HasPendingContext() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctxState != nil
}

// Snapshot is the persistable state of a Prompt Executor.
type Snapshot struct {
	Context        *ContextPromptState
	WorktreePostID string
	WorktreePath   string
	UpdatePostID   string
	UpdateVersion  string
}

// Snapshot returns the persistable state.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{}
	if e.ctxState != nil {
		c := *e.ctxState
		s.Context = &c
	}
	if e.wtState != nil {
		s.WorktreePostID = e.wtState.postID
		s.WorktreePath = e.wtState.path
	}
	if e.updState != nil {
		s.UpdatePostID = e.updState.postID
		s.UpdateVersion = e.updState.version
	}
	return s
}

// Hydrate restores state from a persisted Snapshot.
func (e *Executor) Hydrate(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctxState = s.Context
	e.wtState = nil
	if s.WorktreePostID != "" {
		e.wtState = &worktreePromptState{postID: s.WorktreePostID, path: s.WorktreePath}
	}
	e.updState = nil
	if s.UpdatePostID != "" {
		e.updState = &updatePromptState{postID: s.UpdatePostID, version: s.UpdateVersion}
	}
}

func numberReactions(n int) []string {
	reactions := make([]string, 0, n)
	for i := 0; i < n && i < len(platform.NumberEmojis); i++ {
		reactions = append(reactions, platform.NumberEmojis[i])
	}
	return reactions
}

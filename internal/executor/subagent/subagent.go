// Package subagent implements the Subagent Executor (spec.md §4.8): tracks
// concurrent sub-tasks by toolUseId, each with a minimize toggle and
// elapsed-time rendering while active.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

type entry struct {
	postID      string
	description string
	kind        string
	startedAt   time.Time
	minimized   bool
	complete    bool
	lastUpdate  string
}

// Executor renders and refreshes subagent posts for one session thread.
type Executor struct {
	platform platform.Client
	tracker  *posttracker.Tracker
	log      *logger.Logger
	threadID string

	mu      sync.Mutex
	entries map[string]*entry

	refreshMu   sync.Mutex
	refreshStop chan struct{}
}

// New creates a Subagent Executor.
func New(client platform.Client, tracker *posttracker.Tracker, log *logger.Logger, threadID string) *Executor {
	return &Executor{
		platform: client,
		tracker:  tracker,
		log:      log,
		threadID: threadID,
		entries:  make(map[string]*entry),
	}
}

func render(e *entry, now time.Time) string {
	icon := "▸"
	status := fmt.Sprintf("running %ds", int(now.Sub(e.startedAt).Seconds()))
	if e.complete {
		icon = "✓"
		status = "done"
	}
	if e.minimized {
		return fmt.Sprintf("%s %s (%s)", icon, e.description, status)
	}
	body := fmt.Sprintf("%s **%s** (%s)", icon, e.description, status)
	if e.lastUpdate != "" {
		body += "\n" + e.lastUpdate
	}
	return body
}

// Start creates a post for a new subagent task and begins the periodic
// elapsed-time refresh timer if it isn't already running.
func (e *Executor) Start(ctx context.Context, toolUseID, description, kind string) error {
	e.mu.Lock()
	if _, exists := e.entries[toolUseID]; exists {
		e.mu.Unlock()
		return nil
	}
	ent := &entry{description: description, kind: kind, startedAt: time.Now()}
	e.entries[toolUseID] = ent
	e.mu.Unlock()

	post, err := e.platform.CreateInteractivePost(ctx, render(ent, time.Now()), []string{platform.EmojiMinimizeToggle}, e.threadID)
	if err != nil {
		e.mu.Lock()
		delete(e.entries, toolUseID)
		e.mu.Unlock()
		return err
	}
	e.mu.Lock()
	ent.postID = post.ID
	e.mu.Unlock()
	e.tracker.Register(post.ID, posttracker.Meta{Kind: posttracker.KindSubagent, ToolUseID: toolUseID})

	e.ensureRefreshTimer(ctx)
	return nil
}

// Update refreshes a running subagent's last-update text without marking it
// complete.
func (e *Executor) Update(ctx context.Context, toolUseID, lastUpdate string) error {
	e.mu.Lock()
	ent, ok := e.entries[toolUseID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	ent.lastUpdate = lastUpdate
	postID := ent.postID
	content := render(ent, time.Now())
	e.mu.Unlock()

	if postID == "" {
		return nil
	}
	_, err := e.platform.UpdatePost(ctx, postID, content)
	return err
}

// Complete marks a subagent done and updates its post with the final content.
func (e *Executor) Complete(ctx context.Context, toolUseID, lastUpdate string) error {
	e.mu.Lock()
	ent, ok := e.entries[toolUseID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	ent.complete = true
	ent.lastUpdate = lastUpdate
	postID := ent.postID
	content := render(ent, time.Now())
	e.mu.Unlock()

	if postID == "" {
		return nil
	}
	_, err := e.platform.UpdatePost(ctx, postID, content)
	return err
}

// ToggleMinimize swaps a subagent's view between full and compact.
func (e *Executor) ToggleMinimize(ctx context.Context, toolUseID string) error {
	e.mu.Lock()
	ent, ok := e.entries[toolUseID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	ent.minimized = !ent.minimized
	postID := ent.postID
	content := render(ent, time.Now())
	e.mu.Unlock()

	if postID == "" {
		return nil
	}
	_, err := e.platform.UpdatePost(ctx, postID, content)
	return err
}

// HandleReaction toggles minimize state for the subagent owning postID.
func (e *Executor) HandleReaction(ctx context.Context, postID, emoji string) (handled bool, err error) {
	e.mu.Lock()
	var toolUseID string
	for tu, ent := range e.entries {
		if ent.postID == postID {
			toolUseID = tu
			break
		}
	}
	e.mu.Unlock()
	if toolUseID == "" || emoji != platform.EmojiMinimizeToggle {
		return false, nil
	}
	return true, e.ToggleMinimize(ctx, toolUseID)
}

// ensureRefreshTimer starts the 1s periodic elapsed-time refresh if no
// refresh loop is currently running.
func (e *Executor) ensureRefreshTimer(ctx context.Context) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if e.refreshStop != nil {
		return
	}
	stop := make(chan struct{})
	e.refreshStop = stop
	go e.refreshLoop(ctx, stop)
}

func (e *Executor) refreshLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshActive(ctx)
		}
	}
}

func (e *Executor) refreshActive(ctx context.Context) {
	e.mu.Lock()
	type update struct {
		postID  string
		content string
	}
	var updates []update
	now := time.Now()
	for _, ent := range e.entries {
		if ent.complete || ent.postID == "" || ent.minimized {
			continue
		}
		updates = append(updates, update{postID: ent.postID, content: render(ent, now)})
	}
	e.mu.Unlock()

	for _, u := range updates {
		if _, err := e.platform.UpdatePost(ctx, u.postID, u.content); err != nil {
			e.log.Warn("subagent elapsed-time refresh failed", zap.String("post_id", u.postID), zap.Error(err))
		}
	}
}

// Reset cancels the refresh timer and clears all tracked subagents.
func (e *Executor) Reset() {
	e.refreshMu.Lock()
	if e.refreshStop != nil {
		close(e.refreshStop)
		e.refreshStop = nil
	}
	e.refreshMu.Unlock()

	e.mu.Lock()
	e.entries = make(map[string]*entry)
	e.mu.Unlock()
}

// Count returns the number of tracked subagents (tests/diagnostics).
func (e *Executor) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// EntrySnapshot is the persistable state of a single tracked subagent.
type EntrySnapshot struct {
	ToolUseID   string
	PostID      string
	Description string
	Kind        string
	StartedAt   time.Time
	Minimized   bool
	Complete    bool
	LastUpdate  string
}

// Snapshot is the persistable state of a Subagent Executor.
type Snapshot struct {
	Entries []EntrySnapshot
}

// Snapshot returns the persistable state.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{}
	for toolUseID, ent := range e.entries {
		s.Entries = append(s.Entries, EntrySnapshot{
			ToolUseID:   toolUseID,
			PostID:      ent.postID,
			Description: ent.description,
			Kind:        ent.kind,
			StartedAt:   ent.startedAt,
			Minimized:   ent.minimized,
			Complete:    ent.complete,
			LastUpdate:  ent.lastUpdate,
		})
	}
	return s
}

// Hydrate restores state from a persisted Snapshot and resumes the refresh
// timer if any restored entry is still active.
func (e *Executor) Hydrate(ctx context.Context, s Snapshot) {
	e.mu.Lock()
	e.entries = make(map[string]*entry, len(s.Entries))
	needsRefresh := false
	for _, es := range s.Entries {
		e.entries[es.ToolUseID] = &entry{
			postID:      es.PostID,
			description: es.Description,
			kind:        es.Kind,
			startedAt:   es.StartedAt,
			minimized:   es.Minimized,
			complete:    es.Complete,
			lastUpdate:  es.LastUpdate,
		}
		if !es.Complete {
			needsRefresh = true
		}
	}
	e.mu.Unlock()

	if needsRefresh {
		e.ensureRefreshTimer(ctx)
	}
}

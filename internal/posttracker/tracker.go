// Package posttracker implements the Post Tracker (spec.md §4.1): an O(1)
// postId -> role-metadata map, used to route reactions back to the
// executor that owns a post. No locking beyond its own mutator; no I/O.
package posttracker

import "sync"

// Kind tags which executor owns a post.
type Kind string

const (
	KindTaskList    Kind = "task_list"
	KindQuestion    Kind = "question"
	KindApproval    Kind = "approval"
	KindSubagent    Kind = "subagent"
	KindContent     Kind = "content"
	KindWorktree    Kind = "worktree_prompt"
	KindMessageAppr Kind = "message_approval"
	KindBugReport   Kind = "bug_report"
	KindSystem      Kind = "system"
	KindSessionRoot Kind = "session_start"
	KindLifecycle   Kind = "lifecycle"
)

// Meta is the role metadata registered for a post.
type Meta struct {
	Kind        Kind
	ToolUseID   string // optional auxiliary id, e.g. the question/subagent tool_use_id
	Interaction string // optional auxiliary interaction-kind label
}

// Tracker maps postId -> Meta. Safe for concurrent use; registration is
// idempotent and last-writer-wins, since posts are repurposed by the bump
// protocol (spec.md I2: a postId belongs to at most one executor role at a time).
type Tracker struct {
	mu    sync.RWMutex
	posts map[string]Meta
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{posts: make(map[string]Meta)}
}

// Register records (or overwrites) the role metadata for postId.
func (t *Tracker) Register(postID string, meta Meta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.posts[postID] = meta
}

// Lookup returns the role metadata for postId, if any.
func (t *Tracker) Lookup(postID string) (Meta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.posts[postID]
	return m, ok
}

// Unregister removes postId's role metadata, e.g. after the post is deleted.
func (t *Tracker) Unregister(postID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.posts, postID)
}

// Len returns the number of tracked posts (for tests/diagnostics).
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.posts)
}

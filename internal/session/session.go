// Package session defines the Session entity (spec.md §3) and the Session
// Registry (§4.12): the two-map lookup the Session Manager and reaction
// router use to find a session by composite id or by postId.
package session

import (
	"sync"
	"time"

	"github.com/relaycode/chatops/internal/messagemanager"
	"github.com/relaycode/chatops/pkg/ids"
)

// Lifecycle is the Session's state machine position (spec.md §4.16).
type Lifecycle string

const (
	LifecycleStarting   Lifecycle = "starting"
	LifecycleActive     Lifecycle = "active"
	LifecycleIdle       Lifecycle = "idle"
	LifecyclePaused     Lifecycle = "paused"
	LifecycleInterrupted Lifecycle = "interrupted"
	LifecycleEnding     Lifecycle = "ending"
	LifecycleEnded      Lifecycle = "ended"
)

// WorktreeInfo describes a session's optional git worktree binding. Git
// plumbing itself is an external collaborator (spec.md §1); this struct
// only carries the bookkeeping the core needs.
type WorktreeInfo struct {
	RepoRoot     string
	WorktreePath string
	Branch       string
	IsOwner      bool
}

// ErrorRecord is the session's last recorded error, surfaced to bug reports.
type ErrorRecord struct {
	Message   string
	Context   string
	Occurred  time.Time
}

// Session is the central per-thread entity (spec.md §3). It is created by
// the Session Manager and mutated only by its own Message Manager and by
// command handlers acting on it (spec.md §3 Lifecycle).
type Session struct {
	mu sync.RWMutex

	ID ids.Composite // (platformId, threadId)

	// Identity & ownership.
	Owner               string
	OwnerDisplayName    string
	AllowedUsers        map[string]bool // invariant I5: always contains Owner
	SessionNumber       int
	DisplayName         string
	Title               string
	Description         string
	Tags                []string
	PullRequestURL      string

	// Timing.
	StartedAt               time.Time
	LastActivityAt          time.Time
	TimeoutWarningPosted    bool

	// Working state.
	WorkingDir                    string
	Worktree                      *WorktreeInfo
	SkipPermissions               bool
	ForceInteractivePermissions   bool
	PlanApproved                  bool

	// Posts this session exclusively owns (invariant I6 for LifecyclePostID).
	SessionStartPostID string
	LifecyclePostID    string

	// Lifecycle.
	State          Lifecycle
	IsShuttingDown bool

	// Deferred-start queue: a prompt that arrived before the child process
	// was ready to receive it.
	QueuedPrompt string
	QueuedFiles  []string
	FirstPrompt  string

	// Pending worktree-join prompt flags, read by the Session Manager when
	// deciding whether a follow-up message should route through the prompt
	// instead of the running assistant.
	NeedsContextPromptOnNextMessage bool
	WorktreePromptDisabled          bool

	// Bookkeeping.
	MessageCount   int
	ResumeFailCount int
	LastError      *ErrorRecord

	// ClaudeSessionID lets the assistant child process resume server-side
	// continuation across a pause/resume cycle.
	ClaudeSessionID string

	// Messages is the façade over every executor for this thread.
	Messages *messagemanager.Manager
}

// New creates a starting-state Session. The owner is always present in
// AllowedUsers per invariant I5.
func New(id ids.Composite, owner, ownerDisplayName string, messages *messagemanager.Manager) *Session {
	now := time.Now()
	return &Session{
		ID:               id,
		Owner:            owner,
		OwnerDisplayName: ownerDisplayName,
		AllowedUsers:     map[string]bool{owner: true},
		StartedAt:        now,
		LastActivityAt:   now,
		State:            LifecycleStarting,
		Messages:         messages,
	}
}

// Touch records activity, clearing any previously-posted idle warning.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = time.Now()
	s.TimeoutWarningPosted = false
}

// IdleFor returns how long the session has been inactive.
func (s *Session) IdleFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.LastActivityAt)
}

// IsUserAllowed reports whether username may interact with this session.
func (s *Session) IsUserAllowed(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AllowedUsers[username]
}

// Invite adds username to the allowed-users set.
func (s *Session) Invite(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AllowedUsers[username] = true
}

// Kick removes username from the allowed-users set. The owner can never be
// kicked (invariant I5).
func (s *Session) Kick(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if username == s.Owner {
		return false
	}
	delete(s.AllowedUsers, username)
	return true
}

// SetState transitions the session's lifecycle state.
func (s *Session) SetState(state Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// GetState returns the current lifecycle state.
func (s *Session) GetState() Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// RecordError stashes the session's last error for later bug-report context.
func (s *Session) RecordError(message, context string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastError = &ErrorRecord{Message: message, Context: context, Occurred: time.Now()}
}

// IncrementMessageCount bumps the message counter and returns the new value.
func (s *Session) IncrementMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageCount++
	return s.MessageCount
}

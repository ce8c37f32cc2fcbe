// Package worktree tracks which sessions reference a given (path, branch)
// working tree. Git plumbing itself — creating, switching, and removing an
// actual worktree on disk — is an external collaborator (spec.md §1); this
// package only owns the opaque reference-count bookkeeping the Session
// Manager needs for §4.13 worktree lifecycle decisions, trimmed down from
// the teacher's SQL-backed worktree store to the in-memory contract this
// spec actually uses.
package worktree

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaycode/chatops/pkg/ids"
)

// Info identifies one worktree's location and branch.
type Info struct {
	RepoRoot string
	Path     string
	Branch   string
}

func (i Info) key() string { return i.RepoRoot + "|" + i.Path + "|" + i.Branch }

type entry struct {
	info       Info
	owner      ids.Composite
	refs       map[ids.Composite]bool
	lastTouch  time.Time
}

// Refcounter tracks how many sessions reference each worktree path, so the
// Session Manager can refuse to clean up a path still in use (spec.md
// §4.13) and can reuse an existing worktree when multiple sessions share
// a repo.
type Refcounter struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Refcounter.
func New() *Refcounter {
	return &Refcounter{entries: make(map[string]*entry)}
}

// Register adds sessionID as a referrer of the given worktree, creating the
// entry (with sessionID as owner) if this is the first reference.
func (r *Refcounter) Register(info Info, sessionID ids.Composite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := info.key()
	e, ok := r.entries[k]
	if !ok {
		e = &entry{info: info, owner: sessionID, refs: make(map[ids.Composite]bool)}
		r.entries[k] = e
	}
	e.refs[sessionID] = true
	e.lastTouch = time.Now()
}

// Unregister removes sessionID as a referrer. The entry itself is kept even
// once refs reaches zero, with lastTouch refreshed to the moment it went
// unreferenced: Background Cleanup's StaleBefore sweep is what ages out and
// removes zero-ref entries (spec.md §4.14), not Unregister itself. Dropping
// the entry here would erase the very lastTouch record that sweep needs,
// making a zero-ref worktree unreachable by the GC it's meant to feed.
func (r *Refcounter) Unregister(info Info, sessionID ids.Composite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[info.key()]
	if !ok {
		return
	}
	delete(e.refs, sessionID)
	e.lastTouch = time.Now()
}

// Remove drops a worktree's entry entirely, regardless of refcount. Called
// by Background Cleanup once StaleBefore has identified it as safe to
// reclaim; never called for an entry still in use.
func (r *Refcounter) Remove(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, info.key())
}

// RefCount returns how many sessions currently reference a worktree.
func (r *Refcounter) RefCount(info Info) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[info.key()]
	if !ok {
		return 0
	}
	return len(e.refs)
}

// IsOwner reports whether sessionID is the original creator of a worktree.
func (r *Refcounter) IsOwner(info Info, sessionID ids.Composite) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[info.key()]
	return ok && e.owner == sessionID
}

// CanRemove reports whether a worktree path has no referrers and so may be
// safely removed. Returns an error describing the blocking referrer count
// otherwise.
func (r *Refcounter) CanRemove(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[info.key()]
	if !ok {
		return nil
	}
	if len(e.refs) > 0 {
		return fmt.Errorf("worktree %s still referenced by %d session(s)", info.Path, len(e.refs))
	}
	return nil
}

// StaleBefore returns every worktree whose last touch predates cutoff and
// that currently has no referrers — candidates for Background Cleanup
// garbage collection (spec.md §4.14 maxWorktreeAgeHours).
func (r *Refcounter) StaleBefore(cutoff time.Time) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []Info
	for _, e := range r.entries {
		if len(e.refs) == 0 && e.lastTouch.Before(cutoff) {
			stale = append(stale, e.info)
		}
	}
	return stale
}

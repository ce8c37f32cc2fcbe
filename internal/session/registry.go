package session

import (
	"sync"

	"github.com/relaycode/chatops/pkg/ids"
)

// PersistenceLoader is the subset of the persistence contract (spec.md
// §6.3) the Registry needs to fall back to when no active session matches
// a lookup.
type PersistenceLoader interface {
	Load(compositeID string) (map[string]interface{}, bool, error)
}

// Registry holds every active Session, indexed for O(1) lookup both by
// composite id and by any post id a session's executors have created
// (spec.md §4.12).
type Registry struct {
	mu          sync.RWMutex
	byComposite map[ids.Composite]*Session
	postToID    map[string]ids.Composite

	persistence PersistenceLoader
}

// NewRegistry creates an empty Registry. persistence may be nil if
// persisted-session lookups are not needed (e.g. in tests).
func NewRegistry(persistence PersistenceLoader) *Registry {
	return &Registry{
		byComposite: make(map[ids.Composite]*Session),
		postToID:    make(map[string]ids.Composite),
		persistence: persistence,
	}
}

// Add registers a new active session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byComposite[s.ID] = s
}

// Remove deregisters a session and clears its post mappings.
func (r *Registry) Remove(id ids.Composite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byComposite, id)
	r.clearPostsForThreadLocked(id)
}

// Get returns the active session for a composite id, if any.
func (r *Registry) Get(id ids.Composite) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byComposite[id]
	return s, ok
}

// GetByThread returns the active session for (platformID, threadID).
func (r *Registry) GetByThread(platformID, threadID string) (*Session, bool) {
	return r.Get(ids.New(platformID, threadID))
}

// RegisterPost records that postID belongs to the session identified by id,
// so a later reaction on that post can be routed back without a linear scan.
func (r *Registry) RegisterPost(postID string, id ids.Composite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postToID[postID] = id
}

// SessionForPost returns the active session that owns postID, if any.
func (r *Registry) SessionForPost(postID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.postToID[postID]
	if !ok {
		return nil, false
	}
	s, ok := r.byComposite[id]
	return s, ok
}

// ClearPostsForThread removes every post-id mapping pointing at id, e.g. on
// pause or kill so stale reactions stop resolving to a dead session.
func (r *Registry) ClearPostsForThread(id ids.Composite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPostsForThreadLocked(id)
}

func (r *Registry) clearPostsForThreadLocked(id ids.Composite) {
	for postID, owner := range r.postToID {
		if owner == id {
			delete(r.postToID, postID)
		}
	}
}

// All returns every active session (snapshot; safe to range over after the
// call returns).
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byComposite))
	for _, s := range r.byComposite {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byComposite)
}

// GetPersistedByThreadID delegates to the Persistence collaborator when no
// active session matches (spec.md §4.12).
func (r *Registry) GetPersistedByThreadID(platformID, threadID string) (map[string]interface{}, bool, error) {
	if _, ok := r.GetByThread(platformID, threadID); ok {
		return nil, false, nil
	}
	if r.persistence == nil {
		return nil, false, nil
	}
	return r.persistence.Load(ids.New(platformID, threadID).String())
}

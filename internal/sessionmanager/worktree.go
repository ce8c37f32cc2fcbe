package sessionmanager

import (
	"context"
	"fmt"

	"github.com/relaycode/chatops/internal/session"
	"github.com/relaycode/chatops/internal/worktree"
)

// worktreeInfo converts a Session's bound worktree into the opaque key the
// Refcounter tracks.
func worktreeInfo(s *session.Session) worktree.Info {
	if s.Worktree == nil {
		return worktree.Info{}
	}
	return worktree.Info{RepoRoot: s.Worktree.RepoRoot, Path: s.Worktree.WorktreePath, Branch: s.Worktree.Branch}
}

// BindWorktree registers s as a referrer of a worktree path, marking it the
// owner if this is the first session to touch it (spec.md §4.13 worktree
// lifecycle). The caller is responsible for the actual git plumbing.
func (m *Manager) BindWorktree(s *session.Session, repoRoot, path, branch string) {
	info := worktree.Info{RepoRoot: repoRoot, Path: path, Branch: branch}
	if m.worktrees != nil {
		m.worktrees.Register(info, s.ID)
	}
	s.Worktree = &session.WorktreeInfo{
		RepoRoot:     repoRoot,
		WorktreePath: path,
		Branch:       branch,
		IsOwner:      m.worktrees == nil || m.worktrees.IsOwner(info, s.ID),
	}
}

// CanRemoveWorktree reports whether a worktree path has no other referrers
// left and so may be safely removed by a `!worktree remove` command.
func (m *Manager) CanRemoveWorktree(s *session.Session) error {
	if m.worktrees == nil || s.Worktree == nil {
		return nil
	}
	// s itself is registered as a referrer while bound, so only the
	// references beyond its own block removal.
	info := worktreeInfo(s)
	if others := m.worktrees.RefCount(info) - 1; others > 0 {
		return fmt.Errorf("worktree %s still referenced by %d other session(s)", info.Path, others)
	}
	return nil
}

// RemoveWorktree implements the `!worktree remove`/`!worktree cleanup`
// command (spec.md §4.15). The actual filesystem removal is external git
// plumbing (spec.md §1); this only releases this session's reference and
// clears its binding once no other session still refers to it.
func (m *Manager) RemoveWorktree(ctx context.Context, s *session.Session) error {
	if s.Worktree == nil {
		return nil
	}
	if err := m.CanRemoveWorktree(s); err != nil {
		return err
	}
	m.releaseWorktree(s)
	s.Worktree = nil
	m.persistSession(ctx, s)
	return nil
}

// ListWorktrees reports the worktree paths currently bound across every
// active session, for the `!worktree list` command.
func (m *Manager) ListWorktrees(s *session.Session) []string {
	var paths []string
	for _, other := range m.registry.All() {
		if other.Worktree != nil {
			paths = append(paths, other.Worktree.WorktreePath)
		}
	}
	return paths
}

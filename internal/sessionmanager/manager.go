// Package sessionmanager implements the Session Manager (spec.md §4.13): the
// top-level coordinator that fans in platform events, spawns and supervises
// each session's assistant child process, and wires together the Registry,
// the per-session Message Manager, and worktree reference counting.
package sessionmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/assistant"
	"github.com/relaycode/chatops/internal/command"
	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/messagemanager"
	"github.com/relaycode/chatops/internal/persistence"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
	"github.com/relaycode/chatops/internal/session"
	"github.com/relaycode/chatops/internal/worktree"
	"github.com/relaycode/chatops/pkg/ids"
)

// AssistantProcess is the subset of *assistant.Process the Session Manager
// depends on. Tests substitute a fake here instead of spawning a real child
// process.
type AssistantProcess interface {
	Start(ctx context.Context) error
	Events() assistant.Stream
	SendPrompt(text string) error
	Interrupt() error
	Stop(ctx context.Context) error
	Wait() error
}

// ProcessFactory constructs the assistant child process for one session.
type ProcessFactory func(cfg assistant.Config, log *logger.Logger) AssistantProcess

// Persistence is the subset of the §6.3 contract the Session Manager writes
// through to. *persistence.Store satisfies this directly.
type Persistence interface {
	Save(ctx context.Context, rec persistence.Record) error
	SoftDelete(ctx context.Context, compositeID string) error
	Load(compositeID string) (map[string]interface{}, bool, error)
}

// Config holds the Session Manager's runtime tunables (spec.md §4.13).
type Config struct {
	AssistantCommand  string
	AssistantArgs     []string
	DefaultWorkingDir string
	FlushDebounce     time.Duration
	StopTimeout       time.Duration
}

type runningSession struct {
	proc   AssistantProcess
	cancel context.CancelFunc
}

// Manager coordinates every active session across every registered platform.
type Manager struct {
	cfg        Config
	registry   *session.Registry
	events     bus.EventBus
	persist    Persistence
	worktrees  *worktree.Refcounter
	tracker    *posttracker.Tracker
	log        *logger.Logger
	newProcess ProcessFactory

	commands *command.Router

	mu         sync.Mutex
	platforms  map[string]platform.Client
	running    map[ids.Composite]*runningSession
	sessionSeq int
}

// New wires a Session Manager. newProcess may be nil to use the real
// os/exec-backed assistant.Process.
func New(cfg Config, registry *session.Registry, events bus.EventBus, persist Persistence, worktrees *worktree.Refcounter, tracker *posttracker.Tracker, log *logger.Logger, newProcess ProcessFactory) *Manager {
	if newProcess == nil {
		newProcess = func(c assistant.Config, l *logger.Logger) AssistantProcess { return assistant.New(c, l) }
	}
	m := &Manager{
		cfg:        cfg,
		registry:   registry,
		events:     events,
		persist:    persist,
		worktrees:  worktrees,
		tracker:    tracker,
		log:        log,
		newProcess: newProcess,
		platforms:  make(map[string]platform.Client),
		running:    make(map[ids.Composite]*runningSession),
	}
	m.commands = command.New(m)
	if events != nil {
		m.subscribeBus()
	}
	return m
}

// RegisterPlatform wires a connected platform adapter's handlers into the
// Session Manager's fan-in (spec.md §4.13).
func (m *Manager) RegisterPlatform(client platform.Client) {
	m.mu.Lock()
	m.platforms[client.ID()] = client
	m.mu.Unlock()

	client.OnMessage(func(ctx context.Context, post platform.Post, user platform.User) {
		m.handleMessage(ctx, client, post, user)
	})
	client.OnReaction(func(ctx context.Context, r platform.Reaction) {
		m.handleReaction(ctx, client, r)
	})
	client.OnReactionRemoved(func(ctx context.Context, r platform.Reaction) {
		m.handleReaction(ctx, client, r)
	})
	client.OnChannelPost(func(ctx context.Context, post platform.Post) {
		m.handleMessage(ctx, client, post, platform.User{})
	})
}

// handleMessage routes an incoming message to an existing session's
// follow-up path, a persisted session's resume path, or a new StartSession.
func (m *Manager) handleMessage(ctx context.Context, client platform.Client, post platform.Post, user platform.User) {
	id := ids.New(client.ID(), post.ThreadID)

	if p, err := command.Parse(post.Message); err == nil {
		s, _ := m.registry.Get(id)
		m.dispatchCommand(ctx, client, post.ThreadID, p, s, user)
		return
	}

	if s, ok := m.registry.Get(id); ok {
		m.followUp(ctx, s, post.Message)
		return
	}

	if data, found, err := m.registry.GetPersistedByThreadID(client.ID(), post.ThreadID); err != nil {
		m.log.Warn("failed to check for a persisted session", zap.String("thread_id", post.ThreadID), zap.Error(err))
	} else if found {
		s, rerr := m.rehydrateSession(ctx, client, id, data)
		if rerr != nil {
			m.log.Error("failed to rehydrate persisted session", zap.String("thread_id", post.ThreadID), zap.Error(rerr))
		} else {
			m.followUp(ctx, s, post.Message)
			return
		}
	}

	if !client.IsBotMentioned(post.Message) {
		return
	}
	promptText := client.ExtractPrompt(post.Message)
	if err := m.StartSession(ctx, client, id, user, promptText); err != nil {
		m.log.Error("failed to start session", zap.String("thread_id", post.ThreadID), zap.Error(err))
	}
}

// dispatchCommand routes a `!`-prefixed message to the Command Router
// (spec.md §4.15), entirely bypassing the assistant child process. client
// and threadID identify the invoking thread, passed through so `!kill` can
// confirm back to it. Dispatch errors (unknown command, forbidden, bad
// arguments) are surfaced back into the thread when a session exists to
// post through; otherwise they're just logged, since there's nowhere to
// reply that isn't the thread itself.
func (m *Manager) dispatchCommand(ctx context.Context, client platform.Client, threadID string, p command.Parsed, s *session.Session, user platform.User) {
	err := m.commands.Dispatch(ctx, p, s, user, client, threadID)
	if err == nil {
		return
	}
	m.log.Warn("command dispatch failed", zap.String("command", p.Name), zap.String("user", user.Username), zap.Error(err))
	if s != nil && s.Messages != nil {
		if _, werr := s.Messages.System.Warning(ctx, err.Error()); werr != nil {
			m.log.Warn("failed to post command error", zap.Error(werr))
		}
	}
}

func (m *Manager) nextSessionNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionSeq++
	return m.sessionSeq
}

func (m *Manager) setRunning(id ids.Composite, rs *runningSession) {
	m.mu.Lock()
	m.running[id] = rs
	m.mu.Unlock()
}

func (m *Manager) clearRunning(id ids.Composite) (*runningSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.running[id]
	delete(m.running, id)
	return rs, ok
}

func (m *Manager) getRunning(id ids.Composite) (*runningSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.running[id]
	return rs, ok
}

func sessionRootContent(s *session.Session) string {
	return fmt.Sprintf("**Session #%d** started by %s", s.SessionNumber, s.OwnerDisplayName)
}

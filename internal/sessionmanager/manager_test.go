package sessionmanager

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/relaycode/chatops/internal/assistant"
	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/persistence"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
	"github.com/relaycode/chatops/internal/session"
	"github.com/relaycode/chatops/internal/worktree"
)

// fakeProcess is an AssistantProcess test double driven entirely in-memory,
// standing in for the real os/exec-backed assistant.Process.
type fakeProcess struct {
	events    chan assistant.Event
	prompts   []string
	started   bool
	stopped   bool
	interrupt int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{events: make(chan assistant.Event, 16)}
}

func (p *fakeProcess) Start(ctx context.Context) error { p.started = true; return nil }
func (p *fakeProcess) Events() assistant.Stream        { return p.events }
func (p *fakeProcess) SendPrompt(text string) error    { p.prompts = append(p.prompts, text); return nil }
func (p *fakeProcess) Interrupt() error                { p.interrupt++; return nil }
func (p *fakeProcess) Stop(ctx context.Context) error   { p.stopped = true; close(p.events); return nil }
func (p *fakeProcess) Wait() error                      { return nil }

// fakePersistence is an in-memory Persistence test double.
type fakePersistence struct {
	records map[string]persistence.Record
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: map[string]persistence.Record{}}
}

func (f *fakePersistence) Save(ctx context.Context, rec persistence.Record) error {
	f.records[rec.CompositeID] = rec
	return nil
}

func (f *fakePersistence) SoftDelete(ctx context.Context, compositeID string) error {
	delete(f.records, compositeID)
	return nil
}

func (f *fakePersistence) Load(compositeID string) (map[string]interface{}, bool, error) {
	rec, ok := f.records[compositeID]
	if !ok {
		return nil, false, nil
	}
	return rec.Data, true, nil
}

func newTestManager(t *testing.T, procs []*fakeProcess) (*Manager, *platform.MockPlatform, bus.EventBus, *fakePersistence) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	mp := platform.NewMockPlatform("plat-1")
	mp.AllowUser("owner")
	b := bus.NewMemoryEventBus(log)
	persist := newFakePersistence()

	i := 0
	factory := func(cfg assistant.Config, l *logger.Logger) AssistantProcess {
		if i >= len(procs) {
			return newFakeProcess()
		}
		proc := procs[i]
		i++
		return proc
	}

	m := New(Config{FlushDebounce: 10 * time.Millisecond}, session.NewRegistry(nil), b, persist, worktree.New(), posttracker.New(), log, factory)
	m.RegisterPlatform(mp)
	return m, mp, b, persist
}

func TestStartSessionThenFollowUp(t *testing.T) {
	proc := newFakeProcess()
	m, mp, _, _ := newTestManager(t, []*fakeProcess{proc})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot do the thing", "thread-1", platform.User{ID: "u1", Username: "owner", DisplayName: "Owner"})

	s, ok := m.registry.GetByThread("plat-1", "thread-1")
	if !ok {
		t.Fatalf("expected session to be registered")
	}
	if s.GetState() != session.LifecycleActive {
		t.Fatalf("expected active state, got %s", s.GetState())
	}
	if len(proc.prompts) != 1 || proc.prompts[0] != "do the thing" {
		t.Fatalf("expected initial prompt delivered, got %v", proc.prompts)
	}
	if s.SessionStartPostID == "" {
		t.Fatalf("expected session-root post to be created")
	}

	mp.SimulateMessage(ctx, "a follow-up", "thread-1", platform.User{ID: "u1", Username: "owner"})
	if len(proc.prompts) != 2 || proc.prompts[1] != "a follow-up" {
		t.Fatalf("expected follow-up prompt delivered, got %v", proc.prompts)
	}
}

func TestPauseThenResume(t *testing.T) {
	proc1 := newFakeProcess()
	proc2 := newFakeProcess()
	m, mp, _, _ := newTestManager(t, []*fakeProcess{proc1, proc2})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot go", "thread-1", platform.User{ID: "u1", Username: "owner"})
	s, _ := m.registry.GetByThread("plat-1", "thread-1")

	if err := m.PauseSession(ctx, s, "idle"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !proc1.stopped {
		t.Fatalf("expected process stopped on pause")
	}
	if s.GetState() != session.LifecyclePaused {
		t.Fatalf("expected paused state, got %s", s.GetState())
	}
	if _, ok := m.getRunning(s.ID); ok {
		t.Fatalf("expected no running process after pause")
	}
	if s.LifecyclePostID == "" {
		t.Fatalf("expected a lifecycle post to be created on pause")
	}

	if err := m.ResumeSession(ctx, s); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !proc2.started {
		t.Fatalf("expected a fresh process started on resume")
	}
	if s.GetState() != session.LifecycleActive {
		t.Fatalf("expected active state after resume, got %s", s.GetState())
	}

	content, ok := mp.PostContent(s.LifecyclePostID)
	if !ok || content != "Session resumed." {
		t.Fatalf("expected lifecycle post updated to resumed text, got %q", content)
	}
}

func TestKillSessionRejectsDisallowedUser(t *testing.T) {
	proc := newFakeProcess()
	m, mp, _, _ := newTestManager(t, []*fakeProcess{proc})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot go", "thread-1", platform.User{ID: "u1", Username: "owner"})
	s, _ := m.registry.GetByThread("plat-1", "thread-1")

	if err := m.KillSession(ctx, s, "stranger"); err == nil {
		t.Fatalf("expected kill by a disallowed user to be rejected")
	}
	if _, ok := m.registry.GetByThread("plat-1", "thread-1"); !ok {
		t.Fatalf("session should still be active after a rejected kill")
	}

	if err := m.KillSession(ctx, s, "owner"); err != nil {
		t.Fatalf("kill by owner: %v", err)
	}
	if !proc.stopped {
		t.Fatalf("expected process stopped on kill")
	}
	if _, ok := m.registry.GetByThread("plat-1", "thread-1"); ok {
		t.Fatalf("session should be removed after kill")
	}
}

func TestSessionRootReactionCancelKillsSession(t *testing.T) {
	proc := newFakeProcess()
	m, mp, _, _ := newTestManager(t, []*fakeProcess{proc})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot go", "thread-1", platform.User{ID: "u1", Username: "owner"})
	s, _ := m.registry.GetByThread("plat-1", "thread-1")
	rootPost := s.SessionStartPostID

	mp.SimulateReaction(ctx, rootPost, "x", platform.User{ID: "u1", Username: "owner"}, platform.ReactionAdded)

	if _, ok := m.registry.GetByThread("plat-1", "thread-1"); ok {
		t.Fatalf("expected cancel reaction to kill the session")
	}
	if !proc.stopped {
		t.Fatalf("expected process stopped by cancel reaction")
	}
}

func TestSessionRootReactionEscapeInterrupts(t *testing.T) {
	proc := newFakeProcess()
	m, mp, _, _ := newTestManager(t, []*fakeProcess{proc})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot go", "thread-1", platform.User{ID: "u1", Username: "owner"})
	s, _ := m.registry.GetByThread("plat-1", "thread-1")

	mp.SimulateReaction(ctx, s.SessionStartPostID, "escape", platform.User{ID: "u1", Username: "owner"}, platform.ReactionAdded)

	if proc.interrupt != 1 {
		t.Fatalf("expected one interrupt call, got %d", proc.interrupt)
	}
	if _, ok := m.registry.GetByThread("plat-1", "thread-1"); !ok {
		t.Fatalf("session should still be active after an escape reaction")
	}
}

func TestLifecycleReactionResumesPausedSession(t *testing.T) {
	proc1 := newFakeProcess()
	proc2 := newFakeProcess()
	m, mp, _, _ := newTestManager(t, []*fakeProcess{proc1, proc2})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot go", "thread-1", platform.User{ID: "u1", Username: "owner"})
	s, _ := m.registry.GetByThread("plat-1", "thread-1")
	if err := m.PauseSession(ctx, s, "idle"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	mp.SimulateReaction(ctx, s.LifecyclePostID, "resume", platform.User{ID: "u1", Username: "owner"}, platform.ReactionAdded)

	if s.GetState() != session.LifecycleActive {
		t.Fatalf("expected active state after resume reaction, got %s", s.GetState())
	}
	if !proc2.started {
		t.Fatalf("expected a fresh process to be started by the resume reaction")
	}
}

func TestBusEventRelaysAnswerToRunningProcess(t *testing.T) {
	proc := newFakeProcess()
	m, mp, evBus, _ := newTestManager(t, []*fakeProcess{proc})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot go", "thread-1", platform.User{ID: "u1", Username: "owner"})

	ev := bus.NewEvent("interactive.question.complete", "test", map[string]interface{}{
		"threadId": "thread-1",
		"answers":  []string{"yes", "42"},
	})
	if err := evBus.Publish(ctx, "interactive.question.complete", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(proc.prompts) != 2 {
		t.Fatalf("expected initial prompt plus relayed answer, got %v", proc.prompts)
	}
	if proc.prompts[1] != "Answers: yes; 42" {
		t.Fatalf("unexpected relayed prompt: %q", proc.prompts[1])
	}
}

func TestKillSessionSoftDeletesPersistedRecord(t *testing.T) {
	proc := newFakeProcess()
	m, mp, _, persist := newTestManager(t, []*fakeProcess{proc})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot go", "thread-1", platform.User{ID: "u1", Username: "owner"})
	s, _ := m.registry.GetByThread("plat-1", "thread-1")

	if _, ok := persist.records[s.ID.String()]; !ok {
		t.Fatalf("expected session to be persisted after start")
	}

	if err := m.KillSession(ctx, s, "owner"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if _, ok := persist.records[s.ID.String()]; ok {
		t.Fatalf("expected persisted record removed after kill")
	}
}

func TestKillAllConfirmsInvokingThreadAndNotifiesOthers(t *testing.T) {
	proc1 := newFakeProcess()
	proc2 := newFakeProcess()
	m, mp, _, _ := newTestManager(t, []*fakeProcess{proc1, proc2})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot go", "thread-1", platform.User{ID: "u1", Username: "owner"})
	mp.SimulateMessage(ctx, "@bot go", "thread-2", platform.User{ID: "u1", Username: "owner"})

	if err := m.KillAll(ctx, "owner", mp, "thread-1"); err != nil {
		t.Fatalf("kill all: %v", err)
	}

	if _, ok := m.registry.GetByThread("plat-1", "thread-1"); ok {
		t.Fatalf("expected thread-1's session killed")
	}
	if _, ok := m.registry.GetByThread("plat-1", "thread-2"); ok {
		t.Fatalf("expected thread-2's session killed")
	}
	if !proc1.stopped || !proc2.stopped {
		t.Fatalf("expected both processes stopped")
	}

	var confirmedInvoker, notifiedOther bool
	for _, id := range mp.LivePostIDs() {
		content, _ := mp.PostContent(id)
		threadID, ok := mp.PostThread(id)
		if !ok {
			continue
		}
		switch threadID {
		case "thread-1":
			if content == "Killing 2 active session(s)." {
				confirmedInvoker = true
			}
		case "thread-2":
			if strings.Contains(content, "killed by a !kill from another thread") {
				notifiedOther = true
			}
		}
	}
	if !confirmedInvoker {
		t.Fatalf("expected a kill-all confirmation posted to the invoking thread")
	}
	if !notifiedOther {
		t.Fatalf("expected the other active thread to be notified before being killed")
	}
}

func TestRehydrateResumesAfterRestart(t *testing.T) {
	proc1 := newFakeProcess()
	m1, mp, _, persist := newTestManager(t, []*fakeProcess{proc1})
	ctx := context.Background()

	mp.SimulateMessage(ctx, "@bot start", "thread-1", platform.User{ID: "u1", Username: "owner", DisplayName: "Owner"})
	s1, _ := m1.registry.GetByThread("plat-1", "thread-1")
	if err := m1.PauseSession(ctx, s1, "daemon restart"); err != nil {
		t.Fatalf("pause before restart: %v", err)
	}

	// Simulate a daemon restart: a brand new Manager sharing the same
	// platform mock and persistence store, with an empty registry that
	// falls back to the persistence store on lookup.
	proc2 := newFakeProcess()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	b := bus.NewMemoryEventBus(log)
	factory := func(cfg assistant.Config, l *logger.Logger) AssistantProcess { return proc2 }
	m2 := New(Config{FlushDebounce: 10 * time.Millisecond}, session.NewRegistry(persist), b, persist, worktree.New(), posttracker.New(), log, factory)
	m2.RegisterPlatform(mp)

	mp.SimulateMessage(ctx, "a follow-up after restart", "thread-1", platform.User{ID: "u1", Username: "owner"})

	s2, ok := m2.registry.GetByThread("plat-1", "thread-1")
	if !ok {
		t.Fatalf("expected rehydrated session to be registered")
	}
	if s2.GetState() != session.LifecycleActive {
		t.Fatalf("expected rehydrated session to resume to active, got %s", s2.GetState())
	}
	if !proc2.started {
		t.Fatalf("expected a fresh process spawned for the rehydrated session")
	}
	if len(proc2.prompts) != 1 || proc2.prompts[0] != "a follow-up after restart" {
		t.Fatalf("expected the triggering follow-up delivered to the rehydrated process, got %v", proc2.prompts)
	}
}

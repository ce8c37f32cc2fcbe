package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/session"
	"github.com/relaycode/chatops/pkg/ids"
)

type fakeController struct {
	mu      sync.Mutex
	paused  []string
	refresh int
}

func (f *fakeController) PauseSession(_ context.Context, s *session.Session, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, s.ID.String())
	s.SetState(session.LifecyclePaused)
	return nil
}

func (f *fakeController) RefreshStickyMessages(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh++
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestCheckOncePausesTimedOutSessions(t *testing.T) {
	reg := session.NewRegistry(nil)
	id := ids.New("mattermost", "thread-1")
	s := session.New(id, "alice", "Alice", nil)
	s.SetState(session.LifecycleActive)
	s.LastActivityAt = time.Now().Add(-time.Hour)
	reg.Add(s)

	ctrl := &fakeController{}
	r := New(Config{WarningThreshold: 10 * time.Minute, TimeoutThreshold: 20 * time.Minute}, reg, ctrl, nil, nil, testLogger(t))
	r.checkOnce(context.Background())

	if len(ctrl.paused) != 1 {
		t.Fatalf("expected 1 paused session, got %d", len(ctrl.paused))
	}
	if s.GetState() != session.LifecyclePaused {
		t.Fatalf("expected session to transition to paused, got %v", s.GetState())
	}
}

func TestCheckOnceWarnsWithoutPausingBeforeTimeout(t *testing.T) {
	reg := session.NewRegistry(nil)
	id := ids.New("mattermost", "thread-1")
	s := session.New(id, "alice", "Alice", nil)
	s.SetState(session.LifecycleActive)
	s.LastActivityAt = time.Now().Add(-15 * time.Minute)
	reg.Add(s)

	ctrl := &fakeController{}
	r := New(Config{WarningThreshold: 10 * time.Minute, TimeoutThreshold: 20 * time.Minute}, reg, ctrl, nil, nil, testLogger(t))
	r.checkOnce(context.Background())

	if len(ctrl.paused) != 0 {
		t.Fatalf("expected no pause yet, got %d", len(ctrl.paused))
	}
	if !s.TimeoutWarningPosted {
		t.Fatal("expected the warning flag to be set")
	}
}

func TestCheckOnceAlwaysRefreshesStickyMessages(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctrl := &fakeController{}
	r := New(Config{WarningThreshold: time.Minute, TimeoutThreshold: time.Hour}, reg, ctrl, nil, nil, testLogger(t))
	r.checkOnce(context.Background())
	if ctrl.refresh != 1 {
		t.Fatalf("expected sticky messages refreshed once, got %d", ctrl.refresh)
	}
}

package bugreport

import (
	"context"
	"testing"
	"time"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/events/bus"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

func newTestExecutor(t *testing.T) (*Executor, *platform.MockPlatform, bus.EventBus) {
	mp := platform.NewMockPlatform("plat-1")
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	b := bus.NewMemoryEventBus(log)
	return New(mp, posttracker.New(), b, log, "thread-1"), mp, b
}

func TestRequestThenApprove(t *testing.T) {
	exec, mp, b := newTestExecutor(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	sub, err := b.Subscribe(SubjectComplete, func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	report := Report{Title: "crash on save", Body: "steps to repro...", UserDescription: "happens every time"}
	if err := exec.Request(ctx, report); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !exec.HasPending() {
		t.Fatal("expected a pending bug report")
	}
	postID := mp.LivePostIDs()[0]

	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiApprove, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}
	if exec.HasPending() {
		t.Fatal("expected the pending report to clear")
	}

	select {
	case e := <-received:
		if approve, _ := e.Data["approve"].(bool); !approve {
			t.Fatal("expected approve=true")
		}
	case <-time.After(time.Second):
		t.Fatal("expected bug-report:complete to be published")
	}
}

func TestDuplicateRequestDropped(t *testing.T) {
	exec, mp, _ := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Request(ctx, Report{Title: "first"})
	_ = exec.Request(ctx, Report{Title: "second"})

	if mp.CreateCallCount() != 1 {
		t.Fatalf("expected second request to be dropped, got %d creates", mp.CreateCallCount())
	}
}

func TestDenyDoesNotPublishApprove(t *testing.T) {
	exec, mp, b := newTestExecutor(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	sub, err := b.Subscribe(SubjectComplete, func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	_ = exec.Request(ctx, Report{Title: "minor issue"})
	postID := mp.LivePostIDs()[0]
	_, _ = exec.HandleReaction(ctx, postID, platform.EmojiDeny, platform.ReactionAdded)

	select {
	case e := <-received:
		if approve, _ := e.Data["approve"].(bool); approve {
			t.Fatal("expected approve=false for a deny reaction")
		}
	case <-time.After(time.Second):
		t.Fatal("expected bug-report:complete to fire even on deny")
	}
}

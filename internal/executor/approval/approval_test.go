package approval

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

func TestRequestThenAllowAllInvites(t *testing.T) {
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

	if err := exec.Request(ctx, "alice", "please run this"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !exec.HasPending() {
		t.Fatal("expected a pending approval")
	}
	postID := mp.LivePostIDs()[0]

	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiAllowAll, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}
	if exec.HasPending() {
		t.Fatal("expected the pending approval to clear")
	}

	select {
	case e := <-received:
		if d, _ := e.Data["decision"].(string); d != string(DecisionInvite) {
			t.Fatalf("expected decision invite, got %v", d)
		}
		if from, _ := e.Data["fromUser"].(string); from != "alice" {
			t.Fatalf("expected fromUser alice, got %v", from)
		}
	case <-time.After(time.Second):
		t.Fatal("expected message-approval:complete to be published")
	}
}

func TestDuplicateRequestDropped(t *testing.T) {
	exec, mp, _ := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Request(ctx, "alice", "first")
	_ = exec.Request(ctx, "bob", "second")

	if mp.CreateCallCount() != 1 {
		t.Fatalf("expected the second request to be dropped, got %d creates", mp.CreateCallCount())
	}
}

func TestDenyDecision(t *testing.T) {
	exec, mp, _ := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Request(ctx, "alice", "risky op")
	postID := mp.LivePostIDs()[0]

	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiDeny, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}
	content, _ := mp.PostContent(postID)
	if content != "risky op\n\nDecision: deny" {
		t.Fatalf("unexpected post content: %q", content)
	}
}

func TestUnrelatedPostNotHandled(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	handled, err := exec.HandleReaction(context.Background(), "post-999", platform.EmojiApprove, platform.ReactionAdded)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if handled {
		t.Fatal("expected an unrelated post id not to be handled")
	}
}

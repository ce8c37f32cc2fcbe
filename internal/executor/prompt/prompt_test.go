package prompt

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

func TestContextPromptSelectsMappedOption(t *testing.T) {
	exec, mp, b := newTestExecutor(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	sub, err := b.Subscribe(SubjectContextComplete, func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := exec.AskContext(ctx, "do the thing", nil, 10, []int{1, 3, 5}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	postID := onlyLivePost(t, mp)

	// "two" selects availableOptions[1] == 3, per spec's boundary example.
	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiTwo, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}
	if exec.HasPendingContext() {
		t.Fatal("expected the context prompt to clear after resolution")
	}

	select {
	case e := <-received:
		if sel, _ := e.Data["selection"].(int); sel != 3 {
			t.Fatalf("expected selection 3, got %v", sel)
		}
	case <-time.After(time.Second):
		t.Fatal("expected context-prompt:complete to be published")
	}
}

func TestContextPromptDenyMeansZero(t *testing.T) {
	exec, mp, _ := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.AskContext(ctx, "prompt", nil, 10, []int{1, 3, 5})
	postID := onlyLivePost(t, mp)

	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiDeny, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}
	content, _ := mp.PostContent(postID)
	if content != "Context messages: 0" {
		t.Fatalf("expected skip to resolve to 0, got %q", content)
	}
}

func TestOutOfBoundsContextReactionIsIgnored(t *testing.T) {
	exec, mp, _ := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.AskContext(ctx, "prompt", nil, 10, []int{1, 3})
	postID := onlyLivePost(t, mp)

	// Only two options are available; "four" is out of bounds and must be
	// ignored, leaving the prompt pending rather than resolving to 0.
	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiFour, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}
	if !exec.HasPendingContext() {
		t.Fatal("expected an out-of-bounds reaction to leave the prompt pending")
	}
	content, _ := mp.PostContent(postID)
	if content == "Context messages: 0" {
		t.Fatalf("expected out-of-bounds reaction not to resolve the prompt, got %q", content)
	}

	// A subsequent valid reaction still resolves it normally.
	handled, err = exec.HandleReaction(ctx, postID, platform.EmojiOne, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}
	if exec.HasPendingContext() {
		t.Fatal("expected a valid reaction after the ignored one to resolve the prompt")
	}
}

func TestRemovedReactionIsNoOp(t *testing.T) {
	exec, mp, _ := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.AskContext(ctx, "prompt", nil, 10, []int{1, 3})
	postID := onlyLivePost(t, mp)

	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiOne, platform.ReactionRemoved)
	if err != nil || !handled {
		t.Fatalf("expected handled=true (belongs to this prompt) err=%v", err)
	}
	if !exec.HasPendingContext() {
		t.Fatal("expected a removed reaction to leave the prompt pending")
	}
}

func TestWorktreePromptApproveJoins(t *testing.T) {
	exec, mp, b := newTestExecutor(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	sub, err := b.Subscribe(SubjectWorktreeComplete, func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := exec.AskExistingWorktree(ctx, "/repo/wt-1"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	postID := onlyLivePost(t, mp)

	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiApprove, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}

	select {
	case e := <-received:
		if join, _ := e.Data["join"].(bool); !join {
			t.Fatal("expected join=true")
		}
	case <-time.After(time.Second):
		t.Fatal("expected worktree-prompt:complete to be published")
	}
}

func TestUpdatePromptDenyDefers(t *testing.T) {
	exec, mp, b := newTestExecutor(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	sub, err := b.Subscribe(SubjectUpdateComplete, func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := exec.AskUpdate(ctx, "2.0.0"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	postID := onlyLivePost(t, mp)

	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiDeny, platform.ReactionAdded)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}

	select {
	case e := <-received:
		if updateNow, _ := e.Data["updateNow"].(bool); updateNow {
			t.Fatal("expected updateNow=false for a deny")
		}
	case <-time.After(time.Second):
		t.Fatal("expected update-prompt:complete to be published")
	}
}

func TestInjectContextTimeout(t *testing.T) {
	exec, mp, _ := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.AskContext(ctx, "prompt", nil, 10, []int{1, 3})

	if err := exec.InjectContextTimeout(ctx, 1); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if exec.HasPendingContext() {
		t.Fatal("expected the timeout injection to resolve the pending prompt")
	}
	postID := onlyLivePost(t, mp)
	content, _ := mp.PostContent(postID)
	if content != "Context messages: 1" {
		t.Fatalf("expected timeout selection applied, got %q", content)
	}
}

func onlyLivePost(t *testing.T, mp *platform.MockPlatform) string {
	ids := mp.LivePostIDs()
	if len(ids) != 1 {
		t.Fatalf("expected exactly one live post, got %v", ids)
	}
	return ids[0]
}

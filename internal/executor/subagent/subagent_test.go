package subagent

import (
	"context"
	"strings"
	"testing"

	"github.com/relaycode/chatops/internal/common/logger"
	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/posttracker"
)

func newTestExecutor(t *testing.T) (*Executor, *platform.MockPlatform) {
	mp := platform.NewMockPlatform("plat-1")
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return New(mp, posttracker.New(), log, "thread-1"), mp
}

func TestStartCreatesPost(t *testing.T) {
	exec, mp := newTestExecutor(t)
	if err := exec.Start(context.Background(), "tu-1", "building widget", "code"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if exec.Count() != 1 {
		t.Fatalf("expected 1 tracked subagent, got %d", exec.Count())
	}
	if mp.CreateCallCount() != 1 {
		t.Fatalf("expected 1 post created, got %d", mp.CreateCallCount())
	}
	exec.Reset()
}

func TestDuplicateStartIgnored(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Start(ctx, "tu-1", "building widget", "code")
	_ = exec.Start(ctx, "tu-1", "building widget again", "code")

	if mp.CreateCallCount() != 1 {
		t.Fatalf("expected duplicate start to be a no-op, got %d creates", mp.CreateCallCount())
	}
	exec.Reset()
}

func TestCompleteMarksDone(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Start(ctx, "tu-1", "building widget", "code")
	postID := mp.LivePostIDs()[0]

	if err := exec.Complete(ctx, "tu-1", "built successfully"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	content, _ := mp.PostContent(postID)
	if !strings.Contains(content, "done") || !strings.Contains(content, "built successfully") {
		t.Fatalf("expected completed content, got %q", content)
	}
	exec.Reset()
}

func TestToggleMinimizeViaReaction(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Start(ctx, "tu-1", "building widget", "code")
	postID := mp.LivePostIDs()[0]
	full, _ := mp.PostContent(postID)

	handled, err := exec.HandleReaction(ctx, postID, platform.EmojiMinimizeToggle)
	if err != nil || !handled {
		t.Fatalf("expected handled, handled=%v err=%v", handled, err)
	}
	minimized, _ := mp.PostContent(postID)
	if minimized == full {
		t.Fatal("expected minimized rendering to differ")
	}
	exec.Reset()
}

func TestResetClearsEntries(t *testing.T) {
	exec, _ := newTestExecutor(t)
	_ = exec.Start(context.Background(), "tu-1", "x", "code")
	exec.Reset()
	if exec.Count() != 0 {
		t.Fatalf("expected 0 tracked subagents after reset, got %d", exec.Count())
	}
}

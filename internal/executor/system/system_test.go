package system

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

func TestInfoPostsAndTracksEphemeral(t *testing.T) {
	exec, mp := newTestExecutor(t)
	id, err := exec.Info(context.Background(), "session started")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	content, _ := mp.PostContent(id)
	if !strings.Contains(content, "session started") {
		t.Fatalf("expected message in content, got %q", content)
	}
	if exec.EphemeralCount() != 1 {
		t.Fatalf("expected 1 ephemeral post tracked, got %d", exec.EphemeralCount())
	}
}

func TestCleanupEphemeralDeletesAndClears(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	id1, _ := exec.Warning(ctx, "idle soon")
	id2, _ := exec.Error(ctx, "child process crashed")

	exec.CleanupEphemeral(ctx)

	if !mp.Deleted[id1] || !mp.Deleted[id2] {
		t.Fatal("expected both ephemeral posts to be deleted")
	}
	if exec.EphemeralCount() != 0 {
		t.Fatalf("expected ephemeral list cleared, got %d", exec.EphemeralCount())
	}
}

func TestSuccessLevelPrefix(t *testing.T) {
	exec, mp := newTestExecutor(t)
	id, _ := exec.Success(context.Background(), "done")
	content, _ := mp.PostContent(id)
	if !strings.HasPrefix(content, "✓") {
		t.Fatalf("expected success prefix, got %q", content)
	}
}

package tasklist

import (
	"context"
	"sync"
	"testing"

	"github.com/relaycode/chatops/internal/assistant"
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

func sampleTasks() []assistant.TaskItem {
	return []assistant.TaskItem{
		{Content: "write code", Status: assistant.TaskCompleted},
		{Content: "write tests", Status: assistant.TaskInProgress, ActiveForm: "writing tests"},
		{Content: "ship it", Status: assistant.TaskPending},
	}
}

func TestUpdateCreatesPostOnFirstCall(t *testing.T) {
	exec, mp := newTestExecutor(t)
	if err := exec.Update(context.Background(), sampleTasks()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if exec.PostID() == "" {
		t.Fatal("expected a post to be created")
	}
	if exec.State() != StateRenderedExpanded {
		t.Fatalf("expected rendered_expanded, got %v", exec.State())
	}
	content, _ := mp.PostContent(exec.PostID())
	if content == "" {
		t.Fatal("expected rendered content")
	}
}

func TestUpdateReusesExistingPost(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Update(ctx, sampleTasks())
	id := exec.PostID()

	tasks := sampleTasks()
	tasks[1].Status = assistant.TaskCompleted
	if err := exec.Update(ctx, tasks); err != nil {
		t.Fatalf("update: %v", err)
	}
	if exec.PostID() != id {
		t.Fatalf("expected same post reused, got %q", exec.PostID())
	}
	if mp.CreateCallCount() != 1 {
		t.Fatalf("expected exactly one created post, got %d", mp.CreateCallCount())
	}
}

func TestZeroTasksRendersWithoutDivideByZero(t *testing.T) {
	exec, mp := newTestExecutor(t)
	if err := exec.Update(context.Background(), nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	content, _ := mp.PostContent(exec.PostID())
	if content == "" {
		t.Fatal("expected rendered content even with zero tasks")
	}
}

func TestToggleMinimizeChangesRenderingInPlace(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Update(ctx, sampleTasks())
	id := exec.PostID()
	full, _ := mp.PostContent(id)

	if err := exec.ToggleMinimize(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if exec.State() != StateRenderedMinimized {
		t.Fatalf("expected rendered_minimized, got %v", exec.State())
	}
	minimized, _ := mp.PostContent(id)
	if minimized == full {
		t.Fatal("expected minimized rendering to differ from full rendering")
	}
	if exec.PostID() != id {
		t.Fatal("expected toggle to update in place, not create a new post")
	}
}

func TestCompleteUnpinsPost(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Update(ctx, sampleTasks())
	id := exec.PostID()

	done := sampleTasks()
	for i := range done {
		done[i].Status = assistant.TaskCompleted
	}
	if err := exec.Complete(ctx, done); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if exec.State() != StateCompleted {
		t.Fatalf("expected completed state, got %v", exec.State())
	}
	found := false
	for _, call := range mp.Calls {
		if call == "unpin:"+id {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the completed post to be unpinned")
	}
}

func TestBumpToBottomDeletesOldAndCreatesNew(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Update(ctx, sampleTasks())
	oldID := exec.PostID()

	returnedOld, err := exec.BumpToBottom(ctx)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if returnedOld != oldID {
		t.Fatalf("expected old post id %q, got %q", oldID, returnedOld)
	}
	if !mp.Deleted[oldID] {
		t.Fatal("expected the old post to be deleted")
	}
	if exec.PostID() == oldID || exec.PostID() == "" {
		t.Fatalf("expected a fresh post distinct from %q, got %q", oldID, exec.PostID())
	}
}

func TestConcurrentBumpsAreSerializedWithoutDuplicatePosts(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Update(ctx, sampleTasks())

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			old, err := exec.BumpToBottom(ctx)
			if err != nil {
				t.Errorf("bump %d: %v", idx, err)
				return
			}
			results[idx] = old
		}(i)
	}
	wg.Wait()

	// Overlapping triggers share one bump through singleflight and all get
	// its old post id; a trigger that starts after a bump finished bumps the
	// post it sees. Either way every bump deletes the post it replaces, so
	// exactly one task-list post is left live and no duplicate remains.
	nonEmpty := 0
	for _, r := range results {
		if r != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		t.Fatal("expected at least one bump to observe a real old post")
	}
	if exec.PostID() == "" {
		t.Fatal("expected the task list to still have a live post after the race")
	}
	if live := mp.LivePostIDs(); len(live) != 1 || live[0] != exec.PostID() {
		t.Fatalf("expected exactly one live task list post %q, got %v", exec.PostID(), live)
	}
}

func TestBumpAndGetOldPostRepurposesPost(t *testing.T) {
	exec, mp := newTestExecutor(t)
	ctx := context.Background()
	_ = exec.Update(ctx, sampleTasks())
	oldID := exec.PostID()

	repurposed, ok := exec.BumpAndGetOldPost(ctx, "streamed content")
	if !ok {
		t.Fatal("expected repurposing to succeed")
	}
	if repurposed != oldID {
		t.Fatalf("expected repurposed post %q, got %q", oldID, repurposed)
	}
	if mp.Deleted[oldID] {
		t.Fatal("expected the repurposed post to survive, not be deleted")
	}
	content, _ := mp.PostContent(oldID)
	if content != "streamed content" {
		t.Fatalf("expected repurposed content, got %q", content)
	}
	if exec.PostID() == "" || exec.PostID() == oldID {
		t.Fatal("expected the task list to have moved to a fresh post")
	}
}

func TestBumpAndGetOldPostNoOpWhenNoList(t *testing.T) {
	exec, _ := newTestExecutor(t)
	_, ok := exec.BumpAndGetOldPost(context.Background(), "content")
	if ok {
		t.Fatal("expected no repurposing to happen when no task list post exists yet")
	}
}

func TestHydrateRestoresState(t *testing.T) {
	exec, _ := newTestExecutor(t)
	exec.Hydrate(Snapshot{PostID: "post-7", LastContent: "Tasks: 1/2 · 50%", Minimized: true})

	if exec.PostID() != "post-7" {
		t.Fatalf("expected hydrated post id, got %q", exec.PostID())
	}
	if exec.State() != StateRenderedMinimized {
		t.Fatalf("expected rendered_minimized after hydrating a minimized snapshot, got %v", exec.State())
	}
}

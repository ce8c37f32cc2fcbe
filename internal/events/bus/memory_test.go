package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycode/chatops/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	if !b.IsConnected() {
		t.Error("expected a fresh bus to be connected")
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("session.lifecycle.idle", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("idle_warning", "lifecycle-monitor", map[string]interface{}{"threadId": "t1"})
	if err := b.Publish(ctx, "session.lifecycle.idle", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event id %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMatchesWildcardSubject(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("tasklist.*.bumped", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("bumped", "tasklist-executor", nil)
	if err := b.Publish(ctx, "tasklist.thread-42.bumped", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected wildcard subject to match")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("session.started", func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if err := b.Publish(ctx, "session.started", NewEvent("started", "session-manager", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handlers invoked, got %d", count)
	}
}

func TestQueueSubscribeDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.QueueSubscribe("command.dispatch", "workers", func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe %d failed: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if err := b.Publish(ctx, "command.dispatch", NewEvent("cmd", "router", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected exactly one queue member to receive, got %d", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	sub, err := b.Subscribe("session.started", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := b.Publish(ctx, "session.started", NewEvent("started", "session-manager", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("expected no handler calls after unsubscribe, got %d", count)
	}
}

func TestRequestReceivesReply(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe("session.query", func(ctx context.Context, e *Event) error {
		reply, ok := e.Data["_reply"].(string)
		if !ok {
			t.Fatal("expected request event to carry a reply subject")
		}
		return b.Publish(ctx, reply, NewEvent("query_reply", "session-manager", map[string]interface{}{"idle": true}))
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	resp, err := b.Request(ctx, "session.query", NewEvent("query", "command-router", nil), time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if idle, _ := resp.Data["idle"].(bool); !idle {
		t.Error("expected reply payload to round-trip")
	}
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "session.query.unanswered", NewEvent("query", "command-router", nil), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error when nobody replies")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()

	if b.IsConnected() {
		t.Error("expected bus to report disconnected after close")
	}
	if err := b.Publish(context.Background(), "session.started", NewEvent("started", "session-manager", nil)); err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}
}

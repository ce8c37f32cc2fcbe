package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/relaycode/chatops/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestProcessDecodesEventLines(t *testing.T) {
	script := `echo '{"kind":"assistant","text":"hi"}'; echo '{"kind":"result","result_summary":"done"}'`
	p := New(Config{Command: "sh", Args: []string{"-c", script}}, testLogger(t))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatalf("event stream closed early, got %d events", len(got))
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}

	if got[0].Kind != KindAssistantText || got[0].Text != "hi" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Kind != KindResult || got[1].ResultSummary != "done" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}

	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestProcessUnknownKindIsNormalized(t *testing.T) {
	script := `echo '{"kind":"something_new"}'`
	p := New(Config{Command: "sh", Args: []string{"-c", script}}, testLogger(t))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case ev := <-p.Events():
		if ev.Kind != KindUnknown {
			t.Fatalf("expected KindUnknown, got %v", ev.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	_ = p.Wait()
}

func TestProcessStopTerminatesLongRunningChild(t *testing.T) {
	p := New(Config{Command: "sleep", Args: []string{"30"}}, testLogger(t))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

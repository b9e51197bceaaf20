package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type failingSink struct {
	calls atomic.Int64
}

func (s *failingSink) Emit(context.Context, Event) error {
	s.calls.Add(1)
	return errors.New("sink down")
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Emit(ctx context.Context, _ Event) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	errs   []error
}

func (n *recordingNotifier) Escalate(_ context.Context, event Event, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.errs = append(n.errs, err)
}

func TestDispatcherDeliversToSink(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink, nil)
	defer d.Close()

	d.Emit(context.Background(), Event{EventType: "login.success", UserID: "u1", Success: true})

	select {
	case got := <-sink.Events():
		if got.EventType != "login.success" || got.UserID != "u1" || !got.Success {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}
}

func TestDispatcherDisabledReturnsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NewChannelSink(1), nil)
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}

	// Every method is nil-safe.
	d.Emit(context.Background(), Event{EventType: "login.success"})
	d.Close()
	if d.Dropped() != 0 || d.Failed() != 0 {
		t.Fatal("expected zero counters from nil dispatcher")
	}
}

func TestDispatcherRetriesThenEscalates(t *testing.T) {
	sink := &failingSink{}
	notifier := &recordingNotifier{}
	d := NewDispatcher(Config{
		Enabled:      true,
		BufferSize:   4,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, sink, notifier)

	d.Emit(context.Background(), Event{EventType: "token.revoke", UserID: "u1"})
	d.Close()

	// Initial attempt plus two retries.
	if got := sink.calls.Load(); got != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", got)
	}
	if got := d.Failed(); got != 1 {
		t.Fatalf("expected 1 failed event, got %d", got)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 || notifier.events[0].EventType != "token.revoke" {
		t.Fatalf("expected escalation with the event, got %+v", notifier.events)
	}
	if notifier.errs[0] == nil {
		t.Fatal("expected escalation to carry the sink error")
	}
}

func TestDispatcherDropsUnderBackpressure(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink, nil)

	// One event occupies the worker, one fills the buffer, the rest drop.
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "login.failure"})
	}

	deadline := time.After(2 * time.Second)
	for d.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected drops under backpressure")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherCloseDrainsBuffer(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink, nil)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "login.success"})
	}
	d.Close()

	if got := len(sink.Events()); got != 10 {
		t.Fatalf("expected all buffered events delivered on close, got %d", got)
	}

	// Emits after close are ignored, not panics.
	d.Emit(context.Background(), Event{EventType: "login.success"})
	if got := len(sink.Events()); got != 10 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
}

func TestJSONWriterSinkFormat(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	err := sink.Emit(context.Background(), Event{
		Timestamp: time.Unix(1700000000, 0).UTC(),
		EventType: "2fa.enabled",
		UserID:    "u1",
		TenantID:  "0",
		Success:   true,
	})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("expected newline-terminated output")
	}

	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got.EventType != "2fa.enabled" || got.UserID != "u1" || !got.Success {
		t.Fatalf("unexpected event %+v", got)
	}
	// Empty optional fields stay off the wire.
	if strings.Contains(line, "client_id") || strings.Contains(line, "error") {
		t.Fatalf("expected omitted empty fields, got %s", line)
	}
}

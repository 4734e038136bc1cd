package memberauth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	events := []AuditEvent{
		{ID: "a", AccountID: "acct-1", Action: "login_success", Timestamp: time.Unix(100, 0).UTC()},
		{ID: "b", Action: "login_failed_bot", Timestamp: time.Unix(101, 0).UTC(), Detail: map[string]string{"email": "x@example.com"}},
	}
	for _, event := range events {
		if err := sink.Append(context.Background(), event); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	scanner := bufio.NewScanner(&buf)
	var decoded []AuditEvent
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		decoded = append(decoded, event)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d lines, want 2", len(decoded))
	}
	if decoded[0].ID != "a" || decoded[1].Action != "login_failed_bot" {
		t.Fatalf("unexpected content: %+v", decoded)
	}
	if decoded[1].Detail["email"] != "x@example.com" {
		t.Fatalf("detail lost: %+v", decoded[1])
	}
}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(1)

	if err := sink.Append(context.Background(), AuditEvent{ID: "a"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// The buffer is full; a cancelled context unblocks the writer.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Append(ctx, AuditEvent{ID: "b"}); err == nil {
		t.Fatal("expected a context error on a full buffer")
	}

	got := <-sink.Events()
	if got.ID != "a" {
		t.Fatalf("event id = %q, want a", got.ID)
	}
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(64)
	d := newAuditDispatcher(AuditConfig{BufferSize: 64, DropIfFull: true}, sink)

	for i := 0; i < 10; i++ {
		d.Dispatch(context.Background(), AuditEvent{ID: "e"})
	}
	d.Close()

	received := 0
	for {
		select {
		case <-sink.Events():
			received++
		default:
			if received != 10 {
				t.Fatalf("received %d events, want 10", received)
			}
			return
		}
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	// The sink blocks, so the one-slot buffer fills and the rest are
	// counted as dropped.
	d := newAuditDispatcher(AuditConfig{BufferSize: 1, DropIfFull: true}, slowSink{})
	defer d.Close()

	for i := 0; i < 50; i++ {
		d.Dispatch(context.Background(), AuditEvent{ID: "e"})
	}

	if d.Dropped() == 0 {
		t.Fatal("expected dropped events under backpressure")
	}
}

// slowSink blocks long enough for the dispatcher buffer to fill.
type slowSink struct{}

func (slowSink) Append(ctx context.Context, _ AuditEvent) error {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return nil
}

func TestDispatchAfterCloseIsNoOp(t *testing.T) {
	sink := NewChannelSink(8)
	d := newAuditDispatcher(AuditConfig{BufferSize: 8, DropIfFull: true}, sink)
	d.Close()

	d.Dispatch(context.Background(), AuditEvent{ID: "late"})

	select {
	case event := <-sink.Events():
		t.Fatalf("unexpected event after close: %+v", event)
	default:
	}
}

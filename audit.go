package memberauth

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// NoOpSink discards every event. Useful for tests of unrelated paths.
type NoOpSink struct{}

// Append implements [AuditSink].
func (NoOpSink) Append(context.Context, AuditEvent) error { return nil }

// ChannelSink buffers events on a channel for consumption by the
// embedding application.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

// Append implements [AuditSink]. It blocks until the event is buffered
// or ctx is cancelled.
func (s *ChannelSink) Append(ctx context.Context, event AuditEvent) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events exposes the buffered stream.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON-encoded event per line to w.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a JSONWriterSink writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Append implements [AuditSink].
func (s *JSONWriterSink) Append(_ context.Context, event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	_, err = s.writer.Write([]byte("\n"))
	return err
}

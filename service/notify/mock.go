package notify

import (
	"context"
	"log/slog"
	"sync"
)

// LogSink writes messages to the logger. It is the fallback when no real
// delivery channel is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "log_sink")}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Notify(ctx context.Context, target Target, message string) error {
	l.logger.InfoContext(ctx, "notification", "target", target.String(), "message", message)
	return nil
}

// Message is one notification captured by MockSink.
type Message struct {
	Target Target
	Text   string
}

// MockSink records notifications for tests.
type MockSink struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// NewMockSink creates an empty MockSink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Name() string { return "mock" }

// Notify records the message and returns any configured error.
func (m *MockSink) Notify(ctx context.Context, target Target, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, Message{Target: target, Text: message})
	return nil
}

// SetError makes subsequent Notify calls fail.
func (m *MockSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Messages returns a copy of everything recorded.
func (m *MockSink) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessagesTo returns the messages sent to target.
func (m *MockSink) MessagesTo(target Target) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Target == target {
			out = append(out, msg)
		}
	}
	return out
}

// Reset clears recorded messages and errors.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.err = nil
}

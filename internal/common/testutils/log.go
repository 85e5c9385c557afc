package testutils

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// MockHandler records every log record it is given and implements slog.Handler.
type MockHandler struct {
	IgnoreBelow slog.Level

	attrs []slog.Attr
	store *recordStore
}

type recordStore struct {
	records []slog.Record
	mu      sync.Mutex
}

// NewMockHandler returns a new MockHandler.
// Records at or below ignoreBelow are reported as disabled.
func NewMockHandler(ignoreBelow slog.Level) *MockHandler {
	return &MockHandler{
		IgnoreBelow: ignoreBelow,
		store:       &recordStore{},
	}
}

// Enabled implements slog.Handler.
func (h *MockHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level > h.IgnoreBelow
}

// Handle implements slog.Handler.
func (h *MockHandler) Handle(_ context.Context, record slog.Record) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	r := record.Clone()
	r.AddAttrs(h.attrs...)
	h.store.records = append(h.store.records, r)
	return nil
}

// WithAttrs implements slog.Handler. The returned handler shares the record store.
func (h *MockHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &MockHandler{
		IgnoreBelow: h.IgnoreBelow,
		attrs:       append(append([]slog.Attr{}, h.attrs...), attrs...),
		store:       h.store,
	}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (h *MockHandler) WithGroup(string) slog.Handler {
	return h
}

// Levels returns how many records were logged per level.
func (h *MockHandler) Levels() map[slog.Level]uint {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	levels := make(map[slog.Level]uint)
	for _, r := range h.store.records {
		levels[r.Level]++
	}
	return levels
}

// AssertLevels asserts that the logging levels observed match the expected amount.
func (h *MockHandler) AssertLevels(t *testing.T, want map[slog.Level]uint) bool {
	t.Helper()

	got := h.Levels()
	if want == nil {
		return assert.Empty(t, got, "expected no log records")
	}
	return assert.Equal(t, want, got, "unexpected log levels")
}

// Messages returns the messages of all logged records, in order.
func (h *MockHandler) Messages() []string {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	msgs := make([]string, 0, len(h.store.records))
	for _, r := range h.store.records {
		msgs = append(msgs, r.Message)
	}
	return msgs
}

// AttrValues returns every value logged under key, across all records.
func (h *MockHandler) AttrValues(key string) []string {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	var values []string
	for _, r := range h.store.records {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == key {
				values = append(values, a.Value.String())
			}
			return true
		})
	}
	return values
}

// Attrs returns every attribute logged, across all records.
func (h *MockHandler) Attrs() []slog.Attr {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	var attrs []slog.Attr
	for _, r := range h.store.records {
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a)
			return true
		})
	}
	return attrs
}

// OutputLogs outputs the logs collected by the handler in a readable format.
func (h *MockHandler) OutputLogs(t *testing.T) {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	for _, r := range h.store.records {
		t.Logf("Logged %v %s:", r.Level, r.Message)
		r.Attrs(func(attr slog.Attr) bool {
			t.Log(attr.String())
			return true
		})
	}
}

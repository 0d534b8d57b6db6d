// Package testutil provides testing utilities and helpers for the reqguard
// library.
package testutil

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// MockClock provides a controllable time source for deterministic testing.
// Safe for concurrent use: guards may read it while the test advances it.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new mock clock starting at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// TestSecret returns a 32-byte signing secret for tests.
func TestSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

// DiscardLogger returns a logger that drops all output, for tests that don't
// assert on log contents.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

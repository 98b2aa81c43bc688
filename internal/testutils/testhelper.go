package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// EventRecorder collects controller events in delivery order.
type EventRecorder struct {
	mu     sync.Mutex
	events []gatt.Event
}

// Record is registered with Controller.OnEvent.
func (r *EventRecorder) Record(ev gatt.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns every recorded event.
func (r *EventRecorder) Events() []gatt.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gatt.Event(nil), r.events...)
}

// OfType returns the recorded events of the given types, in order.
func (r *EventRecorder) OfType(types ...gatt.EventType) []gatt.Event {
	var out []gatt.Event
	for _, ev := range r.Events() {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *EventRecorder) Count(t gatt.EventType) int {
	return len(r.OfType(t))
}

// States returns the sequence of reported state changes.
func (r *EventRecorder) States() []gatt.State {
	var out []gatt.State
	for _, ev := range r.OfType(gatt.EventStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

// Reset forgets every recorded event.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// LoadFixture reads a file relative to the project root.
func LoadFixture(relPath string) ([]byte, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	// Navigate up to find the project root (look for go.mod file)
	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return nil, fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return data, nil
}

package meter

import (
	"context"
	"sync"
	"time"
)

// MockSource is a Source fed by tests or simulations.
type MockSource struct {
	mu      sync.Mutex
	reading Reading
	err     error
	reads   int
}

// NewMockSource returns a source that always reports the given counters.
func NewMockSource(importKWH, exportKWH float64) *MockSource {
	return &MockSource{reading: Reading{ImportKWH: importKWH, ExportKWH: exportKWH, At: time.Now()}}
}

// Set updates the counters returned by Read.
func (m *MockSource) Set(importKWH, exportKWH float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reading = Reading{ImportKWH: importKWH, ExportKWH: exportKWH, At: at}
	m.err = nil
}

// Fail makes subsequent reads return err.
func (m *MockSource) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Reads returns how many times Read was called.
func (m *MockSource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *MockSource) Read(ctx context.Context) (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return Reading{}, m.err
	}
	return m.reading, nil
}

func (m *MockSource) Close() {}

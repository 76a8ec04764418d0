// Package storagemock provides an in-memory Database for tests.
package storagemock

import (
	"context"
	"sync"

	"github.com/salihinsaealal/tnbcalc/pkg/storage"
)

// MockDatabase keeps envelopes in memory and records failures on demand.
type MockDatabase struct {
	mu       sync.Mutex
	docs     map[string][]byte
	backups  map[string][]byte
	SaveErr  error
	LoadErr  error
	SaveCnt  int
	Closed   bool
}

var _ storage.Database = (*MockDatabase)(nil)

// New returns an empty in-memory database.
func New() *MockDatabase {
	return &MockDatabase{
		docs:    make(map[string][]byte),
		backups: make(map[string][]byte),
	}
}

// Seed stores raw bytes for a meter ahead of a test.
func (m *MockDatabase) Seed(meterID string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[meterID] = raw
}

// Raw returns the stored bytes for a meter.
func (m *MockDatabase) Raw(meterID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[meterID]
	return raw, ok
}

// Backups returns how many backups were written.
func (m *MockDatabase) Backups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.backups)
}

func (m *MockDatabase) LoadRaw(ctx context.Context, meterID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	raw, ok := m.docs[meterID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return raw, nil
}

func (m *MockDatabase) SaveRaw(ctx context.Context, meterID string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	m.docs[meterID] = cp
	m.SaveCnt++
	return nil
}

func (m *MockDatabase) SaveBackup(ctx context.Context, meterID string, raw []byte, fromVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	m.backups[meterID] = cp
	return nil
}

func (m *MockDatabase) Delete(ctx context.Context, meterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, meterID)
	return nil
}

func (m *MockDatabase) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

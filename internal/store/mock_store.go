// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	gateways map[string]*GatewayRecord // keyed by user ID

	// GetErr, when set, is returned by GetGateway.
	GetErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		gateways: make(map[string]*GatewayRecord),
	}
}

// GetGateway retrieves a user's gateway record.
func (m *MockStore) GetGateway(ctx context.Context, userID string) (*GatewayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetErr != nil {
		return nil, m.GetErr
	}
	rec, ok := m.gateways[userID]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *rec
	return &result, nil
}

// PutGateway inserts or replaces a user's gateway record.
func (m *MockStore) PutGateway(ctx context.Context, rec *GatewayRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	r := *rec
	if existing, ok := m.gateways[r.UserID]; ok {
		r.CreatedAt = existing.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	m.gateways[r.UserID] = &r
	return nil
}

// DeleteGateway removes a user's gateway record.
func (m *MockStore) DeleteGateway(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gateways[userID]; !ok {
		return ErrNotFound
	}
	delete(m.gateways, userID)
	return nil
}

// ListGateways returns every record ordered by user id.
func (m *MockStore) ListGateways(ctx context.Context) ([]*GatewayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*GatewayRecord, 0, len(m.gateways))
	for _, rec := range m.gateways {
		r := *rec
		records = append(records, &r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UserID < records[j].UserID
	})
	return records, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

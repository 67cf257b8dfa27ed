package anchor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockClient is an in-memory anchor used in development mode and by
// tests. It records every submitted root and can simulate an outage.
type MockClient struct {
	mu      sync.Mutex
	roots   map[string]string // proof -> merkle root
	down    bool
	submits int
}

// NewMockClient creates an empty in-memory anchor.
func NewMockClient() *MockClient {
	return &MockClient{roots: make(map[string]string)}
}

// SetDown toggles simulated unavailability.
func (m *MockClient) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SubmitCount returns how many successful submissions were recorded.
func (m *MockClient) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// SubmitBatch implements Client.
func (m *MockClient) SubmitBatch(_ context.Context, merkleRoot string, entryCount int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return "", ErrUnavailable
	}
	if merkleRoot == "" {
		return "", fmt.Errorf("anchor submit: empty merkle root")
	}
	if entryCount <= 0 {
		return "", fmt.Errorf("anchor submit: entry count must be positive, got %d", entryCount)
	}

	proof := "mock-anchor-" + uuid.New().String()
	m.roots[proof] = merkleRoot
	m.submits++
	return proof, nil
}

// ConfirmRoot implements Client.
func (m *MockClient) ConfirmRoot(_ context.Context, proof, merkleRoot string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return false, ErrUnavailable
	}
	root, ok := m.roots[proof]
	return ok && root == merkleRoot, nil
}

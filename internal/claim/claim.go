// Package claim de-duplicates execution of async queries. A query id must be
// claimed before it is executed and released once execution has finished.
package claim

import (
	"context"
	"sync"
)

// Claimer grants exclusive execution rights on query ids.
type Claimer interface {
	// Claim reports whether id was claimed by this caller. False means some
	// other caller holds the claim.
	Claim(ctx context.Context, id string) (bool, error)
	// Release gives up a claim held by this caller. Releasing an id that is
	// not held is a no-op.
	Release(ctx context.Context, id string) error
}

// Memory is an in-process Claimer.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Claimer = (*Memory)(nil)

// NewMemory returns an empty Memory claimer.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// Claim marks id as held.
func (m *Memory) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[id]; ok {
		return false, nil
	}
	m.held[id] = struct{}{}
	return true, nil
}

// Release drops id.
func (m *Memory) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, id)
	return nil
}

// Held reports how many ids are currently claimed.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

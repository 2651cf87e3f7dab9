// Package presence records which gateway a user is connected to. Entries expire unless refreshed, so a gateway
// that dies without cleaning up stops claiming its users after one TTL.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-sealed/clock"
)

type Tracker interface {
	Online(ctx context.Context, userID int64, gatewayID string) error
	Offline(ctx context.Context, userID int64, gatewayID string) error
	Lookup(ctx context.Context, userID int64) (gatewayID string, online bool, err error)
}

func key(userID int64) string {
	return fmt.Sprintf("im:presence:%d", userID)
}

type entry struct {
	gatewayID string
	expiresAt time.Time
}

// Memory is a Tracker for a single relay process.
type Memory struct {
	clock   clock.Clock
	ttl     time.Duration
	lock    sync.Mutex
	entries map[int64]entry
}

func NewMemory(clk clock.Clock, ttl time.Duration) *Memory {
	return &Memory{clock: clk, ttl: ttl, entries: make(map[int64]entry)}
}

func (m *Memory) Online(_ context.Context, userID int64, gatewayID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.entries[userID] = entry{gatewayID: gatewayID, expiresAt: m.clock.Now().Add(m.ttl)}
	return nil
}

// Offline only clears the entry if gatewayID still owns it; a user who reconnected elsewhere stays online.
func (m *Memory) Offline(_ context.Context, userID int64, gatewayID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if e, ok := m.entries[userID]; ok && e.gatewayID == gatewayID {
		delete(m.entries, userID)
	}
	return nil
}

func (m *Memory) Lookup(_ context.Context, userID int64) (string, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		return "", false, nil
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, userID)
		return "", false, nil
	}
	return e.gatewayID, true, nil
}

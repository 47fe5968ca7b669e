// Package memory provides an in-process lock manager for tests and single-instance runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

const defaultLease = 60 * time.Second

// Manager implements crawler.LockManager with a mutex-guarded map.
type Manager struct {
	mu      sync.Mutex
	ownerID string
	lease   time.Duration
	clock   crawler.Clock
	locks   map[string]crawler.Lock
}

// New builds a Manager for ownerID. A nil clock uses wall time.
func New(ownerID string, lease time.Duration, clock crawler.Clock) *Manager {
	if lease <= 0 {
		lease = defaultLease
	}
	return &Manager{
		ownerID: ownerID,
		lease:   lease,
		clock:   clock,
		locks:   make(map[string]crawler.Lock),
	}
}

// ForOwner returns a view of the same lock table acting as a different owner.
// Tests use it to simulate a second instance.
func (m *Manager) ForOwner(ownerID string) *OwnerView {
	return &OwnerView{m: m, ownerID: ownerID}
}

// TryLock claims the source unless a live lock is held.
func (m *Manager) TryLock(_ context.Context, sourceID string) (bool, error) {
	return m.tryLock(sourceID, m.ownerID), nil
}

// Release removes the lock when held by this owner.
func (m *Manager) Release(_ context.Context, sourceID string) error {
	m.release(sourceID, m.ownerID)
	return nil
}

// Holder returns the current live lock for sourceID, if any.
func (m *Manager) Holder(sourceID string) (crawler.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sourceID]
	if !ok || !l.ExpiresAt.After(m.now()) {
		return crawler.Lock{}, false
	}
	return l, true
}

func (m *Manager) tryLock(sourceID, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.locks[sourceID]; ok && existing.ExpiresAt.After(now) {
		return false
	}
	m.locks[sourceID] = crawler.Lock{SourceID: sourceID, OwnerID: owner, ExpiresAt: now.Add(m.lease)}
	return true
}

func (m *Manager) release(sourceID, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locks[sourceID]; ok && existing.OwnerID == owner {
		delete(m.locks, sourceID)
	}
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock.Now()
	}
	return time.Now().UTC()
}

// OwnerView shares a Manager's table under another owner id.
type OwnerView struct {
	m       *Manager
	ownerID string
}

// TryLock claims the source as this view's owner.
func (v *OwnerView) TryLock(_ context.Context, sourceID string) (bool, error) {
	return v.m.tryLock(sourceID, v.ownerID), nil
}

// Release drops the lock if this view's owner holds it.
func (v *OwnerView) Release(_ context.Context, sourceID string) error {
	v.m.release(sourceID, v.ownerID)
	return nil
}

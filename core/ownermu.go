package core

import "sync"

// =============================================================================
// OWNER MUTEX - Per-owner serialization for ledger writes
// =============================================================================

// ownerMutex serializes ledger operations at owner granularity. Concurrent
// consume/grant calls for the same owner block each other for one
// balance-check-and-append sequence; different owners proceed in parallel.
//
// Mutexes are kept for the process lifetime. The map grows with the number
// of distinct owners seen, one sync.Mutex each, which is negligible next to
// their ledger rows.
type ownerMutex struct {
	mu     sync.Mutex
	owners map[OwnerID]*sync.Mutex
}

func newOwnerMutex() *ownerMutex {
	return &ownerMutex{owners: make(map[OwnerID]*sync.Mutex)}
}

// Lock acquires the owner's mutex and returns the unlock function.
func (m *ownerMutex) Lock(owner OwnerID) func() {
	m.mu.Lock()
	om, ok := m.owners[owner]
	if !ok {
		om = &sync.Mutex{}
		m.owners[owner] = om
	}
	m.mu.Unlock()

	om.Lock()
	return om.Unlock
}

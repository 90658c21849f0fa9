package server

import (
	"errors"
	"sync"
)

var ErrRegistryFull = errors.New("server: registry full")

// Registry is a fixed-capacity arena of session slots with a free list.
// A slot index is stable for the lifetime of the session holding it.
// Reserved counts sessions still handshaking; live+reserved never exceeds
// the capacity. One mutex guards all state; Snapshot copies handles so
// callers never hold the lock during network I/O.
type Registry struct {
	mu       sync.Mutex
	slots    []*Session
	free     []int // stack; the lowest index is handed out first
	live     int
	reserved int
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Registry{slots: make([]*Session, capacity), free: make([]int, capacity)}
	for i := range r.free {
		r.free[i] = capacity - 1 - i
	}
	return r
}

// Register stores s in a free, unreserved slot and returns its index.
func (r *Registry) Register(s *Session) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) <= r.reserved {
		return -1, ErrRegistryFull
	}
	return r.takeLocked(s), nil
}

// Reserve holds capacity for a session that has not finished its handshake.
// It reports false when every slot is live or reserved.
func (r *Registry) Reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live+r.reserved >= len(r.slots) {
		return false
	}
	r.reserved++
	return true
}

// Commit turns a reservation into a registered slot. It fails only when
// called without a matching Reserve.
func (r *Registry) Commit(s *Session) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved == 0 || len(r.free) == 0 {
		return -1, ErrRegistryFull
	}
	r.reserved--
	return r.takeLocked(s), nil
}

// Release drops a reservation that will not be committed.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved > 0 {
		r.reserved--
	}
}

func (r *Registry) takeLocked(s *Session) int {
	slot := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.slots[slot] = s
	s.slot = slot
	r.live++
	return slot
}

// Unregister releases slot if it is still held by s. It reports whether the
// slot was released; a stale or repeated call is a no-op.
func (r *Registry) Unregister(slot int, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot < 0 || slot >= len(r.slots) || r.slots[slot] == nil || r.slots[slot] != s {
		return false
	}
	r.slots[slot] = nil
	r.free = append(r.free, slot)
	r.live--
	return true
}

// Snapshot returns the live sessions in slot order.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, r.live)
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Reserved returns the number of outstanding reservations.
func (r *Registry) Reserved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved
}

func (r *Registry) Cap() int { return len(r.slots) }

func (r *Registry) Full() bool { return r.Len() >= r.Cap() }

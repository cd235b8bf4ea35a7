package ratelimit

import (
	"sync"
	"time"
)

// IPBanRegistry holds temporary source-address bans issued when a
// connection's escalation reaches BAN. It is consulted at connection-accept
// time, independent of any per-connection state, so a ban survives
// reconnects under a fresh connection ID.
type IPBanRegistry struct {
	mu   sync.RWMutex
	bans map[string]time.Time // sourceAddress -> expiry
	now  func() time.Time
}

// NewIPBanRegistry creates an empty registry.
func NewIPBanRegistry() *IPBanRegistry {
	return &IPBanRegistry{
		bans: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Ban records or extends a ban for the given source address.
func (r *IPBanRegistry) Ban(addr string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry := r.now().Add(duration)
	if existing, ok := r.bans[addr]; !ok || expiry.After(existing) {
		r.bans[addr] = expiry
	}
}

// IsBanned reports whether the address is currently banned. Expired
// entries are evicted lazily on read.
func (r *IPBanRegistry) IsBanned(addr string) bool {
	r.mu.RLock()
	expiry, ok := r.bans[addr]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if r.now().After(expiry) {
		r.mu.Lock()
		// Re-check under the write lock; the entry may have been replaced.
		if expiry, ok = r.bans[addr]; ok && r.now().After(expiry) {
			delete(r.bans, addr)
		}
		r.mu.Unlock()
		return false
	}
	return true
}

// Pardon removes a ban. Returns true if an entry existed.
func (r *IPBanRegistry) Pardon(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bans[addr]; !ok {
		return false
	}
	delete(r.bans, addr)
	return true
}

// Count returns the number of unexpired entries.
func (r *IPBanRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	count := 0
	for _, expiry := range r.bans {
		if now.Before(expiry) {
			count++
		}
	}
	return count
}

func (r *IPBanRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for addr, expiry := range r.bans {
		if now.After(expiry) {
			delete(r.bans, addr)
		}
	}
}

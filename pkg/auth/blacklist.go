package auth

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Blacklist tracks failed authentication attempts per client IP and
// blocks addresses that exceed the threshold. Implementations must be
// safe for concurrent use.
type Blacklist interface {
	IsBlocked(ip string) bool
	RecordFailure(ip string)
	Reset(ip string)
}

type blacklistEntry struct {
	failures     int
	blockedUntil time.Time
}

// MemoryBlacklist is the in-process Blacklist. State does not survive a
// restart, which matches the short block windows it enforces.
type MemoryBlacklist struct {
	mu          sync.Mutex
	entries     map[string]*blacklistEntry
	maxFailures int
	blockFor    time.Duration
	clock       clockwork.Clock
}

// NewMemoryBlacklist creates a blacklist that blocks an IP for blockFor
// after maxFailures consecutive failed attempts.
func NewMemoryBlacklist(maxFailures int, blockFor time.Duration, clock clockwork.Clock) *MemoryBlacklist {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBlacklist{
		entries:     make(map[string]*blacklistEntry),
		maxFailures: maxFailures,
		blockFor:    blockFor,
		clock:       clock,
	}
}

func (b *MemoryBlacklist) IsBlocked(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[ip]
	if !ok {
		return false
	}
	if entry.blockedUntil.IsZero() {
		return false
	}
	if b.clock.Now().After(entry.blockedUntil) {
		// Block expired; the address starts over with a clean slate.
		delete(b.entries, ip)
		return false
	}
	return true
}

func (b *MemoryBlacklist) RecordFailure(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[ip]
	if !ok {
		entry = &blacklistEntry{}
		b.entries[ip] = entry
	}
	entry.failures++
	if entry.failures >= b.maxFailures {
		entry.blockedUntil = b.clock.Now().Add(b.blockFor)
	}
}

func (b *MemoryBlacklist) Reset(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ip)
}

// Package lease serializes cross-system mutations per title or per
// title+version. A lease is a TTL-bounded exclusive hold: acquisition never
// fails, it only waits until the previous holder releases or its lease
// expires. Expiry is the only deadlock-avoidance mechanism, so the TTL must
// exceed the slowest synchronous portion of any operation.
package lease

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/patchd/internal/clock"
	"pkt.systems/patchd/internal/svcfields"
)

const (
	// DefaultTTL is the lease ceiling granted to one logical operation.
	DefaultTTL = time.Hour
	// DefaultPoll is the retry interval while waiting for a held lease.
	DefaultPoll = 250 * time.Millisecond
)

// Key identifies a lockable entity: a title, or a title+version pair.
type Key struct {
	Title   string
	Version string
}

// TitleKey returns the lease key covering a whole title.
func TitleKey(title string) Key {
	return Key{Title: title}
}

// VersionKey returns the lease key covering a single version of a title.
// It does not conflict with the title-level key.
func VersionKey(title, version string) Key {
	return Key{Title: title, Version: version}
}

// String renders the key for logs.
func (k Key) String() string {
	if k.Version == "" {
		return k.Title
	}
	return k.Title + "@" + k.Version
}

// Config tunes a Manager. Zero values fall back to defaults.
type Config struct {
	TTL    time.Duration
	Poll   time.Duration
	Clock  clock.Clock
	Logger pslog.Logger
}

// Manager grants exclusive, TTL-bounded update leases on entity keys. It is
// an explicitly constructed component; tests instantiate isolated managers.
type Manager struct {
	clock  clock.Clock
	logger pslog.Logger
	ttl    time.Duration
	poll   time.Duration

	mu     sync.Mutex
	leases map[Key]time.Time
}

// NewManager constructs a Manager according to cfg.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Manager{
		clock:  cfg.Clock,
		logger: svcfields.WithSubsystem(cfg.Logger, "lease"),
		ttl:    cfg.TTL,
		poll:   cfg.Poll,
		leases: make(map[Key]time.Time),
	}
}

// Acquire blocks until no unexpired lease exists for key, then installs a new
// lease expiring at now + TTL. The check-and-install step is atomic. The only
// failure mode is cancellation of the caller's context.
func (m *Manager) Acquire(ctx context.Context, key Key) error {
	waited := false
	for {
		if m.tryAcquire(key) {
			if waited {
				m.logger.Debug("lease.acquired_after_wait", "key", key.String())
			}
			return nil
		}
		waited = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.poll):
		}
	}
}

// tryAcquire installs a lease iff no unexpired lease exists for key.
func (m *Manager) tryAcquire(key Key) bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if expires, ok := m.leases[key]; ok && expires.After(now) {
		return false
	}
	m.leases[key] = now.Add(m.ttl)
	return true
}

// Release removes the lease unconditionally. It is idempotent and safe to
// call on a key that holds no lease; callers invoke it deferred so the lease
// is dropped even when the guarded operation fails.
func (m *Manager) Release(key Key) {
	m.mu.Lock()
	delete(m.leases, key)
	m.mu.Unlock()
}

// Held reports whether an unexpired lease exists for key. Expired entries
// encountered on the way are purged.
func (m *Manager) Held(key Key) bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	expires, ok := m.leases[key]
	if !ok {
		return false
	}
	if !expires.After(now) {
		delete(m.leases, key)
		return false
	}
	return true
}

// SweepExpired purges every lease whose expiry has passed and returns the
// number removed. The server runs this periodically so a crashed holder never
// leaves stale entries behind.
func (m *Manager) SweepExpired() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, expires := range m.leases {
		if expires.After(now) {
			continue
		}
		delete(m.leases, key)
		removed++
	}
	if removed > 0 {
		m.logger.Debug("lease.sweep", "removed", removed)
	}
	return removed
}

// TTL exposes the configured lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

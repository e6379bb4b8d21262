// Package lock provides a TTL lease over a key-value store so that a periodic
// job runs on one process per tick.
//
// The lease is advisory: Release is unconditional (no ownership check) and
// there is no fencing token. When the store cannot be reached Acquire fails
// open and reports the lock as acquired, so an outage duplicates work rather
// than stopping it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wegent/internal/metrics"
	logx "wegent/pkg/logx"
)

// ErrStoreUnavailable wraps every store error seen by Lock.
var ErrStoreUnavailable = errors.New("lock store unavailable")

// Store is the minimal key-value contract the lease needs.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Options struct {
	// Prefix is prepended to lock names. Default "wegent:lock:".
	Prefix string
	// Holder is stored as the lock value (diagnostics only).
	Holder  string
	Metrics *metrics.Metrics
	Log     logx.Logger
}

// Lock is the distributed lease used by the trigger evaluator.
type Lock struct {
	store   Store
	prefix  string
	holder  string
	metrics *metrics.Metrics
	log     logx.Logger

	mu   sync.Mutex
	held map[string]struct{}
}

func New(store Store, opt Options) *Lock {
	prefix := opt.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = "wegent:lock:"
	}
	holder := strings.TrimSpace(opt.Holder)
	if holder == "" {
		holder = DefaultHolder()
	}
	return &Lock{
		store:   store,
		prefix:  prefix,
		holder:  holder,
		metrics: opt.Metrics,
		log:     opt.Log,
		held:    map[string]struct{}{},
	}
}

// DefaultHolder identifies this process as hostname:pid:random.
func DefaultHolder() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (l *Lock) Holder() string { return l.holder }

func (l *Lock) key(name string) string { return l.prefix + name }

// Acquire tries to take the lease for ttl. It returns false only when another
// holder has it; store failures are logged and treated as acquired.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := l.store.SetNX(ctx, l.key(name), l.holder, ttl)
	if err != nil {
		l.log.Warn("lock store unreachable, failing open",
			logx.String("lock", name),
			logx.Err(fmt.Errorf("%w: %w", ErrStoreUnavailable, err)),
		)
		l.metrics.LockResult(name, "fail_open")
		l.markHeld(name)
		return true
	}
	if !ok {
		l.metrics.LockResult(name, "busy")
		l.log.Debug("lock held elsewhere", logx.String("lock", name))
		return false
	}
	l.metrics.LockResult(name, "acquired")
	l.markHeld(name)
	return true
}

// Claim is Acquire for one-shot markers that are left to expire: the name is
// not tracked in Held and is never released by ReleaseAll.
func (l *Lock) Claim(ctx context.Context, name string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := l.store.SetNX(ctx, l.key(name), l.holder, ttl)
	if err != nil {
		l.log.Warn("lock store unreachable, failing open",
			logx.String("lock", name),
			logx.Err(fmt.Errorf("%w: %w", ErrStoreUnavailable, err)),
		)
		l.metrics.LockResult("claim", "fail_open")
		return true
	}
	if !ok {
		l.metrics.LockResult("claim", "busy")
		return false
	}
	l.metrics.LockResult("claim", "acquired")
	return true
}

// Release deletes the lease unconditionally. It reports whether a key was removed.
func (l *Lock) Release(ctx context.Context, name string) bool {
	l.mu.Lock()
	delete(l.held, name)
	l.mu.Unlock()

	ok, err := l.store.Del(ctx, l.key(name))
	if err != nil {
		l.log.Warn("lock release failed", logx.String("lock", name), logx.Err(fmt.Errorf("%w: %w", ErrStoreUnavailable, err)))
		return false
	}
	return ok
}

// Extend resets the lease TTL. False when the key is gone or the store failed.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) bool {
	ok, err := l.store.Expire(ctx, l.key(name), ttl)
	if err != nil {
		l.log.Warn("lock extend failed", logx.String("lock", name), logx.Err(fmt.Errorf("%w: %w", ErrStoreUnavailable, err)))
		return false
	}
	return ok
}

// IsLocked reports whether any holder currently has the lease. Store failures report false.
func (l *Lock) IsLocked(ctx context.Context, name string) bool {
	ok, err := l.store.Exists(ctx, l.key(name))
	if err != nil {
		l.log.Warn("lock exists check failed", logx.String("lock", name), logx.Err(fmt.Errorf("%w: %w", ErrStoreUnavailable, err)))
		return false
	}
	return ok
}

func (l *Lock) markHeld(name string) {
	l.mu.Lock()
	l.held[name] = struct{}{}
	l.mu.Unlock()
}

// Held lists lock names this process acquired and has not released.
func (l *Lock) Held() []string {
	l.mu.Lock()
	out := make([]string, 0, len(l.held))
	for k := range l.held {
		out = append(out, k)
	}
	l.mu.Unlock()
	sort.Strings(out)
	return out
}

// ReleaseAll releases every held lease. Used on shutdown.
func (l *Lock) ReleaseAll(ctx context.Context) int {
	n := 0
	for _, name := range l.Held() {
		if l.Release(ctx, name) {
			n++
		}
	}
	return n
}

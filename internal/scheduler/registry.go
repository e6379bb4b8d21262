package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"wegent/internal/lock"
	"wegent/internal/queue"
	logx "wegent/pkg/logx"
)

const (
	BackendLightweight = "lightweight"
	BackendQueue       = "queue"
	BackendAdmin       = "admin"
)

// Deps carries what constructors may need. Each backend reads only its part.
type Deps struct {
	Log      logx.Logger
	Timezone string

	// Queue backend.
	Queue        queue.Queue
	Lock         *lock.Lock
	Consumers    int
	BeatInterval time.Duration

	StartupSpread bool
	Admin         AdminOptions
}

type Constructor func(deps Deps) (Backend, error)

// Registry maps backend names to constructors and tracks the one active
// backend. It is an explicit value; there is no package-level registry.
type Registry struct {
	mu    sync.RWMutex
	log   logx.Logger
	ctors map[string]Constructor

	active     Backend
	activeName string
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log.Component("scheduler.registry"), ctors: map[string]Constructor{}}
}

// NewDefaultRegistry returns a registry with the built-in backends.
func NewDefaultRegistry(log logx.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(BackendLightweight, newLightweightFromDeps, false)
	r.Register(BackendQueue, newQueueFromDeps, false)
	r.Register(BackendAdmin, newAdminFromDeps, false)
	return r
}

// Register adds a constructor. An existing name is kept unless override is
// set. It reports whether ctor was stored.
func (r *Registry) Register(name string, ctor Constructor, override bool) bool {
	name = normalize(name)
	if name == "" || ctor == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[name]; exists && !override {
		r.log.Warn("backend already registered; keeping existing", logx.String("backend", name))
		return false
	}
	r.ctors[name] = ctor
	r.log.Debug("backend registered", logx.String("backend", name), logx.Bool("override", override))
	return true
}

func (r *Registry) Constructor(name string) (Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrBackendNotFound, name, strings.Join(r.namesLocked(), ", "))
	}
	return ctor, nil
}

// New builds a backend by name. It does not start it.
func (r *Registry) New(name string, deps Deps) (Backend, error) {
	ctor, err := r.Constructor(name)
	if err != nil {
		return nil, err
	}
	b, err := ctor(deps)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", normalize(name), err)
	}
	return b, nil
}

// SetActive records b as the running backend, replacing any previous one.
// Call it after Start succeeded.
func (r *Registry) SetActive(name string, b Backend) {
	r.mu.Lock()
	prev := r.activeName
	r.active = b
	r.activeName = normalize(name)
	r.mu.Unlock()
	if prev != "" && prev != normalize(name) {
		r.log.Info("active backend replaced", logx.String("from", prev), logx.String("to", normalize(name)))
	}
}

// Active returns the active backend, or nil before SetActive.
func (r *Registry) Active() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeName
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func newLightweightFromDeps(d Deps) (Backend, error) {
	return NewLightweight(LightweightOptions{Timezone: d.Timezone, StartupSpread: d.StartupSpread, Log: d.Log}), nil
}

func newQueueFromDeps(d Deps) (Backend, error) {
	opt := QueueOptions{
		Queue:        d.Queue,
		Lock:         d.Lock,
		Timezone:     d.Timezone,
		Consumers:    d.Consumers,
		BeatInterval: d.BeatInterval,
		Log:          d.Log,
	}
	return NewQueueBackend(opt)
}

func newAdminFromDeps(d Deps) (Backend, error) {
	opt := d.Admin
	if opt.Log.IsZero() {
		opt.Log = d.Log
	}
	if opt.Timezone == "" {
		opt.Timezone = d.Timezone
	}
	return NewAdmin(opt), nil
}

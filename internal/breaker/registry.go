package breaker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"wegent/internal/metrics"
	logx "wegent/pkg/logx"
)

// Registry owns the named breakers of a process. It is built once at startup
// and handed to the components that call external dependencies.
type Registry struct {
	mu        sync.Mutex
	m         map[string]*Breaker
	defaults  Config
	overrides map[string]Config
	opts      []Option
	log       logx.Logger
}

func NewRegistry(defaults Config, overrides map[string]Config, m *metrics.Metrics, log logx.Logger) *Registry {
	return NewRegistryWithOptions(defaults, overrides, log, WithMetrics(m))
}

// NewRegistryWithOptions applies opts to every breaker it creates.
func NewRegistryWithOptions(defaults Config, overrides map[string]Config, log logx.Logger, opts ...Option) *Registry {
	ov := make(map[string]Config, len(overrides))
	for k, v := range overrides {
		ov[strings.TrimSpace(k)] = v
	}
	return &Registry{
		m:         map[string]*Breaker{},
		defaults:  defaults.withDefaults(),
		overrides: ov,
		opts:      append(opts, WithLogger(log)),
		log:       log,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string, extra ...Option) *Breaker {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.m[name]; b != nil {
		return b
	}
	cfg := r.defaults
	if ov, ok := r.overrides[name]; ok {
		if ov.FailMax > 0 {
			cfg.FailMax = ov.FailMax
		}
		if ov.ResetTimeout > 0 {
			cfg.ResetTimeout = ov.ResetTimeout
		}
	}
	b := New(name, cfg, append(append([]Option(nil), r.opts...), extra...)...)
	r.m[name] = b
	return b
}

// Names lists registered breakers sorted by name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Status maps breaker name to its current state and counters.
func (r *Registry) Status() map[string]Status {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(bs))
	for _, b := range bs {
		out[b.name] = b.Status()
	}
	return out
}

// OpenCount reports how many breakers are not closed.
func (r *Registry) OpenCount() int {
	n := 0
	for _, st := range r.Status() {
		if st.State != StateClosed {
			n++
		}
	}
	return n
}

// Defaults returns the effective default config.
func (r *Registry) Defaults() (failMax int, resetTimeout time.Duration) {
	return r.defaults.FailMax, r.defaults.ResetTimeout
}

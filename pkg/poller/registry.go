package poller

import (
	"sync"

	"github.com/convertly/convertly/pkg/status"
)

// Registry enforces the PollTarget lifecycle: at most one active poller
// per target ID. It is constructed by the composition root and injected
// wherever watches are started; there is no process-wide instance.
type Registry struct {
	fetch    FetchFunc
	defaults Config

	mu      sync.Mutex
	pollers map[string]*Poller
}

// NewRegistry creates a registry whose pollers share the given fetch
// function and default configuration. Per-watch callbacks are layered
// on top of the defaults by Watch.
func NewRegistry(fetch FetchFunc, defaults Config) *Registry {
	return &Registry{
		fetch:    fetch,
		defaults: defaults.withDefaults(),
		pollers:  make(map[string]*Poller),
	}
}

// Watch starts a poller for the target. If a poller for the same target
// ID is already active, Watch is a no-op and returns the existing one.
// Pollers that reached a terminal outcome are replaced.
func (r *Registry) Watch(target status.PollTarget, cfg Config) *Poller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pollers[target.ID]; ok && existing.IsActive() {
		return existing
	}

	merged := r.merge(cfg)
	p := New(target, r.fetch, merged)
	r.pollers[target.ID] = p
	p.Start()
	return p
}

// SetDefaults replaces the default configuration for pollers created by
// later Watch calls. Active pollers keep the settings they started with.
func (r *Registry) SetDefaults(defaults Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = defaults.withDefaults()
}

// Cancel stops the poller for the given target ID, if any.
func (r *Registry) Cancel(targetID string) {
	r.mu.Lock()
	p, ok := r.pollers[targetID]
	if ok {
		delete(r.pollers, targetID)
	}
	r.mu.Unlock()

	if ok {
		p.Stop()
	}
}

// CancelAll stops every tracked poller. Safe at shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	all := make([]*Poller, 0, len(r.pollers))
	for _, p := range r.pollers {
		all = append(all, p)
	}
	r.pollers = make(map[string]*Poller)
	r.mu.Unlock()

	for _, p := range all {
		p.Stop()
	}
}

// IsWatching reports whether an active poller exists for the target ID.
func (r *Registry) IsWatching(targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pollers[targetID]
	return ok && p.IsActive()
}

// ActiveCount returns the number of currently active pollers.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.pollers {
		if p.IsActive() {
			n++
		}
	}
	return n
}

// merge overlays per-watch settings on the registry defaults. Callbacks
// always come from the per-watch config; numeric settings fall back to
// the defaults when unset.
func (r *Registry) merge(cfg Config) Config {
	out := r.defaults
	if cfg.InitialInterval > 0 {
		out.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		out.MaxInterval = cfg.MaxInterval
	}
	if cfg.BackoffMultiplier > 1 {
		out.BackoffMultiplier = cfg.BackoffMultiplier
	}
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	out.OnStatus = cfg.OnStatus
	out.OnError = cfg.OnError
	out.OnGiveUp = cfg.OnGiveUp
	return out.withDefaults()
}

package sandbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultRetention = time.Hour

// Registry tracks every execution created by an ExecutorSet.
type Registry struct {
	mu         sync.Mutex
	executions []*Execution
	purgeHooks []func(id string)

	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// RegistryOption defines a functional option for Registry
type RegistryOption func(*Registry)

// WithRetention sets how long an execution stays registered after creation.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.retention = d
	}
}

// WithClock overrides the time source used by Purge.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnPurge registers fn to be called with the id of every purged execution.
func (r *Registry) OnPurge(fn func(id string)) {
	r.mu.Lock()
	r.purgeHooks = append(r.purgeHooks, fn)
	r.mu.Unlock()
}

func (r *Registry) Add(e *Execution) {
	r.mu.Lock()
	r.executions = append(r.executions, e)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.executions {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns the registered executions in creation order.
func (r *Registry) List() []*Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Execution, len(r.executions))
	copy(out, r.executions)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executions)
}

// Purge ends and drops every execution created more than the retention
// period ago. It returns the number of executions removed.
func (r *Registry) Purge() int {
	cutoff := r.now().Add(-r.retention)

	r.mu.Lock()
	var stale []*Execution
	for _, e := range r.executions {
		if e.CreatedAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}

	for _, e := range stale {
		if !e.Ended() {
			r.logger.Info("ending stale execution", zap.String("execution", e.ID))
			e.End()
		}
	}

	drop := make(map[*Execution]struct{}, len(stale))
	for _, e := range stale {
		drop[e] = struct{}{}
	}

	r.mu.Lock()
	kept := make([]*Execution, 0, len(r.executions))
	for _, e := range r.executions {
		if _, ok := drop[e]; !ok {
			kept = append(kept, e)
		}
	}
	r.executions = kept
	hooks := make([]func(string), len(r.purgeHooks))
	copy(hooks, r.purgeHooks)
	r.mu.Unlock()

	for _, e := range stale {
		for _, fn := range hooks {
			fn(e.ID)
		}
	}
	return len(stale)
}

// Run purges after initialDelay and then every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, initialDelay, interval time.Duration) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if n := r.Purge(); n > 0 {
				r.logger.Info("purged executions",
					zap.Int("count", n),
					zap.Int("remaining", r.Len()))
			}
			timer.Reset(interval)
		}
	}
}

// ShutdownTimeout is long enough for Shutdown to remove images and drain
// output under normal conditions.
const ShutdownTimeout = removeTimeout + time.Minute

// Shutdown ends every execution that is still alive and waits until all of
// them are torn down, or until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	executions := r.List()
	for _, e := range executions {
		if !e.Ended() {
			e.End()
		}
	}

	for _, e := range executions {
		select {
		case <-e.Done():
		case <-ctx.Done():
			r.logger.Warn("shutdown interrupted before teardown finished",
				zap.String("execution", e.ID), zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}
	return nil
}

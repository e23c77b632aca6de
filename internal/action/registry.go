// Package action holds the named callables a job can run inside its daemon.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/daemon"
)

// Func is an action: positional and keyword arguments in, a result out. The
// context is cancelled when the job is asked to stop.
type Func func(ctx context.Context, stdio daemon.Stdio, args []string, kw map[string]string) daemon.Result

// Registry maps action names to functions. It implements daemon.Runner.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Func
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		actions: make(map[string]Func),
		logger:  logger.With().Str("component", "actions").Logger(),
	}
}

// Register adds fn under name. Names are unique.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("action name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.actions[name]; ok {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = fn
	return nil
}

// MustRegister is Register for static setup code.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run looks up the target's action and runs it.
func (r *Registry) Run(ctx context.Context, stdio daemon.Stdio, target daemon.Target) daemon.Result {
	fn, ok := r.Lookup(target.Name)
	if !ok {
		return daemon.Failure("Unknown action '%s'.", target.Name)
	}
	r.logger.Debug().Str("action", target.Name).Strs("args", target.Args).Msg("running action")
	return fn(ctx, stdio, target.Args, target.Kw)
}

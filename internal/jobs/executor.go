// Package jobs exposes named jobs on top of interchangeable executors: local
// detached daemons, systemd user units, or a remote peer's API.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/config"
	"github.com/edvin/pipejobs/internal/daemon"
)

type (
	Status = daemon.Status
	Result = daemon.Result
)

const (
	StatusRunning = daemon.StatusRunning
	StatusPaused  = daemon.StatusPaused
	StatusStopped = daemon.StatusStopped
)

var (
	// ErrStopMonitoring is returned by a monitor callback to end monitoring.
	ErrStopMonitoring  = errors.New("stop monitoring")
	ErrUnknownExecutor = errors.New("unknown executor")
)

// Spec describes a job to create.
type Spec struct {
	Name    string
	SysArgs []string
	Kw      map[string]string
	Patch   daemon.Patch
}

// Executor is implemented by every backend that can host jobs. Lifecycle
// operations report failures in their Result rather than as errors.
type Executor interface {
	Keys() string

	JobExists(ctx context.Context, name string) (bool, error)
	Jobs(ctx context.Context) ([]*Job, error)

	CreateJob(ctx context.Context, spec Spec) Result
	StartJob(ctx context.Context, name string) Result
	StopJob(ctx context.Context, name string, timeout time.Duration) Result
	PauseJob(ctx context.Context, name string, timeout time.Duration) Result
	DeleteJob(ctx context.Context, name string) Result

	JobStatus(ctx context.Context, name string) (Status, error)
	JobPID(ctx context.Context, name string) (int, error)
	JobProperties(ctx context.Context, name string) (daemon.Properties, error)
	JobStopTime(ctx context.Context, name string) (*time.Time, error)

	Logs(ctx context.Context, name string) (string, error)
	MonitorLogs(ctx context.Context, name string, opts MonitorOptions) error
	WriteStdin(ctx context.Context, name, data string) error
	BlockedOnStdin(ctx context.Context, name string) (bool, error)
}

type factory func(r *Registry, keys string) (Executor, error)

// executorTypes is resolved by the part of the keys before the first colon.
var executorTypes = map[string]factory{
	"local":   newLocalExecutor,
	"systemd": newSystemdExecutor,
	"api":     newRemoteExecutor,
}

// ExecutorType returns the backend type of executor keys, e.g. "api" for "api:main".
func ExecutorType(keys string) string {
	typ, _, _ := strings.Cut(keys, ":")
	return typ
}

// Registry resolves executor keys to executors and caches them. It is safe
// for concurrent use.
type Registry struct {
	cfg    *config.Config
	logger zerolog.Logger

	systemctl  Systemctl
	httpClient *http.Client
	entryArgs  func(id string) []string

	mu        sync.Mutex
	executors map[string]Executor
}

type RegistryOption func(*Registry)

// WithSystemctl replaces the systemctl command runner.
func WithSystemctl(s Systemctl) RegistryOption {
	return func(r *Registry) { r.systemctl = s }
}

// WithHTTPClient sets the client used by remote executors.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.httpClient = c }
}

// WithEntryArgs changes how local daemons re-enter the host program.
func WithEntryArgs(fn func(id string) []string) RegistryOption {
	return func(r *Registry) { r.entryArgs = fn }
}

func NewRegistry(cfg *config.Config, logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:       cfg,
		logger:    logger.With().Str("component", "jobs").Logger(),
		executors: make(map[string]Executor),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.systemctl == nil {
		r.systemctl = NewSystemctl(true)
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return r
}

// Config returns the configuration the registry was built with.
func (r *Registry) Config() *config.Config {
	return r.cfg
}

func (r *Registry) daemonOptions() daemon.Options {
	opts := daemon.OptionsFromConfig(r.cfg, r.logger)
	opts.EntryArgs = r.entryArgs
	return opts
}

// Executor returns the executor for keys; empty keys select the default.
func (r *Registry) Executor(keys string) (Executor, error) {
	if keys == "" {
		keys = r.cfg.DefaultExecutor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.executors[keys]; ok {
		return e, nil
	}
	newExecutor, ok := executorTypes[ExecutorType(keys)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, keys)
	}
	e, err := newExecutor(r, keys)
	if err != nil {
		return nil, err
	}
	r.executors[keys] = e
	return e, nil
}

// NewJob returns a handle for a job that may not exist yet.
func (r *Registry) NewJob(name string, sysargs []string, keys string, patch daemon.Patch) (*Job, error) {
	if err := daemon.ValidateID(name); err != nil {
		return nil, fmt.Errorf("invalid job name: %w", err)
	}
	e, err := r.Executor(keys)
	if err != nil {
		return nil, err
	}
	j := newJob(e, name, sysargs, r.logger)
	j.patch = patch
	return j, nil
}

// Job returns a handle for an existing or new job, filling in its sysargs
// from the backend when it exists.
func (r *Registry) Job(ctx context.Context, name, keys string) (*Job, error) {
	j, err := r.NewJob(name, nil, keys, daemon.Patch{})
	if err != nil {
		return nil, err
	}
	if exists, err := j.executor.JobExists(ctx, name); err == nil && exists {
		if props, err := j.executor.JobProperties(ctx, name); err == nil {
			j.sysargs = props.Target.SysArgs()
		}
	}
	return j, nil
}

// Jobs lists the jobs of the executor selected by keys, sorted by name.
func (r *Registry) Jobs(ctx context.Context, keys string) ([]*Job, error) {
	e, err := r.Executor(keys)
	if err != nil {
		return nil, err
	}
	jobs, err := e.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name() < jobs[k].Name() })
	return jobs, nil
}

// Close releases resources held by cached executors.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.httpClient.CloseIdleConnections()
	r.executors = make(map[string]Executor)
}

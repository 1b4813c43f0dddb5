// Package execution defines the backend contract used by the scheduler
// and its local, grid and cloud implementations.
//
// Every backend satisfies the same submit/poll/cancel contract and
// classifies its own errors with errdefs.Transient or errdefs.Fatal.
// Retrying transient errors is not the backend's concern; it is added by
// wrapping a backend with WithRetry.
package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/geneflow/geneflow-go/internal/definition"
)

// State is the backend view of a submitted instance
type State string

const (
	StateRunning  State = "RUNNING"
	StateFinished State = "FINISHED"
	StateFailed   State = "FAILED"
)

// Terminal reports whether no further polling is needed
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Spec is one executable instance: an ordered command list plus the
// directories the backend needs
type Spec struct {
	JobID      string               `json:"job_id"`
	StepID     string               `json:"step_id"`
	InstanceID string               `json:"instance_id"`
	Attempt    int                  `json:"attempt"`
	Commands   []definition.Command `json:"commands"`
	// WorkDir is the instance output directory and the working
	// directory of every command.
	WorkDir string `json:"work_dir"`
	// Stdout and Stderr are log file paths on a filesystem the backend
	// shares with the engine. Cloud backends may ignore them.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	// Volumes are host paths made visible at the same path inside
	// containers.
	Volumes    []string          `json:"volumes,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Name returns a backend-friendly label for the instance
func (s Spec) Name() string {
	return fmt.Sprintf("gf-%s-%s-%s", shortID(s.JobID), s.StepID, s.InstanceID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Handle identifies a submitted instance. It is persisted on the job step
// record, so everything needed to poll or cancel after a restart must be
// in it.
type Handle struct {
	Backend string            `json:"backend"`
	ID      string            `json:"id"`
	Data    map[string]string `json:"data,omitempty"`
}

// Status is the result of one poll
type Status struct {
	State    State  `json:"state"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

// Context is an execution backend
type Context interface {
	Name() string
	Submit(ctx context.Context, spec Spec) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
	Cancel(ctx context.Context, h Handle) error
}

// Attacher is implemented by backends whose handles do not survive an
// engine restart. Attached reports whether h is still supervised by this
// process.
type Attacher interface {
	Attached(h Handle) bool
}

// Registry resolves execution context names configured on steps
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]Context
	fallback string
}

// NewRegistry creates a registry whose unnamed steps use fallback
func NewRegistry(fallback string) *Registry {
	return &Registry{
		contexts: make(map[string]Context),
		fallback: fallback,
	}
}

// Register adds c under its own name
func (r *Registry) Register(c Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[c.Name()] = c
}

// RegisterAs adds c under an alias
func (r *Registry) RegisterAs(name string, c Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[name] = c
}

// Get returns the context for name, or the fallback when name is empty
func (r *Registry) Get(name string) (Context, error) {
	if name == "" {
		name = r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[name]
	if !ok {
		return nil, fmt.Errorf("unknown execution context %q", name)
	}
	return c, nil
}

// Names lists registered context names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.contexts))
	for name := range r.contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package engine runs jobs: it creates them from a job spec, drives the
// per-job scheduling loop and exposes status, cancel and resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geneflow/geneflow-go/internal/dag"
	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/execution"
	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/mapper"
	"github.com/geneflow/geneflow-go/internal/state"
)

const component = "engine"

// ErrJobActive is returned when a job is already run by this engine
var ErrJobActive = errors.New("job is already running")

// ErrJobSettled is returned when cancelling an ended job or resuming a
// finished one
var ErrJobSettled = errors.New("job already settled")

// Options configure the engine
type Options struct {
	WorkDir      string        `mapstructure:"work_dir"`
	OutputDir    string        `mapstructure:"output_dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PoolSize     int           `mapstructure:"pool_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// Notifier is told about every job status change
type Notifier interface {
	Notify(ctx context.Context, job *state.Job)
}

// Option customizes an Engine
type Option func(*Engine)

// WithLister sets how map sources are listed
func WithLister(l mapper.Lister) Option {
	return func(e *Engine) { e.lister = l }
}

// WithNotifier sets the job status notifier
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine schedules jobs against a store and a set of execution contexts
type Engine struct {
	store    state.Store
	contexts *execution.Registry
	lister   mapper.Lister
	notifier Notifier
	metrics  *MetricsCollector
	hub      *Hub
	pool     *Pool
	opts     Options
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	wake chan struct{}
	done chan struct{}
}

// New creates an engine
func New(store state.Store, contexts *execution.Registry, opts Options, options ...Option) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	e := &Engine{
		store:    store,
		contexts: contexts,
		lister:   mapper.LocalLister{},
		metrics:  NewMetricsCollector(),
		hub:      NewHub(),
		pool:     NewPool(opts.PoolSize),
		opts:     opts,
		now:      time.Now,
		runs:     make(map[string]*runHandle),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Hub returns the hub carrying live status reports
func (e *Engine) Hub() *Hub { return e.hub }

// Store returns the backing store
func (e *Engine) Store() state.Store { return e.store }

// Metrics returns the metrics of a job run by this engine
func (e *Engine) Metrics(jobID string) (*JobMetrics, bool) {
	return e.metrics.GetJobMetrics(jobID)
}

// Validate parses a workflow source and checks its dependency graph
func (e *Engine) Validate(src definition.Source) (*definition.Bundle, error) {
	bundle, err := definition.Parse(src)
	if err != nil {
		return nil, err
	}
	if _, err := dag.Build(bundle.Workflow.Steps); err != nil {
		return nil, err
	}
	return bundle, nil
}

// Submit validates a job spec against its workflow and creates the job
// in PENDING state. Nothing is executed until Run or Start.
func (e *Engine) Submit(ctx context.Context, bundle *definition.Bundle, spec *definition.JobSpec) (*state.Job, error) {
	if _, err := dag.Build(bundle.Workflow.Steps); err != nil {
		return nil, err
	}
	if issues := spec.ValidateFor(bundle.Workflow); len(issues) > 0 {
		return nil, &errdefs.DefinitionError{Issues: issues}
	}

	wf := bundle.Workflow
	now := e.now().UTC()
	if err := e.store.SaveWorkflow(ctx, &state.WorkflowRecord{
		ID:      wf.ID,
		Name:    wf.Name,
		Version: wf.Version,
		Source:  bundle.Source,
		Created: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	id := uuid.New().String()
	name := spec.Name
	if name == "" {
		name = wf.Name
	}
	dirName := slug(name) + "-" + id[:8]
	outName := dirName
	if spec.NoOutputHash {
		outName = slug(name)
	}

	job := &state.Job{
		ID:            id,
		Name:          name,
		WorkflowID:    wf.ID,
		Spec:          *spec,
		Inputs:        spec.Inputs,
		Parameters:    spec.Parameters,
		WorkDir:       filepath.Join(firstNonEmpty(spec.WorkDir, e.opts.WorkDir), dirName),
		OutputDir:     filepath.Join(firstNonEmpty(spec.OutputDir, e.opts.OutputDir), outName),
		Notifications: spec.Notifications,
		Status:        state.StatusPending,
		Queued:        now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	logging.Info(component, "Job submitted", map[string]interface{}{
		"job_id":   job.ID,
		"name":     job.Name,
		"workflow": wf.Name,
		"work_dir": job.WorkDir,
	})
	return job, nil
}

// Run drives a job until it settles or ctx ends. An ended ctx leaves the
// job resumable.
func (e *Engine) Run(ctx context.Context, jobID string) (*state.Report, error) {
	handle, err := e.claim(jobID)
	if err != nil {
		return nil, err
	}
	defer e.release(jobID, handle)

	r, err := e.newRun(ctx, jobID, handle.wake)
	if err != nil {
		return nil, err
	}
	return r.loop(ctx)
}

// Start runs a job in the background. Errors of the run are logged.
func (e *Engine) Start(ctx context.Context, jobID string) error {
	handle, err := e.claim(jobID)
	if err != nil {
		return err
	}
	r, err := e.newRun(ctx, jobID, handle.wake)
	if err != nil {
		e.release(jobID, handle)
		return err
	}
	go func() {
		defer e.release(jobID, handle)
		if _, err := r.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error(component, "Job run aborted", map[string]interface{}{
				"job_id": jobID,
				"error":  err,
			})
		}
	}()
	return nil
}

// Wait blocks until an in-process run of jobID ends, then returns its
// status
func (e *Engine) Wait(ctx context.Context, jobID string) (*state.Report, error) {
	e.mu.Lock()
	handle, ok := e.runs[jobID]
	e.mu.Unlock()
	if ok {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Status(ctx, jobID)
}

// Running reports whether this engine is running jobID
func (e *Engine) Running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[jobID]
	return ok
}

// Status derives the current status of a job from its step rows
func (e *Engine) Status(ctx context.Context, jobID string) (*state.Report, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bundle, err := e.bundle(ctx, job.WorkflowID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListJobSteps(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return state.Aggregate(bundle.Workflow, job, rows), nil
}

// List returns jobs, newest first, optionally filtered by stored status
func (e *Engine) List(ctx context.Context, status state.Status) ([]*state.Job, error) {
	jobs, err := e.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return jobs, nil
	}
	filtered := jobs[:0]
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

// Cancel requests cancellation. The scheduler running the job, in this
// or another process, cancels running instances on its next tick.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobSettled)
	}
	job.CancelRequested = true

	if !e.Running(jobID) {
		rows, err := e.store.ListJobSteps(ctx, jobID)
		if err != nil {
			return err
		}
		if idle(rows) {
			// nothing will observe the flag, so settle the job here
			now := e.now().UTC()
			for _, row := range rows {
				if row.Status == state.StatusPending {
					if err := row.Transition(state.StatusCancelled, "cancelled", now); err == nil {
						if err := e.store.PutJobStep(ctx, row); err != nil {
							return err
						}
					}
				}
			}
			job.Status = state.StatusCancelled
			job.Message = "cancelled"
			job.Finished = &now
		}
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	e.wake(jobID)

	logging.Info(component, "Cancellation requested", map[string]interface{}{"job_id": jobID})
	return nil
}

// Resume makes an interrupted or failed job runnable again. Finished
// instances are kept; failed, cancelled and orphaned instances start a
// new attempt under their original ids. The caller runs the job after.
func (e *Engine) Resume(ctx context.Context, jobID string) (*state.Job, error) {
	if e.Running(jobID) {
		return nil, ErrJobActive
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == state.StatusFinished {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobSettled)
	}
	rows, err := e.store.ListJobSteps(ctx, jobID)
	if err != nil {
		return nil, err
	}

	reset := 0
	for _, row := range rows {
		if !e.resettable(row) {
			continue
		}
		if row.Reset() {
			reset++
			if err := e.store.PutJobStep(ctx, row); err != nil {
				return nil, err
			}
		}
	}

	job.CancelRequested = false
	job.StepErrors = nil
	job.Blocked = nil
	job.Finished = nil
	job.Message = "resumed"
	job.Status = state.StatusRunning
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to resume job: %w", err)
	}

	logging.Info(component, "Job resumed", map[string]interface{}{
		"job_id": jobID,
		"reset":  reset,
		"rows":   len(rows),
	})
	return job, nil
}

// resettable reports whether resume should start a new attempt for row.
// Running rows are kept when their backend still tracks the handle.
func (e *Engine) resettable(row *state.JobStep) bool {
	switch row.Status {
	case state.StatusFailed, state.StatusCancelled:
		return true
	case state.StatusRunning:
		if row.Handle == nil {
			return true
		}
		backend, err := e.contexts.Get(row.Context)
		if err != nil {
			return true
		}
		if a, ok := backend.(execution.Attacher); ok {
			return !a.Attached(*row.Handle)
		}
		return false
	default:
		return false
	}
}

func (e *Engine) bundle(ctx context.Context, workflowID string) (*definition.Bundle, error) {
	record, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return definition.Parse(record.Source)
}

func (e *Engine) claim(jobID string) (*runHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[jobID]; ok {
		return nil, ErrJobActive
	}
	h := &runHandle{wake: make(chan struct{}, 1), done: make(chan struct{})}
	e.runs[jobID] = h
	return h, nil
}

func (e *Engine) release(jobID string, h *runHandle) {
	e.mu.Lock()
	delete(e.runs, jobID)
	e.mu.Unlock()
	close(h.done)
}

func (e *Engine) wake(jobID string) {
	e.mu.Lock()
	h, ok := e.runs[jobID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func idle(rows []*state.JobStep) bool {
	for _, row := range rows {
		if row.Status == state.StatusRunning {
			return false
		}
	}
	return true
}

var slugPattern = regexp.MustCompile(`[^a-z0-9_-]+`)

func slug(name string) string {
	s := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return "job"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/state"
)

const component = "trigger"

// Trigger submits a job document on a cron schedule. Schedules accept the
// standard five fields, an optional leading seconds field, or a
// descriptor such as @hourly.
type Trigger struct {
	Name          string `mapstructure:"name" json:"name"`
	Schedule      string `mapstructure:"schedule" json:"schedule"`
	Job           string `mapstructure:"job" json:"job"`
	Apps          string `mapstructure:"apps" json:"apps,omitempty"`
	SkipIfRunning bool   `mapstructure:"skip_if_running" json:"skip_if_running,omitempty"`
}

// Submitter creates and starts jobs
type Submitter interface {
	Validate(src definition.Source) (*definition.Bundle, error)
	Submit(ctx context.Context, bundle *definition.Bundle, spec *definition.JobSpec) (*state.Job, error)
	Start(ctx context.Context, jobID string) error
	Running(jobID string) bool
}

// Status describes a registered trigger
type Status struct {
	Trigger
	LastRun  *time.Time `json:"last_run,omitempty"`
	LastJob  string     `json:"last_job,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	RunCount int        `json:"run_count"`
}

type entry struct {
	trigger Trigger
	id      cron.EntryID
	lastRun *time.Time
	lastJob string
	runs    int
}

// Scheduler runs triggers
type Scheduler struct {
	submitter Submitter
	cron      *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler creates a scheduler submitting through s
func NewScheduler(s Submitter) *Scheduler {
	return &Scheduler{
		submitter: s,
		cron:      cron.New(cron.WithParser(parser)),
		entries:   make(map[string]*entry),
		ctx:       context.Background(),
	}
}

// Add registers t. Names must be unique.
func (s *Scheduler) Add(t Trigger) error {
	if t.Name == "" {
		return fmt.Errorf("trigger name is required")
	}
	if t.Job == "" {
		return fmt.Errorf("trigger %q: job spec path is required", t.Name)
	}
	schedule, err := parser.Parse(t.Schedule)
	if err != nil {
		return fmt.Errorf("trigger %q: invalid schedule: %w", t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[t.Name]; exists {
		return fmt.Errorf("trigger %q already registered", t.Name)
	}
	name := t.Name
	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.Fire(s.context(), name); err != nil {
			logging.Error(component, "Trigger failed", map[string]interface{}{
				"trigger": name,
				"error":   err,
			})
		}
	}))
	s.entries[t.Name] = &entry{trigger: t, id: id}

	logging.Info(component, "Trigger registered", map[string]interface{}{
		"trigger":  t.Name,
		"schedule": t.Schedule,
		"job":      t.Job,
	})
	return nil
}

// Start runs the cron loop. Jobs started by triggers live until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	count := len(s.entries)
	s.mu.Unlock()
	s.cron.Start()
	logging.Info(component, "Trigger scheduler started", map[string]interface{}{
		"triggers": count,
	})
}

// Stop halts scheduling and waits for running fires to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logging.Info(component, "Trigger scheduler stopped", nil)
}

// Fire submits and starts the job of trigger name now. It returns a nil
// job when the trigger skipped because its previous job still runs.
func (s *Scheduler) Fire(ctx context.Context, name string) (*state.Job, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("trigger %q not found", name)
	}
	t, lastJob := e.trigger, e.lastJob
	s.mu.Unlock()

	if t.SkipIfRunning && lastJob != "" && s.submitter.Running(lastJob) {
		logging.Info(component, "Skipping trigger, previous job still running", map[string]interface{}{
			"trigger": name,
			"job_id":  lastJob,
		})
		return nil, nil
	}

	spec, err := definition.LoadJobSpec(t.Job)
	if err != nil {
		return nil, err
	}
	if spec.Workflow == "" {
		return nil, fmt.Errorf("job spec %s names no workflow", t.Job)
	}
	src, err := definition.LoadFiles(spec.Workflow, t.Apps)
	if err != nil {
		return nil, err
	}
	bundle, err := s.submitter.Validate(src)
	if err != nil {
		return nil, err
	}
	job, err := s.submitter.Submit(ctx, bundle, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}
	if err := s.submitter.Start(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	e.lastRun = &now
	e.lastJob = job.ID
	e.runs++
	s.mu.Unlock()

	logging.Info(component, "Trigger fired", map[string]interface{}{
		"trigger": name,
		"job_id":  job.ID,
	})
	return job, nil
}

// List returns every registered trigger ordered by name
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{Trigger: e.trigger, LastRun: e.lastRun, LastJob: e.lastJob, RunCount: e.runs}
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			st.NextRun = &next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

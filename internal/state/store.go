package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

// Store persists workflows, jobs and job steps. Every scheduler
// transition is written through before the next one is applied.
type Store interface {
	SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context) ([]*Job, error)

	// PutJobStep inserts or replaces a row by (job, step, instance)
	PutJobStep(ctx context.Context, step *JobStep) error
	ListJobSteps(ctx context.Context, jobID string) ([]*JobStep, error)

	Close() error
}

// Notifier is implemented by stores that announce writes to other
// processes. The channel carries job ids and closes with ctx.
type Notifier interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte
	jobs      map[string][]byte
	steps     map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]byte),
		jobs:      make(map[string][]byte),
		steps:     make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = data
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	m.mu.RLock()
	data, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, errdefs.ErrNotFound)
	}
	wf := &WorkflowRecord{}
	return wf, json.Unmarshal(data, wf)
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = data
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	data, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound)
	}
	job := &Job{}
	return job, json.Unmarshal(data, job)
}

func (m *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; !exists {
		return fmt.Errorf("job %s: %w", job.ID, errdefs.ErrNotFound)
	}
	m.jobs[job.ID] = data
	return nil
}

func (m *MemoryStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, data := range m.jobs {
		job := &Job{}
		if err := json.Unmarshal(data, job); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	SortJobs(jobs)
	return jobs, nil
}

func (m *MemoryStore) PutJobStep(ctx context.Context, step *JobStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal job step: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[step.JobID]; !exists {
		return fmt.Errorf("job %s: %w", step.JobID, errdefs.ErrNotFound)
	}
	if m.steps[step.JobID] == nil {
		m.steps[step.JobID] = make(map[string][]byte)
	}
	m.steps[step.JobID][step.Key()] = data
	return nil
}

func (m *MemoryStore) ListJobSteps(ctx context.Context, jobID string) ([]*JobStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]*JobStep, 0, len(m.steps[jobID]))
	for _, data := range m.steps[jobID] {
		row := &JobStep{}
		if err := json.Unmarshal(data, row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	SortJobSteps(rows)
	return rows, nil
}

func (m *MemoryStore) Close() error { return nil }

// SortJobs orders jobs newest first
func SortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].Queued.Equal(jobs[j].Queued) {
			return jobs[i].Queued.After(jobs[j].Queued)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// SortJobSteps orders rows by step then instance
func SortJobSteps(rows []*JobStep) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key() < rows[j].Key() })
}

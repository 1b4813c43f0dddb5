package engine

import (
	"sync"
	"time"

	"github.com/geneflow/geneflow-go/internal/state"
)

// JobMetrics holds counters for one job run
type JobMetrics struct {
	JobID       string                  `json:"job_id"`
	StartTime   time.Time               `json:"start_time"`
	EndTime     *time.Time              `json:"end_time,omitempty"`
	Duration    *time.Duration          `json:"duration,omitempty"`
	Status      state.Status            `json:"status"`
	Submissions int                     `json:"submissions"`
	Retries     int                     `json:"retries"`
	Failures    int                     `json:"failures"`
	StepMetrics map[string]*StepMetrics `json:"step_metrics"`
}

// StepMetrics holds counters for one step across its instances
type StepMetrics struct {
	StepID        string        `json:"step_id"`
	Submissions   int           `json:"submissions"`
	Retries       int           `json:"retries"`
	Finished      int           `json:"finished"`
	Failed        int           `json:"failed"`
	TotalDuration time.Duration `json:"total_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
}

// MetricsCollector collects per-job execution metrics in memory
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics map[string]*JobMetrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{metrics: make(map[string]*JobMetrics)}
}

// RecordJobStart starts or restarts the metrics of a job
func (mc *MetricsCollector) RecordJobStart(jobID string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if m, ok := mc.metrics[jobID]; ok {
		// resumed run keeps its counters
		m.EndTime, m.Duration = nil, nil
		m.Status = state.StatusRunning
		return
	}
	mc.metrics[jobID] = &JobMetrics{
		JobID:       jobID,
		StartTime:   time.Now(),
		Status:      state.StatusRunning,
		StepMetrics: make(map[string]*StepMetrics),
	}
}

// RecordJobComplete records the terminal status of a job
func (mc *MetricsCollector) RecordJobComplete(jobID string, status state.Status) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	m, ok := mc.metrics[jobID]
	if !ok {
		return
	}
	now := time.Now()
	duration := now.Sub(m.StartTime)
	m.EndTime = &now
	m.Duration = &duration
	m.Status = status
}

// RecordSubmission counts an accepted submission
func (mc *MetricsCollector) RecordSubmission(jobID, stepID string) {
	mc.update(jobID, stepID, func(m *JobMetrics, s *StepMetrics) {
		m.Submissions++
		s.Submissions++
	})
}

// RecordRetry counts a transient backend failure that will be retried
func (mc *MetricsCollector) RecordRetry(jobID, stepID string) {
	mc.update(jobID, stepID, func(m *JobMetrics, s *StepMetrics) {
		m.Retries++
		s.Retries++
	})
}

// RecordInstance records a terminal instance attempt and its run time
func (mc *MetricsCollector) RecordInstance(jobID, stepID string, status state.Status, elapsed time.Duration) {
	mc.update(jobID, stepID, func(m *JobMetrics, s *StepMetrics) {
		switch status {
		case state.StatusFinished:
			s.Finished++
		case state.StatusFailed:
			m.Failures++
			s.Failed++
		}
		s.TotalDuration += elapsed
		if elapsed > s.MaxDuration {
			s.MaxDuration = elapsed
		}
	})
}

// GetJobMetrics returns a copy of the metrics of a job
func (mc *MetricsCollector) GetJobMetrics(jobID string) (*JobMetrics, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	m, ok := mc.metrics[jobID]
	if !ok {
		return nil, false
	}
	out := *m
	out.StepMetrics = make(map[string]*StepMetrics, len(m.StepMetrics))
	for id, s := range m.StepMetrics {
		step := *s
		out.StepMetrics[id] = &step
	}
	return &out, true
}

func (mc *MetricsCollector) update(jobID, stepID string, fn func(*JobMetrics, *StepMetrics)) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	m, ok := mc.metrics[jobID]
	if !ok {
		return
	}
	s, ok := m.StepMetrics[stepID]
	if !ok {
		s = &StepMetrics{StepID: stepID}
		m.StepMetrics[stepID] = s
	}
	fn(m, s)
}

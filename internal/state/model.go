// Package state holds job and job step records, their state machine, the
// derived job status and the stores that persist them.
package state

import (
	"fmt"
	"time"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/execution"
)

// Status is a job or job step status
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusFinished  Status = "FINISHED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s ends an attempt
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// WorkflowRecord is a stored workflow definition. Jobs refer to it by
// ID, which is the digest of its source documents.
type WorkflowRecord struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Version string            `json:"version,omitempty"`
	Source  definition.Source `json:"source"`
	Created time.Time         `json:"created"`
}

// Job is one run of a workflow. Status is a snapshot written by the
// scheduler for listings; the authoritative status is always derived
// from the job step rows.
type Job struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name"`
	WorkflowID      string                    `json:"workflow_id"`
	Spec            definition.JobSpec        `json:"spec"`
	Inputs          map[string]string         `json:"inputs"`
	Parameters      map[string]string         `json:"parameters"`
	WorkDir         string                    `json:"work_dir"`
	OutputDir       string                    `json:"output_dir"`
	Notifications   []definition.Notification `json:"notifications,omitempty"`
	Status          Status                    `json:"status"`
	Message         string                    `json:"message,omitempty"`
	CancelRequested bool                      `json:"cancel_requested,omitempty"`
	// StepErrors records step-level failures that produced no instances,
	// such as a failed map expansion.
	StepErrors map[string]string `json:"step_errors,omitempty"`
	// Blocked records steps failed by propagation from a tolerant
	// ancestor, with the reason.
	Blocked map[string]string `json:"blocked,omitempty"`
	// Expanding marks steps whose instance rows are not all written yet.
	// Such a step is expanded again before it runs.
	Expanding map[string]bool `json:"expanding,omitempty"`
	Queued    time.Time       `json:"queued"`
	Started   *time.Time      `json:"started,omitempty"`
	Finished  *time.Time      `json:"finished,omitempty"`
}

// Attempt is the persisted outcome of one attempt of a job step
type Attempt struct {
	Attempt  int               `json:"attempt"`
	Status   Status            `json:"status"`
	Handle   *execution.Handle `json:"handle,omitempty"`
	ExitCode int               `json:"exit_code"`
	Message  string            `json:"message,omitempty"`
	Started  *time.Time        `json:"started,omitempty"`
	Finished *time.Time        `json:"finished,omitempty"`
}

// JobStep is one instance of a step within a job. Its identity is
// (JobID, StepID, InstanceID).
type JobStep struct {
	JobID       string            `json:"job_id"`
	StepID      string            `json:"step_id"`
	InstanceID  string            `json:"instance_id"`
	Status      Status            `json:"status"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	Source      string            `json:"source,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	Mapped      bool              `json:"mapped,omitempty"`
	OutputDir   string            `json:"output_dir"`
	Context     string            `json:"context,omitempty"`
	Handle      *execution.Handle `json:"handle,omitempty"`
	ExitCode    int               `json:"exit_code"`
	Message     string            `json:"message,omitempty"`
	History     []Attempt         `json:"history,omitempty"`
	Created     time.Time         `json:"created"`
	Started     *time.Time        `json:"started,omitempty"`
	Finished    *time.Time        `json:"finished,omitempty"`
}

// Key identifies a row within its job
func (s *JobStep) Key() string {
	return s.StepID + "/" + s.InstanceID
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusFinished, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move within one
// attempt
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the row to a new status within the current attempt
func (s *JobStep) Transition(to Status, message string, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", s.Status, to, s.Key())
	}
	s.Status = to
	s.Message = message
	switch {
	case to == StatusRunning:
		s.Started = &now
	case to.Terminal():
		s.Finished = &now
	}
	return nil
}

// Retry re-queues a failed row for another attempt. It reports false when
// the attempt ceiling is reached.
func (s *JobStep) Retry() bool {
	if s.Status != StatusFailed || s.Attempt >= s.MaxAttempts {
		return false
	}
	s.archive()
	s.Attempt++
	s.Status = StatusPending
	return true
}

// Reset makes a failed, cancelled or orphaned running row eligible again
// for resume. The row starts a fresh attempt and the ceiling is raised so
// the attempt always runs.
func (s *JobStep) Reset() bool {
	switch s.Status {
	case StatusFailed, StatusCancelled, StatusRunning:
	default:
		return false
	}
	s.archive()
	s.Status = StatusPending
	s.Attempt++
	if s.Attempt > s.MaxAttempts {
		s.MaxAttempts = s.Attempt
	}
	return true
}

func (s *JobStep) archive() {
	s.History = append(s.History, Attempt{
		Attempt:  s.Attempt,
		Status:   s.Status,
		Handle:   s.Handle,
		ExitCode: s.ExitCode,
		Message:  s.Message,
		Started:  s.Started,
		Finished: s.Finished,
	})
	s.Handle = nil
	s.ExitCode = 0
	s.Message = ""
	s.Started = nil
	s.Finished = nil
}

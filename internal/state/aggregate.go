package state

import (
	"sort"

	"github.com/geneflow/geneflow-go/internal/definition"
)

// Outcome is the settled view of one step across its instances
type Outcome string

const (
	// OutcomeWaiting: not yet expanded
	OutcomeWaiting Outcome = "waiting"
	// OutcomeActive: some instance is pending or running
	OutcomeActive Outcome = "active"
	// OutcomeSucceeded: the checkpoint mode is satisfied; children may run
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed: the step itself failed
	OutcomeFailed Outcome = "failed"
	// OutcomeBlocked: failed by propagation from an ancestor
	OutcomeBlocked Outcome = "blocked"
)

// Settled reports whether the outcome will not change without a resume
func (o Outcome) Settled() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeBlocked
}

// StepSummary is the per-step part of a status report
type StepSummary struct {
	Step      string         `json:"step"`
	Name      string         `json:"name"`
	Outcome   Outcome        `json:"outcome"`
	Counts    map[Status]int `json:"counts"`
	Message   string         `json:"message,omitempty"`
	Instances []*JobStep     `json:"instances"`
	tolerant  bool
}

// Report is a full status view of a job
type Report struct {
	Job    *Job           `json:"job"`
	Status Status         `json:"status"`
	Steps  []*StepSummary `json:"steps"`
}

// Step returns the summary of id
func (r *Report) Step(id string) *StepSummary {
	for _, s := range r.Steps {
		if s.Step == id {
			return s
		}
	}
	return nil
}

// Fatal reports whether a step failure ends the job. Failures of tolerant
// steps and propagated failures never do.
func (r *Report) Fatal() (string, bool) {
	for _, s := range r.Steps {
		if s.Outcome == OutcomeFailed && !s.tolerant {
			return s.Step, true
		}
	}
	return "", false
}

// Aggregate summarizes rows by step and derives the job status. It never
// consults job.Status.
func Aggregate(wf *definition.Workflow, job *Job, rows []*JobStep) *Report {
	byStep := make(map[string][]*JobStep)
	for _, row := range rows {
		byStep[row.StepID] = append(byStep[row.StepID], row)
	}

	report := &Report{Job: job}
	for _, step := range wf.Steps {
		instances := byStep[step.ID]
		sort.Slice(instances, func(i, j int) bool { return instances[i].InstanceID < instances[j].InstanceID })
		summary := &StepSummary{
			Step:      step.ID,
			Name:      step.DisplayName(),
			Counts:    make(map[Status]int),
			Instances: instances,
			tolerant:  step.Tolerant(),
		}
		for _, row := range instances {
			summary.Counts[row.Status]++
		}
		summary.Outcome, summary.Message = outcome(step, job, instances, summary.Counts)
		report.Steps = append(report.Steps, summary)
	}
	report.Status = derive(job, report)
	return report
}

func outcome(step *definition.Step, job *Job, rows []*JobStep, counts map[Status]int) (Outcome, string) {
	if msg, ok := job.Blocked[step.ID]; ok {
		return OutcomeBlocked, msg
	}
	if msg, ok := job.StepErrors[step.ID]; ok {
		return OutcomeFailed, msg
	}
	if len(rows) == 0 || job.Expanding[step.ID] {
		return OutcomeWaiting, ""
	}
	if counts[StatusPending]+counts[StatusRunning] > 0 {
		return OutcomeActive, ""
	}

	finished := counts[StatusFinished]
	var firstFailure string
	for _, row := range rows {
		if row.Status != StatusFinished && firstFailure == "" {
			firstFailure = row.InstanceID + ": " + row.Message
		}
	}

	switch step.CheckpointMode() {
	case definition.CheckpointAny:
		if finished > 0 {
			return OutcomeSucceeded, ""
		}
	default:
		if finished == len(rows) {
			return OutcomeSucceeded, ""
		}
	}
	return OutcomeFailed, firstFailure
}

func derive(job *Job, r *Report) Status {
	running, active, started := false, false, job.Started != nil
	allSucceeded, allSettled, anyFailed := true, true, false
	for _, s := range r.Steps {
		if s.Counts[StatusRunning] > 0 {
			running = true
		}
		if s.Counts[StatusFailed]+s.Counts[StatusCancelled] > 0 {
			anyFailed = true
		}
		if s.Outcome == OutcomeActive {
			active = true
		}
		if len(s.Instances) > 0 {
			started = true
		}
		if s.Outcome != OutcomeSucceeded {
			allSucceeded = false
		}
		if !s.Outcome.Settled() {
			allSettled = false
		}
	}

	switch {
	case job.CancelRequested && !running:
		return StatusCancelled
	case job.CancelRequested:
		return StatusRunning
	}
	if _, fatal := r.Fatal(); fatal {
		return StatusFailed
	}
	if allSucceeded && len(r.Steps) > 0 {
		// an "any" step may succeed with failed siblings
		if anyFailed {
			return StatusFailed
		}
		return StatusFinished
	}
	if allSettled && !active {
		return StatusFailed
	}
	if !started {
		return StatusPending
	}
	return StatusRunning
}

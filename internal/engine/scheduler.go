package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/geneflow/geneflow-go/internal/dag"
	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/execution"
	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/mapper"
	"github.com/geneflow/geneflow-go/internal/state"
	"github.com/geneflow/geneflow-go/internal/template"
)

type taskKind int

const (
	taskSubmit taskKind = iota
	taskPoll
	taskCancel
)

// result is what a pooled backend call reports back to the loop
type result struct {
	key    string
	kind   taskKind
	handle execution.Handle
	status execution.Status
	err    error
}

// run is the scheduling state of one job. Only the loop goroutine
// touches it; pooled calls communicate through results.
type run struct {
	engine *Engine
	wf     *definition.Workflow
	apps   map[string]*definition.App
	graph  *dag.Graph
	job    *state.Job
	rows   map[string]*state.JobStep

	inflight  map[string]taskKind
	cancelled map[string]bool
	lastPoll  map[string]time.Time
	results   chan result
	wake      <-chan struct{}
	wg        sync.WaitGroup

	stopping string
	status   state.Status
	dirty    bool
}

func (e *Engine) newRun(ctx context.Context, jobID string, wake <-chan struct{}) (*run, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bundle, err := e.bundle(ctx, job.WorkflowID)
	if err != nil {
		return nil, err
	}
	graph, err := dag.Build(bundle.Workflow.Steps)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListJobSteps(ctx, jobID)
	if err != nil {
		return nil, err
	}

	r := &run{
		engine:    e,
		wf:        bundle.Workflow,
		apps:      bundle.Apps,
		graph:     graph,
		job:       job,
		rows:      make(map[string]*state.JobStep, len(rows)),
		inflight:  make(map[string]taskKind),
		cancelled: make(map[string]bool),
		lastPoll:  make(map[string]time.Time),
		results:   make(chan result, e.pool.Size()),
		wake:      wake,
	}
	for _, row := range rows {
		r.rows[row.Key()] = row
	}
	return r, nil
}

func (r *run) loop(ctx context.Context) (*state.Report, error) {
	defer r.wg.Wait()

	r.engine.metrics.RecordJobStart(r.job.ID)
	logging.Info(component, "Job run started", map[string]interface{}{
		"job_id": r.job.ID,
		"steps":  len(r.wf.Steps),
		"roots":  r.graph.Roots(),
		"rows":   len(r.rows),
	})

	ticker := time.NewTicker(r.engine.opts.PollInterval)
	defer ticker.Stop()

	for {
		report, done, err := r.tick(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return report, nil
		}

		select {
		case res := <-r.results:
			if err := r.apply(ctx, res); err != nil {
				return nil, err
			}
			if err := r.drain(ctx); err != nil {
				return nil, err
			}
		case <-r.wake:
		case <-ticker.C:
		case <-ctx.Done():
			logging.Info(component, "Job run interrupted", map[string]interface{}{"job_id": r.job.ID})
			return nil, ctx.Err()
		}
	}
}

// drain applies results that are already waiting
func (r *run) drain(ctx context.Context) error {
	for {
		select {
		case res := <-r.results:
			if err := r.apply(ctx, res); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// tick performs one readiness scan
func (r *run) tick(ctx context.Context) (*state.Report, bool, error) {
	if err := r.refresh(ctx); err != nil {
		return nil, false, err
	}

	report := r.aggregate()
	if r.stopping == "" {
		if r.job.CancelRequested {
			r.stopping = "cancelled"
		} else if id, fatal := report.Fatal(); fatal {
			r.stopping = fmt.Sprintf("step %s failed", id)
			r.blockBelow(id, report)
		}
	}

	if r.stopping != "" {
		if err := r.stop(ctx); err != nil {
			return nil, false, err
		}
	} else {
		if err := r.propagate(ctx, report); err != nil {
			return nil, false, err
		}
		if err := r.expand(ctx); err != nil {
			return nil, false, err
		}
		if err := r.dispatch(ctx); err != nil {
			return nil, false, err
		}
		r.poll(ctx)
	}

	report = r.aggregate()
	if report.Status.Terminal() && len(r.inflight) == 0 && !r.anyRunning() {
		report, err := r.finish(ctx, report)
		return report, true, err
	}
	if err := r.publish(ctx, report); err != nil {
		return nil, false, err
	}
	return report, false, nil
}

// refresh picks up a cancellation requested through the store
func (r *run) refresh(ctx context.Context) error {
	fresh, err := r.engine.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("failed to reload job: %w", err)
	}
	if fresh.CancelRequested {
		r.job.CancelRequested = true
	}
	return nil
}

func (r *run) aggregate() *state.Report {
	rows := make([]*state.JobStep, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	return state.Aggregate(r.wf, r.job, rows)
}

// propagate blocks every unexpanded step below a failed or blocked parent.
// Steps are visited in execution order so a chain settles in one pass.
func (r *run) propagate(ctx context.Context, report *state.Report) error {
	outcomes := make(map[string]state.Outcome, len(report.Steps))
	for _, s := range report.Steps {
		outcomes[s.Step] = s.Outcome
	}

	changed := false
	for _, id := range r.graph.Order() {
		if outcomes[id] != state.OutcomeWaiting {
			continue
		}
		for _, parent := range r.graph.Parents(id) {
			o := outcomes[parent]
			if o != state.OutcomeFailed && o != state.OutcomeBlocked {
				continue
			}
			if r.job.Blocked == nil {
				r.job.Blocked = make(map[string]string)
			}
			r.job.Blocked[id] = fmt.Sprintf("dependency %s failed", parent)
			outcomes[id] = state.OutcomeBlocked
			changed = true

			logging.Warn(component, "Step blocked by failed dependency", map[string]interface{}{
				"job_id": r.job.ID,
				"step":   id,
				"parent": parent,
			})
			break
		}
	}
	if !changed {
		return nil
	}
	r.dirty = true
	return r.saveJob(ctx)
}

// blockBelow marks the unexpanded descendants of a fatally failed step as
// blocked. They never run in this pass and the report says why.
func (r *run) blockBelow(failed string, report *state.Report) {
	for _, id := range r.graph.Descendants(failed) {
		if report.Step(id).Outcome != state.OutcomeWaiting {
			continue
		}
		if r.job.Blocked == nil {
			r.job.Blocked = make(map[string]string)
		}
		r.job.Blocked[id] = fmt.Sprintf("dependency %s failed", failed)
		r.dirty = true
	}
}

// expand materializes the instances of every step whose parents succeeded
func (r *run) expand(ctx context.Context) error {
	report := r.aggregate()
	for _, id := range r.graph.Order() {
		if report.Step(id).Outcome != state.OutcomeWaiting {
			continue
		}
		ready := true
		for _, parent := range r.graph.Parents(id) {
			if report.Step(parent).Outcome != state.OutcomeSucceeded {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if err := r.expandStep(ctx, r.graph.Step(id)); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) expandStep(ctx context.Context, step *definition.Step) error {
	exec := r.job.Spec.StepExecution(step)
	now := r.engine.now().UTC()

	var source string
	var err error
	if step.Map != nil {
		source, err = template.Substitute(step.Map.URI, r.stepTable(step))
	}
	var instances []mapper.Instance
	if err == nil {
		instances, err = mapper.Expand(ctx, r.engine.lister, step.ID, step.Map, source)
	}
	if err != nil {
		if r.job.StepErrors == nil {
			r.job.StepErrors = make(map[string]string)
		}
		r.job.StepErrors[step.ID] = err.Error()
		r.dirty = true
		logging.Error(component, "Step expansion failed", map[string]interface{}{
			"job_id": r.job.ID,
			"step":   step.ID,
			"error":  err,
		})
		return r.saveJob(ctx)
	}

	maxAttempts := r.engine.opts.MaxAttempts
	if v, err := strconv.Atoi(exec.Parameters["max_attempts"]); err == nil && v > 0 {
		maxAttempts = v
	}

	// the marker is durable before the first row so an interrupted
	// expansion is completed on the next run
	if r.job.Expanding == nil {
		r.job.Expanding = make(map[string]bool)
	}
	r.job.Expanding[step.ID] = true
	if err := r.saveJob(ctx); err != nil {
		return err
	}

	added := 0
	for _, inst := range instances {
		if _, ok := r.rows[step.ID+"/"+inst.ID]; ok {
			continue
		}
		row := &state.JobStep{
			JobID:       r.job.ID,
			StepID:      step.ID,
			InstanceID:  inst.ID,
			Status:      state.StatusPending,
			Attempt:     1,
			MaxAttempts: maxAttempts,
			Source:      inst.Source,
			Groups:      inst.Groups,
			Mapped:      inst.Mapped,
			OutputDir:   filepath.Join(r.stepDir(step.ID), inst.ID),
			Context:     exec.Context,
			Created:     now,
		}
		if err := r.put(ctx, row); err != nil {
			return err
		}
		added++
	}

	logging.Info(component, "Step expanded", map[string]interface{}{
		"job_id":    r.job.ID,
		"step":      step.ID,
		"name":      step.DisplayName(),
		"instances": len(instances),
		"added":     added,
		"source":    source,
	})

	delete(r.job.Expanding, step.ID)
	if len(r.job.Expanding) == 0 {
		r.job.Expanding = nil
	}
	if r.job.Started == nil {
		r.job.Started = &now
	}
	r.dirty = true
	return r.saveJob(ctx)
}

// dispatch submits pending instances while pool slots and step throttles
// allow
func (r *run) dispatch(ctx context.Context) error {
	active := make(map[string]int)
	for key, row := range r.rows {
		if kind, ok := r.inflight[key]; row.Status == state.StatusRunning || ok && kind == taskSubmit {
			active[row.StepID]++
		}
	}

	for _, row := range r.ordered() {
		if row.Status != state.StatusPending || r.isInflight(row.Key()) {
			continue
		}
		step, _ := r.wf.Step(row.StepID)
		exec := r.job.Spec.StepExecution(step)
		if limit, err := strconv.Atoi(exec.Parameters["throttle"]); err == nil && limit > 0 && active[step.ID] >= limit {
			continue
		}

		backend, err := r.engine.contexts.Get(row.Context)
		if err != nil {
			if err := r.fail(ctx, row, err); err != nil {
				return err
			}
			continue
		}
		spec, err := r.prepare(step, row)
		if err != nil {
			if err := r.fail(ctx, row, err); err != nil {
				return err
			}
			continue
		}

		if !r.start(ctx, row, taskSubmit, func(ctx context.Context) result {
			h, err := backend.Submit(ctx, spec)
			return result{handle: h, err: err}
		}) {
			return nil
		}
		active[step.ID]++
	}
	return nil
}

// poll checks running instances not polled within the poll interval
func (r *run) poll(ctx context.Context) {
	now := time.Now()
	for _, row := range r.ordered() {
		key := row.Key()
		if row.Status != state.StatusRunning || row.Handle == nil || r.isInflight(key) {
			continue
		}
		if last, ok := r.lastPoll[key]; ok && now.Sub(last) < r.engine.opts.PollInterval/2 {
			continue
		}
		backend, err := r.engine.contexts.Get(row.Context)
		if err != nil {
			continue
		}
		h := *row.Handle
		if !r.start(ctx, row, taskPoll, func(ctx context.Context) result {
			st, err := backend.Poll(ctx, h)
			return result{status: st, err: err}
		}) {
			return
		}
		r.lastPoll[key] = now
	}
}

// stop cancels pending instances and running backend handles
func (r *run) stop(ctx context.Context) error {
	now := r.engine.now().UTC()
	for _, row := range r.ordered() {
		key := row.Key()
		if r.isInflight(key) {
			continue
		}
		switch row.Status {
		case state.StatusPending:
			if err := row.Transition(state.StatusCancelled, r.stopping, now); err != nil {
				return err
			}
			if err := r.put(ctx, row); err != nil {
				return err
			}
		case state.StatusRunning:
			if r.cancelled[key] {
				continue
			}
			backend, err := r.engine.contexts.Get(row.Context)
			if err != nil || row.Handle == nil {
				if err := row.Transition(state.StatusCancelled, r.stopping, now); err != nil {
					return err
				}
				if err := r.put(ctx, row); err != nil {
					return err
				}
				continue
			}
			h := *row.Handle
			if !r.start(ctx, row, taskCancel, func(ctx context.Context) result {
				return result{err: backend.Cancel(ctx, h)}
			}) {
				return nil
			}
			r.cancelled[key] = true
		}
	}
	return nil
}

// start hands a backend call for row to the pool. It reports false when
// the pool is saturated; the call is retried on a later tick.
func (r *run) start(ctx context.Context, row *state.JobStep, kind taskKind, fn func(context.Context) result) bool {
	key := row.Key()
	ctx = execution.WithObserver(ctx, r.observer(row.StepID, row.InstanceID))

	r.wg.Add(1)
	ok := r.engine.pool.TryGo(func() {
		defer r.wg.Done()
		res := fn(ctx)
		res.key, res.kind = key, kind
		select {
		case r.results <- res:
		case <-ctx.Done():
		}
	})
	if !ok {
		r.wg.Done()
		return false
	}
	r.inflight[key] = kind
	return true
}

func (r *run) isInflight(key string) bool {
	_, ok := r.inflight[key]
	return ok
}

// apply records the outcome of a backend call
func (r *run) apply(ctx context.Context, res result) error {
	delete(r.inflight, res.key)
	row, ok := r.rows[res.key]
	if !ok {
		return nil
	}
	if res.err != nil && ctx.Err() != nil {
		// interrupted; the row stays as it is for resume
		return nil
	}

	now := r.engine.now().UTC()
	fields := map[string]interface{}{
		"job_id":   r.job.ID,
		"step":     row.StepID,
		"instance": row.InstanceID,
		"attempt":  row.Attempt,
	}

	switch res.kind {
	case taskSubmit:
		if res.err != nil {
			return r.fail(ctx, row, res.err)
		}
		h := res.handle
		row.Handle = &h
		if err := row.Transition(state.StatusRunning, "", now); err != nil {
			return err
		}
		r.engine.metrics.RecordSubmission(r.job.ID, row.StepID)
		fields["handle"] = h.ID
		fields["backend"] = h.Backend
		logging.Info(component, "Instance submitted", fields)

	case taskPoll:
		if res.err != nil {
			return r.fail(ctx, row, res.err)
		}
		switch res.status.State {
		case execution.StateFinished:
			row.ExitCode = res.status.ExitCode
			if err := row.Transition(state.StatusFinished, res.status.Message, now); err != nil {
				return err
			}
			r.recordInstance(row)
			logging.Info(component, "Instance finished", fields)
		case execution.StateFailed:
			row.ExitCode = res.status.ExitCode
			msg := res.status.Message
			if msg == "" {
				msg = fmt.Sprintf("exited with code %d", row.ExitCode)
			}
			if err := row.Transition(state.StatusFailed, msg, now); err != nil {
				return err
			}
			r.recordInstance(row)
			fields["error"] = msg
			if r.stopping == "" && row.Retry() {
				fields["next_attempt"] = row.Attempt
				logging.Warn(component, "Instance failed, retrying", fields)
			} else {
				logging.Error(component, "Instance failed", fields)
			}
		default:
			return nil
		}

	case taskCancel:
		msg := r.stopping
		if res.err != nil {
			msg = fmt.Sprintf("%s (cancel failed: %v)", r.stopping, res.err)
			fields["error"] = res.err
			logging.Warn(component, "Backend cancel failed", fields)
		}
		if err := row.Transition(state.StatusCancelled, msg, now); err != nil {
			return err
		}
	}

	delete(r.lastPoll, res.key)
	return r.put(ctx, row)
}

// fail ends the current attempt of row without retrying
func (r *run) fail(ctx context.Context, row *state.JobStep, err error) error {
	if err := row.Transition(state.StatusFailed, err.Error(), r.engine.now().UTC()); err != nil {
		return err
	}
	r.recordInstance(row)
	logging.Error(component, "Instance failed", map[string]interface{}{
		"job_id":   r.job.ID,
		"step":     row.StepID,
		"instance": row.InstanceID,
		"attempt":  row.Attempt,
		"error":    err,
	})
	return r.put(ctx, row)
}

func (r *run) recordInstance(row *state.JobStep) {
	var elapsed time.Duration
	if row.Started != nil && row.Finished != nil {
		elapsed = row.Finished.Sub(*row.Started)
	}
	r.engine.metrics.RecordInstance(r.job.ID, row.StepID, row.Status, elapsed)
}

// observer returns the retry observer for calls made on behalf of one
// instance. It runs on pool goroutines.
func (r *run) observer(stepID, instanceID string) execution.Observer {
	jobID := r.job.ID
	return func(backend, op string, attempt int, err error) {
		r.engine.metrics.RecordRetry(jobID, stepID)
		logging.Warn(component, "Transient backend error", map[string]interface{}{
			"job_id":   jobID,
			"step":     stepID,
			"instance": instanceID,
			"backend":  backend,
			"op":       op,
			"attempt":  attempt,
			"error":    err,
		})
	}
}

// finish relocates final outputs of a finished job and records the
// terminal status
func (r *run) finish(ctx context.Context, report *state.Report) (*state.Report, error) {
	if report.Status == state.StatusFinished {
		if id, err := r.finalize(); err != nil {
			if r.job.StepErrors == nil {
				r.job.StepErrors = make(map[string]string)
			}
			r.job.StepErrors[id] = err.Error()
			logging.Error(component, "Final output relocation failed", map[string]interface{}{
				"job_id": r.job.ID,
				"step":   id,
				"error":  err,
			})
			report = r.aggregate()
		}
	}

	// persist the end before watchers are told
	now := r.engine.now().UTC()
	r.job.Finished = &now
	r.job.Status = report.Status
	r.job.Message = message(report)
	if err := r.saveJob(ctx); err != nil {
		return nil, err
	}
	r.dirty = true
	if err := r.publish(ctx, report); err != nil {
		return nil, err
	}
	r.engine.metrics.RecordJobComplete(r.job.ID, report.Status)

	logging.Info(component, "Job run ended", map[string]interface{}{
		"job_id":  r.job.ID,
		"status":  report.Status,
		"message": r.job.Message,
	})
	return report, nil
}

// publish writes the status snapshot on change and pushes the report to
// watchers
func (r *run) publish(ctx context.Context, report *state.Report) error {
	changed := report.Status != r.status
	if changed {
		r.status = report.Status
		r.job.Status = report.Status
		r.job.Message = message(report)
		r.dirty = true
		if err := r.saveJob(ctx); err != nil {
			return err
		}
		if r.engine.notifier != nil {
			snapshot := *r.job
			go r.engine.notifier.Notify(context.WithoutCancel(ctx), &snapshot)
		}
	}
	if r.dirty {
		r.dirty = false
		report.Job = r.job
		r.engine.hub.Publish(report)
	}
	return nil
}

func message(report *state.Report) string {
	switch report.Status {
	case state.StatusFinished:
		return "finished"
	case state.StatusCancelled:
		return "cancelled"
	case state.StatusFailed:
		if id, fatal := report.Fatal(); fatal {
			return fmt.Sprintf("step %s failed: %s", id, report.Step(id).Message)
		}
		for _, s := range report.Steps {
			if s.Outcome == state.OutcomeFailed || s.Outcome == state.OutcomeBlocked {
				return fmt.Sprintf("step %s failed: %s", s.Step, s.Message)
			}
		}
		return "failed"
	case state.StatusRunning:
		return "running"
	default:
		return ""
	}
}

func (r *run) put(ctx context.Context, row *state.JobStep) error {
	if err := r.engine.store.PutJobStep(ctx, row); err != nil {
		return fmt.Errorf("failed to persist %s: %w", row.Key(), err)
	}
	r.rows[row.Key()] = row
	r.dirty = true
	return nil
}

// saveJob writes the job record without losing a cancellation written
// by another process
func (r *run) saveJob(ctx context.Context) error {
	if fresh, err := r.engine.store.GetJob(ctx, r.job.ID); err == nil && fresh.CancelRequested {
		r.job.CancelRequested = true
	}
	if err := r.engine.store.UpdateJob(ctx, r.job); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	return nil
}

func (r *run) anyRunning() bool {
	for _, row := range r.rows {
		if row.Status == state.StatusRunning {
			return true
		}
	}
	return false
}

// ordered returns rows in step execution order, then by instance
func (r *run) ordered() []*state.JobStep {
	rank := make(map[string]int, len(r.wf.Steps))
	for i, id := range r.graph.Order() {
		rank[id] = i
	}
	rows := make([]*state.JobStep, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rank[rows[i].StepID] != rank[rows[j].StepID] {
			return rank[rows[i].StepID] < rank[rows[j].StepID]
		}
		return rows[i].InstanceID < rows[j].InstanceID
	})
	return rows
}

func (r *run) stepDir(stepID string) string {
	return filepath.Join(r.job.WorkDir, stepID)
}

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/execution"
	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/state"
	"github.com/geneflow/geneflow-go/internal/template"
)

// stepTable holds the values every instance of step can see: workflow
// inputs and parameters, and the output of each declared parent
func (r *run) stepTable(step *definition.Step) *template.Table {
	parents := make(map[string]map[string]string, len(step.Depend))
	for _, parent := range r.graph.Parents(step.ID) {
		parents[parent] = map[string]string{definition.OutputName: r.stepDir(parent)}
	}
	return &template.Table{
		Workflow: r.wf.Values(r.job.Inputs, r.job.Parameters),
		Steps:    parents,
	}
}

// prepare resolves the templates of one instance and renders its app
// into the executable spec. An unresolved reference fails only this
// instance.
func (r *run) prepare(step *definition.Step, row *state.JobStep) (execution.Spec, error) {
	app, ok := r.apps[step.App]
	if !ok {
		return execution.Spec{}, fmt.Errorf("unknown app %q", step.App)
	}
	exec := r.job.Spec.StepExecution(step)

	table := r.stepTable(step)
	table.Groups = row.Groups
	table.Mapped = row.Mapped
	if step.Map != nil && row.Mapped {
		// a map source token resolves to the matched entry
		if toks := template.Scan(step.Map.URI); len(toks) == 1 && toks[0].Kind == template.KindScoped {
			table.Overrides = map[string]string{toks[0].Key(): row.Source}
		}
	}

	values, err := template.SubstituteAll(step.Template, table)
	if err != nil {
		return execution.Spec{}, err
	}

	locals := make(map[string]string)
	for _, field := range app.Fields() {
		if v, ok := values[field.Name]; ok {
			locals[field.Name] = v
		} else {
			locals[field.Name] = field.Default
		}
	}
	switch out := locals[definition.OutputName]; {
	case out == "":
		locals[definition.OutputName] = row.OutputDir
	case !filepath.IsAbs(out):
		locals[definition.OutputName] = filepath.Join(row.OutputDir, out)
	}

	commands, method, err := app.RenderMethod(exec.Method, &template.Table{Locals: locals})
	if err != nil {
		return execution.Spec{}, err
	}
	if len(commands) == 0 {
		return execution.Spec{}, fmt.Errorf("method %q of app %q rendered no commands", method, app.Name)
	}

	logDir := filepath.Join(r.job.WorkDir, "_log", step.ID)
	base := fmt.Sprintf("%s-%d", row.InstanceID, row.Attempt)
	spec := execution.Spec{
		JobID:      r.job.ID,
		StepID:     step.ID,
		InstanceID: row.InstanceID,
		Attempt:    row.Attempt,
		Commands:   commands,
		WorkDir:    row.OutputDir,
		Stdout:     filepath.Join(logDir, base+".out"),
		Stderr:     filepath.Join(logDir, base+".err"),
		Volumes:    volumes(r.job.WorkDir, locals),
		Env: map[string]string{
			"GENEFLOW_JOB_ID":   r.job.ID,
			"GENEFLOW_STEP":     step.ID,
			"GENEFLOW_INSTANCE": row.InstanceID,
		},
		Parameters: exec.Parameters,
	}

	logging.Debug(component, "Instance prepared", map[string]interface{}{
		"job_id":   r.job.ID,
		"step":     step.ID,
		"instance": row.InstanceID,
		"method":   method,
		"commands": len(commands),
	})
	return spec, nil
}

// volumes lists host directories a container needs: the job work
// directory and the location of every absolute path value
func volumes(workDir string, locals map[string]string) []string {
	seen := map[string]bool{workDir: true}
	out := []string{workDir}
	for _, v := range locals {
		if !filepath.IsAbs(v) {
			continue
		}
		dir := v
		if info, err := os.Stat(v); err != nil || !info.IsDir() {
			dir = filepath.Dir(v)
		}
		if !seen[dir] && !within(dir, workDir) {
			seen[dir] = true
			out = append(out, dir)
		}
	}
	sort.Strings(out[1:])
	return out
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

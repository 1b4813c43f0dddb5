package definition

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

// JobSpec describes one requested run of a workflow
type JobSpec struct {
	Name          string            `yaml:"name" json:"name"`
	Workflow      string            `yaml:"workflow" json:"workflow,omitempty"`
	Inputs        map[string]string `yaml:"inputs" json:"inputs,omitempty"`
	Parameters    map[string]string `yaml:"parameters" json:"parameters,omitempty"`
	WorkDir       string            `yaml:"work_dir" json:"work_dir,omitempty"`
	OutputDir     string            `yaml:"output_dir" json:"output_dir,omitempty"`
	NoOutputHash  bool              `yaml:"no_output_hash" json:"no_output_hash,omitempty"`
	FinalOutput   []string          `yaml:"final_output" json:"final_output,omitempty"`
	Execution     JobExecution      `yaml:"execution" json:"execution,omitempty"`
	Notifications []Notification    `yaml:"notifications" json:"notifications,omitempty"`
}

// JobExecution holds per-step overrides. The "default" key applies to
// every step not named explicitly.
type JobExecution struct {
	Context    map[string]string            `yaml:"context" json:"context,omitempty"`
	Method     map[string]string            `yaml:"method" json:"method,omitempty"`
	Parameters map[string]map[string]string `yaml:"parameters" json:"parameters,omitempty"`
}

// Notification is a callback target for job status changes
type Notification struct {
	URL string   `yaml:"url" json:"url"`
	To  []string `yaml:"to" json:"to,omitempty"`
}

// DefaultKey selects the fallback entry of a JobExecution map
const DefaultKey = "default"

// StepExecution merges step definition settings with job overrides. Job
// per-step values win over the job default, which wins over the step.
func (j *JobSpec) StepExecution(step *Step) Execution {
	exec := Execution{
		Context:    step.Execution.Context,
		Method:     step.Execution.Method,
		Parameters: make(map[string]string),
	}
	for k, v := range step.Execution.Parameters {
		exec.Parameters[k] = v
	}

	if v, ok := j.Execution.Context[DefaultKey]; ok && exec.Context == "" {
		exec.Context = v
	}
	if v, ok := j.Execution.Context[step.ID]; ok {
		exec.Context = v
	}
	if v, ok := j.Execution.Method[DefaultKey]; ok && exec.Method == "" {
		exec.Method = v
	}
	if v, ok := j.Execution.Method[step.ID]; ok {
		exec.Method = v
	}
	for k, v := range j.Execution.Parameters[DefaultKey] {
		if _, set := exec.Parameters[k]; !set {
			exec.Parameters[k] = v
		}
	}
	for k, v := range j.Execution.Parameters[step.ID] {
		exec.Parameters[k] = v
	}

	if exec.Method == "" {
		exec.Method = MethodAuto
	}
	return exec
}

// UnmarshalYAML accepts either a single recipient or a list
func (n *Notification) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		URL string    `yaml:"url"`
		To  yaml.Node `yaml:"to"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n.URL = raw.URL
	switch raw.To.Kind {
	case 0:
	case yaml.ScalarNode:
		n.To = []string{raw.To.Value}
	default:
		if err := raw.To.Decode(&n.To); err != nil {
			return err
		}
	}
	return nil
}

// LoadJobSpec reads a job document. A relative workflow path is
// resolved against the job file's directory.
func LoadJobSpec(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}
	spec, err := ParseJobSpec(data)
	if err != nil {
		return nil, err
	}
	if spec.Workflow != "" && !filepath.IsAbs(spec.Workflow) {
		spec.Workflow = filepath.Join(filepath.Dir(path), spec.Workflow)
	}
	return spec, nil
}

// ParseJobSpec decodes a job document
func ParseJobSpec(data []byte) (*JobSpec, error) {
	spec := &JobSpec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, errdefs.NewDefinitionError("job", "%v", err)
	}
	if spec.Name == "" {
		return nil, errdefs.NewDefinitionError("job.name", "job name is required")
	}
	return spec, nil
}

// ValidateFor checks that the job spec only names things the workflow declares
func (j *JobSpec) ValidateFor(wf *Workflow) []errdefs.Issue {
	var issues []errdefs.Issue
	inputs := make(map[string]bool, len(wf.Inputs))
	for _, in := range wf.Inputs {
		inputs[in.Name] = true
	}
	params := make(map[string]bool, len(wf.Parameters))
	for _, p := range wf.Parameters {
		params[p.Name] = true
	}
	for name := range j.Inputs {
		if !inputs[name] {
			issues = append(issues, errdefs.Issue{Path: "job.inputs." + name, Message: "workflow has no such input"})
		}
	}
	for name := range j.Parameters {
		if !params[name] {
			issues = append(issues, errdefs.Issue{Path: "job.parameters." + name, Message: "workflow has no such parameter"})
		}
	}
	for _, name := range j.FinalOutput {
		if _, ok := wf.Step(name); !ok {
			issues = append(issues, errdefs.Issue{Path: "job.final_output", Message: fmt.Sprintf("unknown step %q", name)})
		}
	}
	for _, section := range []map[string]string{j.Execution.Context, j.Execution.Method} {
		for name := range section {
			if _, ok := wf.Step(name); !ok && name != DefaultKey {
				issues = append(issues, errdefs.Issue{Path: "job.execution", Message: fmt.Sprintf("unknown step %q", name)})
			}
		}
	}
	return issues
}

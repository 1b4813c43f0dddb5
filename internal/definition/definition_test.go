package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/template"
)

func loadAlign(t *testing.T) *Bundle {
	t.Helper()
	src, err := LoadFiles(filepath.Join("testdata", "align", "workflow.yaml"), "")
	require.NoError(t, err)
	bundle, err := Parse(src)
	require.NoError(t, err)
	return bundle
}

func yamlDecode(doc string, out interface{}) error {
	return yaml.Unmarshal([]byte(doc), out)
}

func issueMessages(t *testing.T, err error) []string {
	t.Helper()
	var defErr *errdefs.DefinitionError
	require.ErrorAs(t, err, &defErr)
	msgs := make([]string, 0, len(defErr.Issues))
	for _, issue := range defErr.Issues {
		msgs = append(msgs, issue.String())
	}
	return msgs
}

func TestLoadAndParse(t *testing.T) {
	bundle := loadAlign(t)
	wf := bundle.Workflow

	assert.Equal(t, "fastq-align", wf.Name)
	assert.NotEmpty(t, wf.ID)
	require.Len(t, wf.Inputs, 2)
	assert.Equal(t, "reads", wf.Inputs[0].Name)
	assert.Equal(t, "reference", wf.Inputs[1].Name)
	assert.Equal(t, "4", wf.Parameters[0].Default)

	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "align", wf.Steps[0].ID, "steps are sorted by number")
	assert.Equal(t, "sort", wf.Steps[1].ID)
	assert.Equal(t, CheckpointAny, wf.Steps[0].CheckpointMode())
	assert.Equal(t, CheckpointAll, wf.Steps[1].CheckpointMode())
	require.NotNil(t, wf.Steps[0].Map)
	assert.False(t, wf.Steps[0].Map.Inclusive)

	require.Contains(t, bundle.Apps, "bwa-mem")
	require.Contains(t, bundle.Apps, "samtools-sort")
	bwa := bundle.Apps["bwa-mem"]
	require.Len(t, bwa.ExecMethods, 2)
	assert.IsType(t, &Container{}, bwa.ExecMethods[0].Exec[0])
	assert.IsType(t, &Pipe{}, bwa.ExecMethods[1].Exec[0])
	assert.IsType(t, &Shell{}, bwa.PreExec[0])
}

func TestDigestIsStable(t *testing.T) {
	a := Source{Workflow: []byte("name: x"), Apps: map[string][]byte{"a": []byte("1"), "b": []byte("2")}}
	b := Source{Workflow: []byte("name: x"), Apps: map[string][]byte{"b": []byte("2"), "a": []byte("1")}}
	c := Source{Workflow: []byte("name: y"), Apps: a.Apps}

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
}

const echoApp = `
name: echo
inputs:
  input:
    required: true
parameters:
  output:
    default: out
exec_methods:
  - name: local
    exec:
      - run: echo ${input} > ${output}
`

func TestValidationIssues(t *testing.T) {
	tests := []struct {
		name     string
		workflow string
		expected string
	}{
		{
			name: "duplicate step id",
			workflow: `
name: dup
steps:
  a: {number: 1, app: echo, template: {input: x}}
  a: {number: 2, app: echo, template: {input: y}}
`,
			expected: `duplicate steps key "a"`,
		},
		{
			name: "unknown app",
			workflow: `
name: w
steps:
  a: {number: 1, app: nope}
`,
			expected: `steps.a.app: unknown app "nope"`,
		},
		{
			name: "self dependency",
			workflow: `
name: w
steps:
  a: {number: 1, app: echo, depend: [a], template: {input: x}}
`,
			expected: "steps.a.depend: step depends on itself",
		},
		{
			name: "missing required field",
			workflow: `
name: w
steps:
  a: {number: 1, app: echo}
`,
			expected: `steps.a.template: required "input" of app "echo" is neither templated nor defaulted`,
		},
		{
			name: "reference outside depend",
			workflow: `
name: w
steps:
  a: {number: 1, app: echo, template: {input: x}}
  b: {number: 2, app: echo, template: {input: "${a->output}"}}
`,
			expected: `steps.b.template.input: ${a->output}: step "a" is not listed in depend`,
		},
		{
			name: "undeclared workflow value",
			workflow: `
name: w
steps:
  a: {number: 1, app: echo, template: {input: "${workflow->missing}"}}
`,
			expected: `steps.a.template.input: ${workflow->missing}: not a declared workflow input or parameter`,
		},
		{
			name: "positional without map",
			workflow: `
name: w
steps:
  a: {number: 1, app: echo, template: {input: "${1}"}}
`,
			expected: `steps.a.template.input: ${1}: positional references require a map`,
		},
		{
			name: "positional beyond capture groups",
			workflow: `
name: w
inputs:
  dir: {default: /tmp}
steps:
  a:
    number: 1
    app: echo
    map: {uri: "${workflow->dir}", regex: "(.*)\\.txt"}
    template: {input: "${2}"}
`,
			expected: `steps.a.template.input: ${2}: pattern has 1 capture groups`,
		},
		{
			name: "step id outside reference grammar",
			workflow: `
name: w
steps:
  "bwa mem": {number: 1, app: echo, template: {input: x}}
`,
			expected: `steps.bwa mem: step id "bwa mem" may only use`,
		},
		{
			name: "malformed reference",
			workflow: `
name: w
steps:
  a: {number: 1, app: echo, template: {input: "${workflow->}"}}
`,
			expected: `steps.a.template.input: ${workflow->}: not a declared workflow input or parameter`,
		},
		{
			name: "leading digit step reference outside depend",
			workflow: `
name: w
steps:
  1-align: {number: 1, app: echo, template: {input: x}}
  b: {number: 2, app: echo, template: {input: "${1-align->output}/x.bam"}}
`,
			expected: `steps.b.template.input: ${1-align->output}: step "1-align" is not listed in depend`,
		},
		{
			name: "unknown template key",
			workflow: `
name: w
steps:
  a: {number: 1, app: echo, template: {input: x, bogus: y}}
`,
			expected: `steps.a.template.bogus: app "echo" has no input or parameter "bogus"`,
		},
		{
			name: "unknown final output",
			workflow: `
name: w
steps:
  a: {number: 1, app: echo, template: {input: x}}
final_output: [zzz]
`,
			expected: `final_output[0]: unknown step "zzz"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(Source{
				Workflow: []byte(tt.workflow),
				Apps:     map[string][]byte{"echo": []byte(echoApp)},
			})
			require.Error(t, err)
			assert.True(t, errdefs.IsDefinition(err))
			assert.Contains(t, err.Error(), tt.expected)
		})
	}
}

func TestValidationCollectsEveryIssue(t *testing.T) {
	_, err := Parse(Source{
		Workflow: []byte(`
name: w
steps:
  a: {number: 1, app: nope}
  b: {number: 2, app: echo, depend: [b], template: {input: "${1}"}}
`),
		Apps: map[string][]byte{"echo": []byte(echoApp)},
	})
	msgs := issueMessages(t, err)
	assert.Len(t, msgs, 3)
}

func TestAppValidation(t *testing.T) {
	_, err := Parse(Source{
		Workflow: []byte(`
name: w
steps:
  a: {number: 1, app: bad, template: {input: x}}
`),
		Apps: map[string][]byte{"bad": []byte(`
name: bad
inputs:
  input: {required: true}
exec_methods:
  - name: local
    if:
      defined: nothing
    exec:
      - run: echo ${input} ${workflow->x} ${missing}
  - name: local
    exec:
      - run: "true"
`)},
	})
	msgs := issueMessages(t, err)
	assert.Contains(t, msgs, `apps.bad.exec_methods[0].if: defined refers to undeclared name "nothing"`)
	assert.Contains(t, msgs, `apps.bad.exec_methods[0].exec[0]: ${workflow->x}: apps may only reference their own inputs and parameters`)
	assert.Contains(t, msgs, `apps.bad.exec_methods[0].exec[0]: ${missing}: undeclared input or parameter`)
	assert.Contains(t, msgs, `apps.bad.exec_methods[1]: duplicate method "local"`)
}

func TestConditionEvaluate(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	table := &template.Table{Locals: map[string]string{
		"mode":    "paired",
		"threads": "8",
		"file":    existing,
		"empty":   "",
	}}

	tests := []struct {
		name     string
		yaml     string
		expected bool
	}{
		{"defined", "defined: mode", true},
		{"empty is undefined", "defined: empty", false},
		{"not defined", "not_defined: [empty, other]", true},
		{"equal", `equal: ["${mode}", paired]`, true},
		{"not equal", `not_equal: ["${mode}", single]`, true},
		{"greater", `gt: ["${threads}", 4]`, true},
		{"less or equal", `le: ["${threads}", 4]`, false},
		{"exists", `exists: "${file}"`, true},
		{"not exists", `not_exists: "${file}.missing"`, true},
		{"contains", `contains: ["${mode}", air]`, true},
		{"all", "all:\n  - defined: mode\n  - gt: [\"${threads}\", 1]", true},
		{"any", "any:\n  - defined: empty\n  - equal: [a, a]", true},
		{"none", "none:\n  - defined: empty\n  - equal: [a, b]", true},
		{"implicit all", "defined: mode\nequal: [a, b]", false},
		{"nested", "any:\n  - none:\n      - defined: mode\n  - all:\n      - contains: [\"${file}\", present]", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &Condition{}
			require.NoError(t, yamlDecode(tt.yaml, cond))
			got, err := cond.Evaluate(table)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("non numeric comparison fails", func(t *testing.T) {
		cond := &Condition{}
		require.NoError(t, yamlDecode(`gt: ["${mode}", 1]`, cond))
		_, err := cond.Evaluate(table)
		assert.Error(t, err)
	})
}

func TestRenderMethod(t *testing.T) {
	bundle := loadAlign(t)
	bwa := bundle.Apps["bwa-mem"]

	locals := map[string]string{
		"reads":     "/data/reads/s_R1.fq",
		"pair":      "",
		"reference": "/ref.fa",
		"threads":   "2",
		"output":    "/work/align/s/s.sam",
	}
	table := &template.Table{Locals: locals}

	commands, method, err := bwa.RenderMethod("local", table)
	require.NoError(t, err)
	assert.Equal(t, "local", method)
	assert.Equal(t, []Command{
		{Run: "mkdir -p $(dirname /work/align/s/s.sam)"},
		{Run: "bwa mem -t 2 /ref.fa /data/reads/s_R1.fq | cat > /work/align/s/s.sam"},
	}, commands)

	commands, method, err = bwa.RenderMethod(MethodAuto, table)
	require.NoError(t, err)
	assert.Equal(t, "container", method)
	require.Len(t, commands, 2)
	assert.Equal(t, "biocontainers/bwa:0.7.17", commands[1].Image)

	locals["reference"] = ""
	_, method, err = bwa.RenderMethod(MethodAuto, table)
	require.NoError(t, err)
	assert.Equal(t, "local", method)

	_, _, err = bwa.RenderMethod("slurm", table)
	assert.Error(t, err)
}

func TestRenderPipeRejectsMixedImages(t *testing.T) {
	var blocks ExecList
	require.NoError(t, yamlDecode(`
- pipe:
    - run: a
    - image: img
      run: b
`, &blocks))
	_, err := Render(blocks, &template.Table{Locals: map[string]string{}})
	assert.Error(t, err)
}

func TestJobStepExecution(t *testing.T) {
	step := &Step{
		ID: "align",
		Execution: Execution{
			Context:    "local",
			Parameters: map[string]string{"throttle": "2", "slots": "1"},
		},
	}
	other := &Step{ID: "sort"}

	spec := &JobSpec{Execution: JobExecution{
		Context:    map[string]string{"default": "gridengine", "align": "slurm"},
		Method:     map[string]string{"sort": "local"},
		Parameters: map[string]map[string]string{"default": {"slots": "4", "queue": "short"}, "align": {"throttle": "8"}},
	}}

	exec := spec.StepExecution(step)
	assert.Equal(t, "slurm", exec.Context)
	assert.Equal(t, MethodAuto, exec.Method)
	assert.Equal(t, map[string]string{"throttle": "8", "slots": "1", "queue": "short"}, exec.Parameters)

	exec = spec.StepExecution(other)
	assert.Equal(t, "gridengine", exec.Context)
	assert.Equal(t, "local", exec.Method)
	assert.Equal(t, map[string]string{"slots": "4", "queue": "short"}, exec.Parameters)
}

func TestParseJobSpec(t *testing.T) {
	spec, err := ParseJobSpec([]byte(`
name: run-1
workflow: workflow.yaml
inputs:
  reads: /mnt/reads
parameters:
  threads: 16
notifications:
  - url: https://hooks.example.org/geneflow
    to: ops@example.org
  - url: https://hooks.example.org/other
    to: [a@example.org, b@example.org]
`))
	require.NoError(t, err)
	assert.Equal(t, "16", spec.Parameters["threads"])
	require.Len(t, spec.Notifications, 2)
	assert.Equal(t, []string{"ops@example.org"}, spec.Notifications[0].To)
	assert.Equal(t, []string{"a@example.org", "b@example.org"}, spec.Notifications[1].To)

	bundle := loadAlign(t)
	assert.Empty(t, spec.ValidateFor(bundle.Workflow))

	spec.Inputs["bogus"] = "x"
	assert.Len(t, spec.ValidateFor(bundle.Workflow), 1)

	_, err = ParseJobSpec([]byte("inputs: {}"))
	assert.True(t, errdefs.IsDefinition(err))
}

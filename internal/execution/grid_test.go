package execution

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
)

type reply struct {
	stdout string
	stderr string
	err    error
}

// fakeRunner answers scheduler commands from a script keyed by binary
type fakeRunner struct {
	replies map[string][]reply
	calls   [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	queue := f.replies[name]
	if len(queue) == 0 {
		return nil, nil, errors.New("unexpected call to " + name)
	}
	r := queue[0]
	if len(queue) > 1 {
		f.replies[name] = queue[1:]
	}
	return []byte(r.stdout), []byte(r.stderr), r.err
}

var exitErr = &exec.ExitError{}

func gridSpec(t *testing.T) Spec {
	dir := t.TempDir()
	return Spec{
		JobID:      "3f2a9c1e-0000-0000-0000-000000000000",
		StepID:     "align",
		InstanceID: "sample-a",
		Attempt:    1,
		Commands: []definition.Command{
			{Run: "mkdir -p out"},
			{Run: "bwa mem ref.fa r1.fq > out/a.sam", Image: "biocontainers/bwa:0.7.17"},
		},
		WorkDir:    filepath.Join(dir, "align", "sample-a"),
		Stdout:     filepath.Join(dir, "_log", "align", "sample-a-1.out"),
		Stderr:     filepath.Join(dir, "_log", "align", "sample-a-1.err"),
		Env:        map[string]string{"THREADS": "4"},
		Parameters: map[string]string{"slots": "4"},
	}
}

func TestSlurmSubmit(t *testing.T) {
	runner := &fakeRunner{replies: map[string][]reply{
		"sbatch": {{stdout: "4242;cluster\n"}},
	}}
	g := NewSlurm(runner, GridConfig{Queue: "short", ExtraArgs: []string{"--account=lab"}})

	spec := gridSpec(t)
	h, err := g.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "slurm", h.Backend)
	assert.Equal(t, "4242", h.ID)

	args := runner.calls[0]
	assert.Equal(t, "sbatch", args[0])
	assert.Contains(t, args, "--parsable")
	assert.Contains(t, args, "short")
	assert.Contains(t, args, "--account=lab")
	assert.Contains(t, args, spec.Stdout)
	assert.Equal(t, h.Data["script"], args[len(args)-1])

	script, err := os.ReadFile(h.Data["script"])
	require.NoError(t, err)
	assert.Contains(t, string(script), "export THREADS='4'")
	assert.Contains(t, string(script), "mkdir -p out\n")
	assert.Contains(t, string(script), "singularity exec docker://biocontainers/bwa:0.7.17 sh -c 'bwa mem ref.fa r1.fq > out/a.sam'")
	assert.DirExists(t, filepath.Dir(spec.Stdout))
}

func TestSlurmPoll(t *testing.T) {
	tests := []struct {
		name  string
		reply reply
		want  Status
	}{
		{"pending", reply{stdout: "PENDING|0:0\n"}, Status{State: StateRunning}},
		{"running", reply{stdout: "RUNNING|0:0\n"}, Status{State: StateRunning}},
		{"completed", reply{stdout: "COMPLETED|0:0\n"}, Status{State: StateFinished}},
		{"failed", reply{stdout: "FAILED|2:0\n"}, Status{State: StateFailed, ExitCode: 2, Message: "slurm state FAILED"}},
		{"cancelled by user", reply{stdout: "CANCELLED by 1000|0:15\n"}, Status{State: StateFailed, Message: "slurm state CANCELLED"}},
		{"timeout", reply{stdout: "TIMEOUT|0:0\n"}, Status{State: StateFailed, Message: "slurm state TIMEOUT"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{replies: map[string][]reply{"sacct": {tt.reply}}}
			status, err := NewSlurm(runner, GridConfig{}).Poll(context.Background(), Handle{ID: "4242"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestSlurmErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		reply     reply
		transient bool
	}{
		{"not yet in accounting", reply{stdout: ""}, true},
		{"controller down", reply{stderr: "sacct: error: Unable to contact slurm controller", err: exitErr}, true},
		{"socket timeout", reply{stderr: "Socket timed out on send/recv operation", err: exitErr}, true},
		{"bad job id", reply{stderr: "sacct: error: Invalid job id specified", err: exitErr}, false},
		{"missing binary", reply{err: &exec.Error{Name: "sacct", Err: exec.ErrNotFound}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{replies: map[string][]reply{"sacct": {tt.reply}}}
			_, err := NewSlurm(runner, GridConfig{}).Poll(context.Background(), Handle{ID: "4242"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errdefs.IsTransient(err))
			assert.Equal(t, !tt.transient, errdefs.IsFatal(err))
		})
	}
}

func TestSlurmSubmitRejected(t *testing.T) {
	runner := &fakeRunner{replies: map[string][]reply{
		"sbatch": {{stderr: "sbatch: error: invalid partition specified: nope", err: exitErr}},
	}}
	_, err := NewSlurm(runner, GridConfig{Queue: "nope"}).Submit(context.Background(), gridSpec(t))
	require.Error(t, err)
	assert.True(t, errdefs.IsFatal(err))
	assert.Contains(t, err.Error(), "invalid partition")
}

func TestSlurmPollRetriedUntilVisible(t *testing.T) {
	runner := &fakeRunner{replies: map[string][]reply{
		"sacct": {{stdout: ""}, {stdout: ""}, {stdout: "COMPLETED|0:0"}},
	}}
	status, err := WithRetry(NewSlurm(runner, GridConfig{}), fastPolicy).Poll(context.Background(), Handle{ID: "7"})
	require.NoError(t, err)
	assert.Equal(t, StateFinished, status.State)
	assert.Len(t, runner.calls, 3)
}

func TestSGESubmit(t *testing.T) {
	runner := &fakeRunner{replies: map[string][]reply{
		"qsub": {{stdout: "917\n"}},
	}}
	spec := gridSpec(t)
	h, err := NewSGE(runner, GridConfig{Queue: "all.q"}).Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "917", h.ID)

	args := strings.Join(runner.calls[0], " ")
	assert.Contains(t, args, "qsub -terse -b y")
	assert.Contains(t, args, "-q all.q")
	assert.Contains(t, args, "-pe smp 4")
	assert.True(t, strings.HasSuffix(args, "/bin/sh "+h.Data["script"]))
}

func TestSGEPoll(t *testing.T) {
	gone := reply{stderr: "Following jobs do not exist:\n917", err: exitErr}

	tests := []struct {
		name    string
		replies map[string][]reply
		want    Status
	}{
		{
			name:    "queued",
			replies: map[string][]reply{"qstat": {{stdout: "job_number: 917"}}},
			want:    Status{State: StateRunning},
		},
		{
			name: "finished",
			replies: map[string][]reply{
				"qstat": {gone},
				"qacct": {{stdout: "qname        all.q\nfailed       0    \nexit_status  0\n"}},
			},
			want: Status{State: StateFinished},
		},
		{
			name: "non-zero exit",
			replies: map[string][]reply{
				"qstat": {gone},
				"qacct": {{stdout: "failed       0\nexit_status  3\n"}},
			},
			want: Status{State: StateFailed, ExitCode: 3, Message: "exited with code 3"},
		},
		{
			name: "scheduler failure",
			replies: map[string][]reply{
				"qstat": {gone},
				"qacct": {{stdout: "failed       37  : qmaster enforced h_rt limit\nexit_status  137\n"}},
			},
			want: Status{State: StateFailed, ExitCode: 137, Message: "sge failed: 37 : qmaster enforced h_rt limit"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{replies: tt.replies}
			status, err := NewSGE(runner, GridConfig{}).Poll(context.Background(), Handle{ID: "917"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestSGEAccountingLag(t *testing.T) {
	runner := &fakeRunner{replies: map[string][]reply{
		"qstat": {{stderr: "Following jobs do not exist:\n917", err: exitErr}},
		"qacct": {{stderr: "error: job id 917 not found", err: exitErr}},
	}}
	_, err := NewSGE(runner, GridConfig{}).Poll(context.Background(), Handle{ID: "917"})
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
}

func TestGridCancel(t *testing.T) {
	runner := &fakeRunner{replies: map[string][]reply{"scancel": {{}}, "qdel": {{}}}}
	require.NoError(t, NewSlurm(runner, GridConfig{}).Cancel(context.Background(), Handle{ID: "1"}))
	require.NoError(t, NewSGE(runner, GridConfig{}).Cancel(context.Background(), Handle{ID: "2"}))
	assert.Equal(t, [][]string{{"scancel", "1"}, {"qdel", "2"}}, runner.calls)
}

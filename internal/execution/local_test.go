package execution

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
)

func waitTerminal(t *testing.T, l *Local, h Handle) Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := l.Poll(context.Background(), h)
		require.NoError(t, err)
		if status.State.Terminal() {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("instance did not finish")
	return Status{}
}

func localSpec(t *testing.T, commands ...definition.Command) Spec {
	dir := t.TempDir()
	return Spec{
		JobID:      "job",
		StepID:     "s",
		InstanceID: "root",
		Attempt:    1,
		Commands:   commands,
		WorkDir:    filepath.Join(dir, "s", "root"),
		Stdout:     filepath.Join(dir, "_log", "s", "root-1.out"),
		Stderr:     filepath.Join(dir, "_log", "s", "root-1.err"),
		Env:        map[string]string{"GREETING": "hello"},
	}
}

func TestLocalRunsCommandsInOrder(t *testing.T) {
	l := NewLocal(nil)
	spec := localSpec(t,
		definition.Command{Run: "echo $GREETING > a.txt"},
		definition.Command{Run: "cat a.txt; echo oops >&2"},
	)

	h, err := l.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, l.Attached(h))

	status := waitTerminal(t, l, h)
	assert.Equal(t, StateFinished, status.State)
	assert.False(t, l.Attached(h))

	out, err := os.ReadFile(spec.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	errOut, err := os.ReadFile(spec.Stderr)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
	assert.FileExists(t, filepath.Join(spec.WorkDir, "a.txt"))
}

func TestLocalStopsAtFirstFailure(t *testing.T) {
	l := NewLocal(nil)
	spec := localSpec(t,
		definition.Command{Run: "exit 3"},
		definition.Command{Run: "touch never"},
	)

	h, err := l.Submit(context.Background(), spec)
	require.NoError(t, err)
	status := waitTerminal(t, l, h)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, 3, status.ExitCode)
	assert.NoFileExists(t, filepath.Join(spec.WorkDir, "never"))
}

func TestLocalCancel(t *testing.T) {
	l := NewLocal(nil)
	h, err := l.Submit(context.Background(), localSpec(t, definition.Command{Run: "sleep 30"}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Cancel(ctx, h))
	assert.False(t, l.Attached(h))

	_, err = l.Poll(context.Background(), h)
	assert.True(t, errdefs.IsFatal(err))
}

func TestLocalRejectsContainersWithoutRuntime(t *testing.T) {
	_, err := NewLocal(nil).Submit(context.Background(), localSpec(t, definition.Command{Run: "ls", Image: "alpine"}))
	require.Error(t, err)
	assert.True(t, errdefs.IsFatal(err))
}

type recordingRunner struct {
	requests []ContainerRequest
	code     int
}

func (r *recordingRunner) Run(ctx context.Context, req ContainerRequest) (int, error) {
	r.requests = append(r.requests, req)
	req.Stdout.Write([]byte("from container\n"))
	return r.code, nil
}

func TestLocalContainerCommands(t *testing.T) {
	runner := &recordingRunner{}
	l := NewLocal(runner)
	spec := localSpec(t, definition.Command{Run: "bwa index ref.fa", Image: "biocontainers/bwa:0.7.17"})
	spec.Volumes = []string{"/data/reference"}

	h, err := l.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, waitTerminal(t, l, h).State)

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, "biocontainers/bwa:0.7.17", req.Image)
	assert.Equal(t, "bwa index ref.fa", req.Command)
	assert.Equal(t, spec.WorkDir, req.WorkDir)
	assert.Equal(t, []string{"/data/reference"}, req.Volumes)
	assert.Equal(t, "gf-job-s-root-1-0", req.Name)

	out, err := os.ReadFile(spec.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "from container\n", string(out))
}

func TestLocalUnknownHandle(t *testing.T) {
	l := NewLocal(nil)
	_, err := l.Poll(context.Background(), Handle{Backend: "local", ID: "gone"})
	assert.True(t, errdefs.IsFatal(err))
	assert.False(t, l.Attached(Handle{ID: "gone"}))
	assert.NoError(t, l.Cancel(context.Background(), Handle{ID: "gone"}))
}

package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/state"
)

func TestPrepareRendersInstance(t *testing.T) {
	e, _ := newTestEngine(t, newFake())
	job := submit(t, e, mapWorkflow, nil)
	r, err := e.newRun(context.Background(), job.ID, nil)
	require.NoError(t, err)

	step := r.graph.Step("a")
	row := &state.JobStep{
		JobID:      job.ID,
		StepID:     "a",
		InstanceID: "x.txt",
		Attempt:    2,
		Source:     "/data/x.txt",
		Groups:     []string{"x"},
		Mapped:     true,
		OutputDir:  filepath.Join(r.stepDir("a"), "x.txt"),
	}
	spec, err := r.prepare(step, row)
	require.NoError(t, err)

	require.Len(t, spec.Commands, 1)
	assert.Equal(t, "echo /data/x.txt > "+filepath.Join(row.OutputDir, "x.out"), spec.Commands[0].Run)
	assert.Equal(t, row.OutputDir, spec.WorkDir)
	assert.Equal(t, filepath.Join(r.job.WorkDir, "_log", "a", "x.txt-2.out"), spec.Stdout)
	assert.Equal(t, filepath.Join(r.job.WorkDir, "_log", "a", "x.txt-2.err"), spec.Stderr)
	assert.Equal(t, []string{r.job.WorkDir, "/data"}, spec.Volumes)
	assert.Equal(t, "a", spec.Env["GENEFLOW_STEP"])
	assert.Equal(t, "x.txt", spec.Env["GENEFLOW_INSTANCE"])
}

func TestPrepareParentOutput(t *testing.T) {
	e, _ := newTestEngine(t, newFake())
	job := submit(t, e, chainWorkflow, nil)
	r, err := e.newRun(context.Background(), job.ID, nil)
	require.NoError(t, err)

	row := &state.JobStep{StepID: "b", InstanceID: "root", Attempt: 1, OutputDir: filepath.Join(r.stepDir("b"), "root")}
	spec, err := r.prepare(r.graph.Step("b"), row)
	require.NoError(t, err)
	assert.Equal(t, "echo "+r.stepDir("a")+" > "+filepath.Join(row.OutputDir, "out.txt"), spec.Commands[0].Run)
}

func TestPrepareUnresolvedPositional(t *testing.T) {
	e, _ := newTestEngine(t, newFake())
	job := submit(t, e, mapWorkflow, nil)
	r, err := e.newRun(context.Background(), job.ID, nil)
	require.NoError(t, err)

	row := &state.JobStep{StepID: "a", InstanceID: "x.txt", Attempt: 1, Source: "/data/x.txt", Mapped: true}
	_, err = r.prepare(r.graph.Step("a"), row)
	assert.True(t, errdefs.IsUnresolvedReference(err))
}

func TestVolumesSkipPathsUnderWorkDir(t *testing.T) {
	work := t.TempDir()
	got := volumes(work, map[string]string{
		"input":  "/ref/genome.fa",
		"index":  "/ref/genome.fai",
		"output": filepath.Join(work, "a", "root"),
		"mode":   "fast",
	})
	assert.Equal(t, []string{work, "/ref"}, got)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "my-run", slug("My Run!"))
	assert.Equal(t, "align_reads-v2", slug("align_reads v2"))
	assert.Equal(t, "job", slug("!!!"))
}

func TestPoolRefusesWhenFull(t *testing.T) {
	pool := NewPool(1)
	release := make(chan struct{})
	var ran atomic.Int32

	require.True(t, pool.TryGo(func() {
		<-release
		ran.Add(1)
	}))
	assert.False(t, pool.TryGo(func() { ran.Add(1) }))
	close(release)

	assert.Eventually(t, func() bool { return pool.TryGo(func() { ran.Add(1) }) }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return ran.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, pool.Size())
}

func TestRelocate(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "work", "b")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "root"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "root", "out.txt"), []byte("ok"), 0644))
	dst := filepath.Join(root, "output", "b")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	require.NoError(t, relocate(src, dst))
	data, err := os.ReadFile(filepath.Join(dst, "root", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.NoDirExists(t, src)

	require.NoError(t, os.MkdirAll(src, 0755))
	assert.Error(t, relocate(src, dst), "destination exists")
	assert.Error(t, relocate(filepath.Join(root, "missing"), filepath.Join(root, "output", "c")))

	require.NoError(t, os.RemoveAll(src))
	assert.NoError(t, relocate(src, dst), "already moved")
	assert.FileExists(t, filepath.Join(dst, "root", "out.txt"))
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "f"), []byte("data"), 0600))
	require.NoError(t, os.Symlink("nested/f", filepath.Join(src, "link")))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, copyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "nested", "f"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	link, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "nested/f", link)
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordJobStart("j")
	m.RecordSubmission("j", "a")
	m.RecordRetry("j", "a")
	m.RecordInstance("j", "a", state.StatusFinished, 0)
	m.RecordInstance("j", "a", state.StatusFailed, 0)
	m.RecordJobStart("j")
	m.RecordJobComplete("j", state.StatusFailed)

	got, ok := m.GetJobMetrics("j")
	require.True(t, ok)
	assert.Equal(t, 1, got.Submissions)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, 1, got.Failures)
	assert.Equal(t, state.StatusFailed, got.Status)
	assert.Equal(t, 1, got.StepMetrics["a"].Finished)

	_, ok = m.GetJobMetrics("missing")
	assert.False(t, ok)
}

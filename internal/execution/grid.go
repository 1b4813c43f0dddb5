package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/logging"
)

// CommandRunner runs a scheduler client command. A non-zero exit is
// reported as an error alongside the captured output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands on the engine host
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// GridConfig holds settings shared by the batch-queue backends. Step
// execution parameters "queue", "slots" and "mem" override the defaults
// per instance.
type GridConfig struct {
	Queue     string   `mapstructure:"queue"`
	ExtraArgs []string `mapstructure:"extra_args"`
	// ContainerExec prefixes container commands; %s is the image.
	ContainerExec string `mapstructure:"container_exec"`
}

// dialect is one batch-queue client
type dialect interface {
	name() string
	submit(ctx context.Context, r CommandRunner, cfg GridConfig, spec Spec, script string) (string, error)
	poll(ctx context.Context, r CommandRunner, id string) (Status, error)
	cancel(ctx context.Context, r CommandRunner, id string) error
}

// Grid submits instances as batch jobs. The queue owns the processes,
// so handles stay valid across engine restarts.
type Grid struct {
	dialect dialect
	runner  CommandRunner
	config  GridConfig
}

// NewSlurm creates a Slurm backend
func NewSlurm(runner CommandRunner, cfg GridConfig) *Grid {
	return newGrid(slurm{}, runner, cfg)
}

// NewSGE creates a Grid Engine backend
func NewSGE(runner CommandRunner, cfg GridConfig) *Grid {
	return newGrid(sge{}, runner, cfg)
}

func newGrid(d dialect, runner CommandRunner, cfg GridConfig) *Grid {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.ContainerExec == "" {
		cfg.ContainerExec = "singularity exec docker://%s"
	}
	return &Grid{dialect: d, runner: runner, config: cfg}
}

func (g *Grid) Name() string { return g.dialect.name() }

// Submit writes the instance script and hands it to the queue
func (g *Grid) Submit(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Commands) == 0 {
		return Handle{}, errdefs.Fatal(g.Name(), "submit", errors.New("no commands to run"))
	}
	script, err := g.writeScript(spec)
	if err != nil {
		return Handle{}, errdefs.Fatal(g.Name(), "submit", err)
	}
	for _, path := range []string{spec.Stdout, spec.Stderr} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return Handle{}, errdefs.Fatal(g.Name(), "submit", fmt.Errorf("failed to create log directory: %w", err))
		}
	}

	id, err := g.dialect.submit(ctx, g.runner, g.config, spec, script)
	if err != nil {
		return Handle{}, err
	}

	logging.Info(g.Name(), "Submitted batch job", map[string]interface{}{
		"job_id":   spec.JobID,
		"step":     spec.StepID,
		"instance": spec.InstanceID,
		"batch_id": id,
	})
	return Handle{Backend: g.Name(), ID: id, Data: map[string]string{"script": script}}, nil
}

func (g *Grid) Poll(ctx context.Context, h Handle) (Status, error) {
	return g.dialect.poll(ctx, g.runner, h.ID)
}

func (g *Grid) Cancel(ctx context.Context, h Handle) error {
	return g.dialect.cancel(ctx, g.runner, h.ID)
}

// writeScript renders the command list into a shell script stored next
// to the instance output
func (g *Grid) writeScript(spec Spec) (string, error) {
	if err := os.MkdirAll(spec.WorkDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	dir := filepath.Join(filepath.Dir(spec.WorkDir), ".scripts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create script directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")
	fmt.Fprintf(&b, "cd %s\n", shellQuote(spec.WorkDir))
	for _, k := range sortedKeys(spec.Env) {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(spec.Env[k]))
	}
	for _, cmd := range spec.Commands {
		if cmd.Image != "" {
			fmt.Fprintf(&b, "%s sh -c %s\n", fmt.Sprintf(g.config.ContainerExec, cmd.Image), shellQuote(cmd.Run))
			continue
		}
		b.WriteString(cmd.Run)
		b.WriteString("\n")
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%d.sh", spec.InstanceID, spec.Attempt))
	if err := os.WriteFile(path, []byte(b.String()), 0755); err != nil {
		return "", fmt.Errorf("failed to write job script: %w", err)
	}
	return path, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// classify turns a failed client command into a backend error. Output
// containing one of the transient markers is retried; anything else,
// including a missing client binary, is fatal.
func classify(backend, op string, stderr []byte, err error, markers []string) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}
	wrapped := errors.New(msg)

	var notFound *exec.Error
	if errors.As(err, &notFound) {
		return errdefs.Fatal(backend, op, err)
	}
	lower := strings.ToLower(msg)
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return errdefs.Transient(backend, op, wrapped)
		}
	}
	return errdefs.Fatal(backend, op, wrapped)
}

func gridParam(spec Spec, name, fallback string) string {
	if v := spec.Parameters[name]; v != "" {
		return v
	}
	return fallback
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/logging"
)

// ContainerRunner runs one command inside a container image and returns
// its exit code
type ContainerRunner interface {
	Run(ctx context.Context, req ContainerRequest) (int, error)
}

// ContainerRequest describes a single container run
type ContainerRequest struct {
	Name    string
	Image   string
	Command string
	WorkDir string
	Volumes []string
	Env     map[string]string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Local supervises instances as child processes of the engine. Commands
// with an image are run through the container runner.
type Local struct {
	containers ContainerRunner
	shell      string

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

// NewLocal creates a local backend. containers may be nil, in which case
// container commands fail the instance.
func NewLocal(containers ContainerRunner) *Local {
	return &Local{
		containers: containers,
		shell:      "/bin/sh",
		procs:      make(map[string]*process),
	}
}

func (l *Local) Name() string { return "local" }

// Submit starts a supervisor goroutine for spec and returns immediately
func (l *Local) Submit(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Commands) == 0 {
		return Handle{}, errdefs.Fatal(l.Name(), "submit", errors.New("no commands to run"))
	}
	for _, cmd := range spec.Commands {
		if cmd.Image != "" && l.containers == nil {
			return Handle{}, errdefs.Fatal(l.Name(), "submit", fmt.Errorf("image %s requested but no container runtime is configured", cmd.Image))
		}
	}
	if err := os.MkdirAll(spec.WorkDir, 0755); err != nil {
		return Handle{}, errdefs.Fatal(l.Name(), "submit", fmt.Errorf("failed to create work directory: %w", err))
	}
	stdout, stderr, err := openLogs(spec)
	if err != nil {
		return Handle{}, errdefs.Fatal(l.Name(), "submit", err)
	}

	// the process outlives the submitting request
	runCtx, cancel := context.WithCancel(context.Background())
	p := &process{
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{State: StateRunning},
	}
	id := uuid.New().String()

	l.mu.Lock()
	l.procs[id] = p
	l.mu.Unlock()

	go l.supervise(runCtx, id, p, spec, stdout, stderr)

	return Handle{Backend: l.Name(), ID: id}, nil
}

func (l *Local) supervise(ctx context.Context, id string, p *process, spec Spec, stdout, stderr io.WriteCloser) {
	defer close(p.done)
	defer stdout.Close()
	defer stderr.Close()

	status := Status{State: StateFinished}
	for i, cmd := range spec.Commands {
		code, err := l.run(ctx, spec, i, cmd, stdout, stderr)
		if ctx.Err() != nil {
			status = Status{State: StateFailed, ExitCode: -1, Message: "cancelled"}
			break
		}
		if err != nil {
			status = Status{State: StateFailed, ExitCode: -1, Message: fmt.Sprintf("command %d: %v", i+1, err)}
			break
		}
		if code != 0 {
			status = Status{State: StateFailed, ExitCode: code, Message: fmt.Sprintf("command %d exited with code %d", i+1, code)}
			break
		}
	}

	l.mu.Lock()
	p.status = status
	l.mu.Unlock()

	logging.Debug("local", "Instance exited", map[string]interface{}{
		"handle":    id,
		"job_id":    spec.JobID,
		"step":      spec.StepID,
		"instance":  spec.InstanceID,
		"state":     status.State,
		"exit_code": status.ExitCode,
	})
}

func (l *Local) run(ctx context.Context, spec Spec, i int, cmd definition.Command, stdout, stderr io.Writer) (int, error) {
	if cmd.Image != "" {
		return l.containers.Run(ctx, ContainerRequest{
			Name:    fmt.Sprintf("%s-%d-%d", spec.Name(), spec.Attempt, i),
			Image:   cmd.Image,
			Command: cmd.Run,
			WorkDir: spec.WorkDir,
			Volumes: spec.Volumes,
			Env:     spec.Env,
			Stdout:  stdout,
			Stderr:  stderr,
		})
	}

	c := exec.CommandContext(ctx, l.shell, "-c", cmd.Run)
	c.Dir = spec.WorkDir
	c.Stdout = stdout
	c.Stderr = stderr
	c.Env = environ(spec.Env)
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Poll reports the supervised process status
func (l *Local) Poll(ctx context.Context, h Handle) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[h.ID]
	if !ok {
		return Status{}, errdefs.Fatal(l.Name(), "poll", fmt.Errorf("unknown handle %s", h.ID))
	}
	status := p.status
	if status.State.Terminal() {
		delete(l.procs, h.ID)
	}
	return status, nil
}

// Cancel stops the process and waits for the supervisor to exit
func (l *Local) Cancel(ctx context.Context, h Handle) error {
	l.mu.Lock()
	p, ok := l.procs[h.ID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	delete(l.procs, h.ID)
	l.mu.Unlock()
	return nil
}

// Attached reports whether h belongs to a process started by this engine
func (l *Local) Attached(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.procs[h.ID]
	return ok
}

func openLogs(spec Spec) (io.WriteCloser, io.WriteCloser, error) {
	stdout, err := openLog(spec.Stdout)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := openLog(spec.Stderr)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

type discard struct{ io.Writer }

func (discard) Close() error { return nil }

func openLog(path string) (io.WriteCloser, error) {
	if path == "" {
		return discard{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	for _, k := range sortedKeys(extra) {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

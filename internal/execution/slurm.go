package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

var slurmTransient = []string{
	"socket timed out",
	"unable to contact slurm controller",
	"slurm_load_jobs error",
	"resource temporarily unavailable",
	"connection refused",
	"communication connection failure",
	"slurmdbd",
}

type slurm struct{}

func (slurm) name() string { return "slurm" }

func (s slurm) submit(ctx context.Context, r CommandRunner, cfg GridConfig, spec Spec, script string) (string, error) {
	args := []string{
		"--parsable",
		"--job-name", spec.Name(),
		"--chdir", spec.WorkDir,
	}
	if spec.Stdout != "" {
		args = append(args, "--output", spec.Stdout)
	}
	if spec.Stderr != "" {
		args = append(args, "--error", spec.Stderr)
	}
	if q := gridParam(spec, "queue", cfg.Queue); q != "" {
		args = append(args, "--partition", q)
	}
	if slots := gridParam(spec, "slots", ""); slots != "" {
		args = append(args, "--cpus-per-task", slots)
	}
	if mem := gridParam(spec, "mem", ""); mem != "" {
		args = append(args, "--mem", mem)
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args, script)

	stdout, stderr, err := r.Run(ctx, "sbatch", args...)
	if err != nil {
		return "", classify(s.name(), "submit", stderr, err, slurmTransient)
	}
	// --parsable prints "id" or "id;cluster"
	id := strings.TrimSpace(strings.SplitN(string(stdout), ";", 2)[0])
	if id == "" {
		return "", errdefs.Fatal(s.name(), "submit", errors.New("sbatch returned no job id"))
	}
	return id, nil
}

func (s slurm) poll(ctx context.Context, r CommandRunner, id string) (Status, error) {
	stdout, stderr, err := r.Run(ctx, "sacct", "-n", "-X", "-P", "-j", id, "-o", "State,ExitCode")
	if err != nil {
		return Status{}, classify(s.name(), "poll", stderr, err, slurmTransient)
	}
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(stdout)), "\n", 2)[0])
	if line == "" {
		// accounting lags behind sbatch
		return Status{}, errdefs.Transient(s.name(), "poll", fmt.Errorf("job %s not yet visible", id))
	}

	fields := strings.Split(line, "|")
	// "CANCELLED by 1000" carries the requesting uid
	state := strings.TrimSpace(fields[0])
	if i := strings.IndexByte(state, ' '); i > 0 {
		state = state[:i]
	}
	code := 0
	if len(fields) > 1 {
		code, _ = strconv.Atoi(strings.SplitN(fields[1], ":", 2)[0])
	}

	switch state {
	case "PENDING", "RUNNING", "CONFIGURING", "COMPLETING", "REQUEUED", "RESIZING", "SUSPENDED", "STAGE_OUT":
		return Status{State: StateRunning}, nil
	case "COMPLETED":
		if code != 0 {
			return Status{State: StateFailed, ExitCode: code, Message: fmt.Sprintf("exited with code %d", code)}, nil
		}
		return Status{State: StateFinished}, nil
	default:
		return Status{State: StateFailed, ExitCode: code, Message: fmt.Sprintf("slurm state %s", state)}, nil
	}
}

func (s slurm) cancel(ctx context.Context, r CommandRunner, id string) error {
	if _, stderr, err := r.Run(ctx, "scancel", id); err != nil {
		return classify(s.name(), "cancel", stderr, err, slurmTransient)
	}
	return nil
}

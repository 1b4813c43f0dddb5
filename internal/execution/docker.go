package execution

import (
	"context"
	"sort"

	"github.com/geneflow/geneflow-go/pkg/docker"
)

// DockerRunner runs container commands through the Docker daemon
type DockerRunner struct {
	runner *docker.Runner
}

func NewDockerRunner(runner *docker.Runner) *DockerRunner {
	return &DockerRunner{runner: runner}
}

func (d *DockerRunner) Run(ctx context.Context, req ContainerRequest) (int, error) {
	binds := append([]string{req.WorkDir}, req.Volumes...)
	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return d.runner.Run(ctx, docker.RunOptions{
		Name:    req.Name,
		Image:   req.Image,
		Cmd:     []string{"/bin/sh", "-c", req.Command},
		WorkDir: req.WorkDir,
		Binds:   dedupe(binds),
		Env:     env,
		Labels:  map[string]string{"geneflow.instance": req.Name},
		Stdout:  req.Stdout,
		Stderr:  req.Stderr,
	})
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

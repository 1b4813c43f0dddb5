package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// RunOptions describes a one-shot container
type RunOptions struct {
	Name    string
	Image   string
	Cmd     []string
	WorkDir string
	// Binds are host paths mounted at the same path in the container
	Binds  []string
	Env    []string
	Labels map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// Runner runs short-lived containers to completion
type Runner struct {
	client *client.Client
}

// NewRunner creates a runner on an existing client
func NewRunner(dockerClient *client.Client) *Runner {
	return &Runner{client: dockerClient}
}

// EnsureImage pulls ref unless it is present locally
func (r *Runner) EnsureImage(ctx context.Context, ref string) error {
	_, err := r.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect docker image: %w", err)
	}

	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// drain the progress stream; the pull is done when it closes
	decoder := json.NewDecoder(reader)
	for {
		var message map[string]interface{}
		if err := decoder.Decode(&message); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("error reading pull output: %w", err)
		}
		if errorDetail, ok := message["errorDetail"].(map[string]interface{}); ok {
			if errorMsg, ok := errorDetail["message"].(string); ok {
				return fmt.Errorf("pull error: %s", errorMsg)
			}
		}
	}
}

// Run creates, starts and waits for a container, copying its output to
// opts.Stdout and opts.Stderr. The container is removed afterwards. A
// cancelled ctx stops the container.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (int, error) {
	if err := r.EnsureImage(ctx, opts.Image); err != nil {
		return -1, err
	}

	mounts := make([]mount.Mount, 0, len(opts.Binds))
	for _, path := range opts.Binds {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: path,
			Target: path,
		})
	}

	config := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Cmd,
		WorkingDir: opts.WorkDir,
		Env:        opts.Env,
		Labels:     opts.Labels,
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{
			Name: "no",
		},
		Mounts: mounts,
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// removal must happen even when ctx is already cancelled
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := r.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to attach container logs: %w", err)
	}
	defer logs.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(opts.Stdout, opts.Stderr, logs)
		copied <- err
	}()

	waitCh, errCh := r.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		<-copied
		if result.Error != nil {
			return int(result.StatusCode), fmt.Errorf("container wait: %s", result.Error.Message)
		}
		return int(result.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		timeout := 10
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.client.ContainerStop(stopCtx, resp.ID, container.StopOptions{Timeout: &timeout})
		return -1, ctx.Err()
	}
}

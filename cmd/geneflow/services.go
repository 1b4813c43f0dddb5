package main

import (
	"context"
	"fmt"

	"github.com/geneflow/geneflow-go/internal/config"
	"github.com/geneflow/geneflow-go/internal/engine"
	"github.com/geneflow/geneflow-go/internal/execution"
	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/notify"
	"github.com/geneflow/geneflow-go/internal/state"
	"github.com/geneflow/geneflow-go/pkg/docker"
)

// services holds the engine and the resources it was built from
type services struct {
	engine   *engine.Engine
	registry *execution.Registry
	closers  []func() error
}

func newServices(ctx context.Context) (*services, error) {
	rt := &services{}

	store, err := openStore(ctx, rt)
	if err != nil {
		return nil, err
	}

	rt.registry, err = buildRegistry(ctx, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.engine = engine.New(store, rt.registry, cfg.Engine,
		engine.WithNotifier(notify.NewSender(cfg.Notify, nil)))
	return rt, nil
}

// Close releases resources in reverse order of acquisition
func (rt *services) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logging.Warn("cli", "Failed to release resource", map[string]interface{}{
				"error": err,
			})
		}
	}
}

func openStore(ctx context.Context, rt *services) (state.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		store, err := state.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	case config.StorePostgres:
		store, err := state.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	default:
		return state.NewMemoryStore(), nil
	}
}

// buildRegistry registers every configured execution context behind the
// submit retry policy. The local context is always present and is the
// fallback for steps that name none.
func buildRegistry(ctx context.Context, rt *services) (*execution.Registry, error) {
	registry := execution.NewRegistry("local")

	var containers execution.ContainerRunner
	if cfg.Docker.Enabled {
		cli, err := docker.NewClient(ctx, cfg.Docker.Host)
		if err != nil {
			logging.Warn("cli", "Docker unavailable, container exec methods disabled", map[string]interface{}{
				"host":  cfg.Docker.Host,
				"error": err,
			})
		} else {
			rt.closers = append(rt.closers, cli.Close)
			containers = execution.NewDockerRunner(docker.NewRunner(cli))
		}
	}
	registry.Register(execution.WithRetry(execution.NewLocal(containers), cfg.Retry))

	switch cfg.Grid.Scheduler {
	case "slurm":
		registry.Register(execution.WithRetry(execution.NewSlurm(execution.ExecRunner{}, cfg.Grid.GridConfig), cfg.Retry))
	case "sge":
		registry.Register(execution.WithRetry(execution.NewSGE(execution.ExecRunner{}, cfg.Grid.GridConfig), cfg.Retry))
	}

	if cfg.Cloud.BaseURL != "" {
		cloud, err := execution.NewCloud(ctx, cfg.Cloud)
		if err != nil {
			return nil, fmt.Errorf("failed to configure cloud context: %w", err)
		}
		registry.Register(execution.WithRetry(cloud, cfg.Retry))
	}

	return registry, nil
}

package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

// Key layout:
//
//	geneflow:workflow:<id>      workflow record JSON
//	geneflow:job:<id>           job record JSON
//	geneflow:jobs               set of job ids
//	geneflow:job:<id>:steps     hash of "<step>/<instance>" -> job step JSON
//	geneflow:updates            pub/sub channel carrying job ids
const (
	redisPrefix      = "geneflow:"
	redisJobIndex    = redisPrefix + "jobs"
	redisUpdatesChan = redisPrefix + "updates"
)

// RedisStore persists records as JSON in Redis
type RedisStore struct {
	client *redis.Client
}

// RedisOptions locate the Redis server
type RedisOptions struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NewRedisStore connects and pings the server
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func workflowKey(id string) string { return redisPrefix + "workflow:" + id }
func jobKey(id string) string      { return redisPrefix + "job:" + id }
func stepsKey(id string) string    { return redisPrefix + "job:" + id + ":steps" }

func (s *RedisStore) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	if err := s.client.Set(ctx, workflowKey(wf.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	wf := &WorkflowRecord{}
	if err := s.get(ctx, workflowKey(id), wf); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", id, err)
	}
	return wf, nil
}

func (s *RedisStore) CreateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	created, err := s.client.SetNX(ctx, jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := s.client.SAdd(ctx, redisJobIndex, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	s.publish(ctx, job.ID)
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job := &Job{}
	if err := s.get(ctx, jobKey(id), job); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) UpdateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	updated, err := s.client.SetXX(ctx, jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if !updated {
		return fmt.Errorf("job %s: %w", job.ID, errdefs.ErrNotFound)
	}
	s.publish(ctx, job.ID)
	return nil
}

func (s *RedisStore) ListJobs(ctx context.Context) ([]*Job, error) {
	ids, err := s.client.SMembers(ctx, redisJobIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	SortJobs(jobs)
	return jobs, nil
}

func (s *RedisStore) PutJobStep(ctx context.Context, step *JobStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal job step: %w", err)
	}
	if err := s.client.HSet(ctx, stepsKey(step.JobID), step.Key(), data).Err(); err != nil {
		return fmt.Errorf("failed to save job step: %w", err)
	}
	s.publish(ctx, step.JobID)
	return nil
}

func (s *RedisStore) ListJobSteps(ctx context.Context, jobID string) ([]*JobStep, error) {
	data, err := s.client.HGetAll(ctx, stepsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list job steps: %w", err)
	}
	rows := make([]*JobStep, 0, len(data))
	for key, value := range data {
		row := &JobStep{}
		if err := json.Unmarshal([]byte(value), row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job step %s: %w", key, err)
		}
		rows = append(rows, row)
	}
	SortJobSteps(rows)
	return rows, nil
}

// Subscribe relays job ids published on every write
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan string, error) {
	pubsub := s.client.Subscribe(ctx, redisUpdatesChan)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) get(ctx context.Context, key string, dest interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return errdefs.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// publish is best effort; watchers fall back to polling
func (s *RedisStore) publish(ctx context.Context, jobID string) {
	s.client.Publish(ctx, redisUpdatesChan, jobID)
}

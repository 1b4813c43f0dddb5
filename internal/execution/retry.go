package execution

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

// Policy bounds retries of transient backend errors
type Policy struct {
	MaxAttempts     int           `mapstructure:"max_attempts" json:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" json:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" json:"multiplier"`
}

// DefaultPolicy is used when no retry settings are configured
var DefaultPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: 2 * time.Second,
	MaxInterval:     time.Minute,
	Multiplier:      2,
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Classifier decides whether err may be retried
type Classifier func(err error) bool

// Observer is told about every transient failure that will be retried
type Observer func(backend, op string, attempt int, err error)

type observerKey struct{}

// WithObserver attaches a retry observer to ctx
func WithObserver(ctx context.Context, fn Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, fn)
}

func observerFrom(ctx context.Context) Observer {
	fn, _ := ctx.Value(observerKey{}).(Observer)
	return fn
}

// Retry runs op until it succeeds, returns an error classify rejects, or
// the policy's attempt ceiling is reached. Exhausting the ceiling on a
// transient error yields a FatalBackendError.
func Retry[T any](ctx context.Context, policy Policy, classify Classifier, backend, opName string, op func() (T, error)) (T, error) {
	notify := observerFrom(ctx)
	attempt := 0

	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		res, err := op()
		if err != nil && !classify(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, policy.backOff(ctx), func(err error, next time.Duration) {
		if notify != nil {
			notify(backend, opName, attempt, err)
		}
	})

	if err != nil && classify(err) && ctx.Err() == nil {
		return res, errdefs.Fatal(backend, opName, err)
	}
	return res, err
}

type retrying struct {
	Context
	policy Policy
}

// WithRetry decorates c so that every call retries transient errors
// under policy
func WithRetry(c Context, policy Policy) Context {
	return &retrying{Context: c, policy: policy}
}

func (r *retrying) Submit(ctx context.Context, spec Spec) (Handle, error) {
	return Retry(ctx, r.policy, errdefs.IsTransient, r.Name(), "submit", func() (Handle, error) {
		return r.Context.Submit(ctx, spec)
	})
}

func (r *retrying) Poll(ctx context.Context, h Handle) (Status, error) {
	return Retry(ctx, r.policy, errdefs.IsTransient, r.Name(), "poll", func() (Status, error) {
		return r.Context.Poll(ctx, h)
	})
}

func (r *retrying) Cancel(ctx context.Context, h Handle) error {
	_, err := Retry(ctx, r.policy, errdefs.IsTransient, r.Name(), "cancel", func() (struct{}, error) {
		return struct{}{}, r.Context.Cancel(ctx, h)
	})
	return err
}

// Attached forwards to the wrapped backend when it tracks handles
func (r *retrying) Attached(h Handle) bool {
	if a, ok := r.Context.(Attacher); ok {
		return a.Attached(h)
	}
	return true
}

package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

var fastPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      2,
}

// flaky fails the first n submissions with a transient error
type flaky struct {
	mu       sync.Mutex
	failures int
	submits  int
	err      error
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) Submit(ctx context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submits <= f.failures {
		return Handle{}, f.err
	}
	return Handle{Backend: "flaky", ID: "h1"}, nil
}

func (f *flaky) Poll(ctx context.Context, h Handle) (Status, error) {
	return Status{State: StateFinished}, nil
}

func (f *flaky) Cancel(ctx context.Context, h Handle) error { return nil }

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	backend := &flaky{failures: 3, err: errdefs.Transient("flaky", "submit", errors.New("connection reset"))}

	var observed []int
	ctx := WithObserver(context.Background(), func(backend, op string, attempt int, err error) {
		observed = append(observed, attempt)
	})

	h, err := WithRetry(backend, fastPolicy).Submit(ctx, Spec{})
	require.NoError(t, err)
	assert.Equal(t, "h1", h.ID)
	assert.Equal(t, 4, backend.submits)
	assert.Equal(t, []int{1, 2, 3}, observed)
}

func TestRetryCeilingIsFatal(t *testing.T) {
	backend := &flaky{failures: 10, err: errdefs.Transient("flaky", "submit", errors.New("connection reset"))}

	_, err := WithRetry(backend, fastPolicy).Submit(context.Background(), Spec{})
	require.Error(t, err)
	assert.True(t, errdefs.IsFatal(err))
	assert.Equal(t, 5, backend.submits)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRetryStopsOnFatal(t *testing.T) {
	backend := &flaky{failures: 10, err: errdefs.Fatal("flaky", "submit", errors.New("malformed submission"))}

	_, err := WithRetry(backend, fastPolicy).Submit(context.Background(), Spec{})
	require.Error(t, err)
	assert.True(t, errdefs.IsFatal(err))
	assert.False(t, errdefs.IsTransient(err))
	assert.Equal(t, 1, backend.submits)
}

func TestRetryHonorsCancellation(t *testing.T) {
	policy := Policy{MaxAttempts: 100, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}
	backend := &flaky{failures: 100, err: errdefs.Transient("flaky", "submit", errors.New("busy"))}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WithRetry(backend, policy).Submit(ctx, Spec{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, backend.submits)
}

func TestRetryGeneric(t *testing.T) {
	calls := 0
	n, err := Retry(context.Background(), fastPolicy, errdefs.IsTransient, "test", "op", func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errdefs.Transient("test", "op", errors.New("again"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, 2, calls)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("local")
	local := NewLocal(nil)
	r.Register(local)
	r.RegisterAs("gridengine", NewSGE(nil, GridConfig{}))

	c, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "local", c.Name())

	c, err = r.Get("gridengine")
	require.NoError(t, err)
	assert.Equal(t, "sge", c.Name())

	_, err = r.Get("lsf")
	assert.Error(t, err)
	assert.Equal(t, []string{"gridengine", "local"}, r.Names())
}

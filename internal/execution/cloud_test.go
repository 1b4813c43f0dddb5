package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
)

func newCloud(t *testing.T, handler http.HandlerFunc) *Cloud {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewCloud(context.Background(), CloudConfig{BaseURL: srv.URL + "/", Token: "s3cret"})
	require.NoError(t, err)
	return c
}

func TestCloudSubmit(t *testing.T) {
	var got cloudSubmit
	c := newCloud(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"job-77"}`))
	})

	h, err := c.Submit(context.Background(), Spec{
		JobID:      "abc",
		StepID:     "align",
		InstanceID: "root",
		Commands:   []definition.Command{{Run: "echo hi", Image: "alpine"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Handle{Backend: "cloud", ID: "job-77"}, h)
	assert.Equal(t, []cloudCommand{{Run: "echo hi", Image: "alpine"}}, got.Commands)
	assert.Equal(t, "align", got.Labels["step"])
}

func TestCloudPollStates(t *testing.T) {
	tests := []struct {
		body string
		want Status
	}{
		{`{"status":"QUEUED"}`, Status{State: StateRunning}},
		{`{"status":"running"}`, Status{State: StateRunning}},
		{`{"status":"SUCCEEDED","exit_code":0}`, Status{State: StateFinished}},
		{`{"status":"FAILED","exit_code":1,"message":"oom"}`, Status{State: StateFailed, ExitCode: 1, Message: "oom"}},
		{`{"status":"CANCELLED"}`, Status{State: StateFailed, Message: "remote status CANCELLED"}},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			c := newCloud(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/jobs/job-77", r.URL.Path)
				w.Write([]byte(tt.body))
			})
			status, err := c.Poll(context.Background(), Handle{ID: "job-77"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestCloudErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		op        string
		transient bool
		ok        bool
	}{
		{"unauthorized", http.StatusUnauthorized, "poll", false, false},
		{"forbidden", http.StatusForbidden, "submit", false, false},
		{"malformed submission", http.StatusBadRequest, "submit", false, false},
		{"not yet visible", http.StatusNotFound, "poll", true, false},
		{"throttled", http.StatusTooManyRequests, "poll", true, false},
		{"unavailable", http.StatusServiceUnavailable, "submit", true, false},
		{"cancel of unknown job", http.StatusNotFound, "cancel", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCloud(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			})

			var err error
			switch tt.op {
			case "submit":
				_, err = c.Submit(context.Background(), Spec{Commands: []definition.Command{{Run: "true"}}})
			case "poll":
				_, err = c.Poll(context.Background(), Handle{ID: "x"})
			case "cancel":
				err = c.Cancel(context.Background(), Handle{ID: "x"})
			}

			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.transient, errdefs.IsTransient(err))
			assert.Equal(t, !tt.transient, errdefs.IsFatal(err))
		})
	}
}

func TestCloudNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := NewCloud(context.Background(), CloudConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Poll(context.Background(), Handle{ID: "x"})
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
}

func TestCloudTruncatedBodyIsTransient(t *testing.T) {
	c := newCloud(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "64")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"RUN`))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})

	_, err := c.Poll(context.Background(), Handle{ID: "x"})
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
	assert.Contains(t, err.Error(), "failed to read response")
}

func TestCloudSubmitRetriedThroughOutage(t *testing.T) {
	var calls int32
	c := newCloud(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"job-1"}`))
	})

	h, err := WithRetry(c, fastPolicy).Submit(context.Background(), Spec{Commands: []definition.Command{{Run: "true"}}})
	require.NoError(t, err)
	assert.Equal(t, "job-1", h.ID)
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
}

func TestNewCloudRejectsBadURL(t *testing.T) {
	_, err := NewCloud(context.Background(), CloudConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/state"
)

type received struct {
	to, from, subject, content string
}

func recorder(t *testing.T, status int) (*httptest.Server, func() []received) {
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		got = append(got, received{
			to:      r.PostForm.Get("to"),
			from:    r.PostForm.Get("from"),
			subject: r.PostForm.Get("subject"),
			content: r.PostForm.Get("content"),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func TestNotifyPostsEachRecipient(t *testing.T) {
	srv, got := recorder(t, http.StatusCreated)
	sender := NewSender(Config{From: "flows@example.org"}, nil)

	sender.Notify(context.Background(), &state.Job{
		ID:     "job-1",
		Name:   "align",
		Status: state.StatusFinished,
		Notifications: []definition.Notification{
			{URL: srv.URL, To: []string{"a@example.org", "b@example.org"}},
		},
	})

	msgs := got()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a@example.org", msgs[0].to)
	assert.Equal(t, "b@example.org", msgs[1].to)
	assert.Equal(t, "flows@example.org", msgs[0].from)
	assert.Equal(t, `GeneFlow Job "align": FINISHED`, msgs[0].subject)
	assert.Contains(t, msgs[0].content, "Job ID: job-1")
}

func TestNotifyToleratesFailures(t *testing.T) {
	rejecting, rejected := recorder(t, http.StatusInternalServerError)
	accepting, accepted := recorder(t, http.StatusCreated)
	sender := NewSender(Config{}, &http.Client{Timeout: time.Second})

	sender.Notify(context.Background(), &state.Job{
		ID:     "job-2",
		Status: state.StatusFailed,
		Notifications: []definition.Notification{
			{URL: "http://127.0.0.1:1/unreachable", To: []string{"x@example.org"}},
			{URL: rejecting.URL, To: []string{"y@example.org"}},
			{URL: accepting.URL, To: []string{"z@example.org"}},
		},
	})

	assert.Len(t, rejected(), 1)
	require.Len(t, accepted(), 1)
	assert.Equal(t, DefaultFrom, accepted()[0].from)
}

func TestNotifyWithoutTargets(t *testing.T) {
	sender := NewSender(Config{}, nil)
	sender.Notify(context.Background(), &state.Job{ID: "job-3"})
}

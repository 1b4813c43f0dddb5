package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/state"
)

const component = "notify"

// DefaultFrom is the sender address used when none is configured
const DefaultFrom = "geneflow@localhost"

// Config holds notification delivery settings
type Config struct {
	From    string        `mapstructure:"from"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Sender posts job status changes to the callback targets of the job
type Sender struct {
	from       string
	httpClient *http.Client
}

// NewSender creates a sender. A nil client gets one bounded by
// cfg.Timeout.
func NewSender(cfg Config, client *http.Client) *Sender {
	if cfg.From == "" {
		cfg.From = DefaultFrom
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Sender{from: cfg.From, httpClient: client}
}

// Notify delivers one message per recipient per target. Delivery
// failures are logged and never returned.
func (s *Sender) Notify(ctx context.Context, job *state.Job) {
	if len(job.Notifications) == 0 {
		return
	}

	form := url.Values{}
	form.Set("from", s.from)
	form.Set("subject", fmt.Sprintf("GeneFlow Job %q: %s", job.Name, job.Status))
	form.Set("content", fmt.Sprintf("Your GeneFlow job status has changed to %s\nJob Name: %s\nJob ID: %s",
		job.Status, job.Name, job.ID))

	for _, target := range job.Notifications {
		logging.Info(component, "Sending notifications", map[string]interface{}{
			"job_id": job.ID,
			"url":    target.URL,
			"to":     target.To,
		})
		for _, to := range target.To {
			form.Set("to", to)
			if err := s.post(ctx, target.URL, form); err != nil {
				logging.Warn(component, "Cannot send notification", map[string]interface{}{
					"job_id": job.ID,
					"url":    target.URL,
					"to":     to,
					"error":  err,
				})
			}
		}
	}
}

func (s *Sender) post(ctx context.Context, target string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

// CloudConfig configures the remote job service client. Client
// credentials take precedence over a static token.
type CloudConfig struct {
	BaseURL      string   `mapstructure:"base_url"`
	Token        string   `mapstructure:"token"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Cloud submits instances to a REST job service:
//
//	POST   /jobs        submit, returns {"id": ...}
//	GET    /jobs/{id}   status
//	DELETE /jobs/{id}   cancel
type Cloud struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

type cloudSubmit struct {
	Name       string            `json:"name"`
	Commands   []cloudCommand    `json:"commands"`
	WorkDir    string            `json:"work_dir"`
	Env        map[string]string `json:"env,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Labels     map[string]string `json:"labels"`
}

type cloudCommand struct {
	Run   string `json:"run"`
	Image string `json:"image,omitempty"`
}

type cloudJob struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message"`
}

// NewCloud builds an authenticated client. ctx is only used for the
// token source's own HTTP client lookup.
func NewCloud(ctx context.Context, cfg CloudConfig) (*Cloud, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" {
		return nil, fmt.Errorf("invalid cloud base url %q", cfg.BaseURL)
	}

	var client *http.Client
	switch {
	case cfg.ClientID != "" && cfg.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
	case cfg.Token != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	default:
		client = &http.Client{}
	}
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	} else {
		client.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Cloud{base: base, client: client, limiter: rate.NewLimiter(limit, burst)}, nil
}

func (c *Cloud) Name() string { return "cloud" }

func (c *Cloud) Submit(ctx context.Context, spec Spec) (Handle, error) {
	req := cloudSubmit{
		Name:       spec.Name(),
		WorkDir:    spec.WorkDir,
		Env:        spec.Env,
		Parameters: spec.Parameters,
		Labels: map[string]string{
			"job_id":   spec.JobID,
			"step":     spec.StepID,
			"instance": spec.InstanceID,
		},
	}
	for _, cmd := range spec.Commands {
		req.Commands = append(req.Commands, cloudCommand{Run: cmd.Run, Image: cmd.Image})
	}

	var job cloudJob
	if err := c.do(ctx, "submit", http.MethodPost, "/jobs", req, &job); err != nil {
		return Handle{}, err
	}
	if job.ID == "" {
		return Handle{}, errdefs.Fatal(c.Name(), "submit", errors.New("service returned no job id"))
	}
	return Handle{Backend: c.Name(), ID: job.ID}, nil
}

func (c *Cloud) Poll(ctx context.Context, h Handle) (Status, error) {
	var job cloudJob
	if err := c.do(ctx, "poll", http.MethodGet, "/jobs/"+url.PathEscape(h.ID), nil, &job); err != nil {
		return Status{}, err
	}

	switch strings.ToUpper(job.Status) {
	case "QUEUED", "PENDING", "SUBMITTED", "RUNNING", "STARTING":
		return Status{State: StateRunning}, nil
	case "SUCCEEDED", "FINISHED", "COMPLETED":
		return Status{State: StateFinished, ExitCode: job.ExitCode}, nil
	default:
		msg := job.Message
		if msg == "" {
			msg = "remote status " + job.Status
		}
		return Status{State: StateFailed, ExitCode: job.ExitCode, Message: msg}, nil
	}
}

func (c *Cloud) Cancel(ctx context.Context, h Handle) error {
	return c.do(ctx, "cancel", http.MethodDelete, "/jobs/"+url.PathEscape(h.ID), nil, nil)
}

func (c *Cloud) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errdefs.Fatal(c.Name(), op, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return errdefs.Fatal(c.Name(), op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var tokenErr *oauth2.RetrieveError
		if errors.As(err, &tokenErr) {
			return errdefs.Fatal(c.Name(), op, fmt.Errorf("token request rejected: %w", err))
		}
		return errdefs.Transient(c.Name(), op, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errdefs.Transient(c.Name(), op, fmt.Errorf("failed to read response: %w", err))
	}

	if err := c.classifyStatus(op, resp.StatusCode, payload); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errdefs.Fatal(c.Name(), op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Cloud) classifyStatus(op string, code int, payload []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("HTTP %d: %s", code, strings.TrimSpace(string(payload)))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errdefs.Fatal(c.Name(), op, fmt.Errorf("authentication rejected: %w", err))
	case code == http.StatusNotFound && op == "cancel":
		return nil
	case code == http.StatusNotFound && op == "poll":
		// a freshly submitted job may not be visible yet
		return errdefs.Transient(c.Name(), op, err)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return errdefs.Transient(c.Name(), op, err)
	default:
		return errdefs.Fatal(c.Name(), op, err)
	}
}

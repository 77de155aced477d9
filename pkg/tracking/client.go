// Package tracking is a client for a generic experiment-tracking REST API.
//
// Endpoints:
//
//	GET  /runs?limit=1                 -> []Run (ping)
//	POST /runs                         -> Run
//	GET  /runs/{id}                    -> Run
//	POST /runs/{id}/cancel
//	GET  /runs/{id}/logs?offset=N      -> raw log bytes from offset N
//	GET  /runs/{id}/artifact           -> raw artifact bytes
//	POST /runs/{id}/telemetry          <- {"batch_id", "records"}
//
// The telemetry endpoint is expected to deduplicate on batch_id. A batch
// that failed is re-sent by the batcher under the same id.
package tracking

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/pkg/follow"
	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/lifecycle"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/restclient"
)

// Credential keys.
const (
	CredAPIKey  = "api_key"
	CredBaseURL = "base_url"
	CredProject = "project"
)

// RequiredCredentials lists the keys Connect needs.
var RequiredCredentials = []string{CredAPIKey, CredBaseURL}

// Config configures the client.
type Config struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Project string `mapstructure:"project"`

	HTTPClient *http.Client `mapstructure:"-"`
	Logger     *zap.Logger  `mapstructure:"-"`
}

// ConfigFromCredentials decodes the credential map into a Config.
func ConfigFromCredentials(creds provider.Credentials) (Config, error) {
	if err := creds.Require(RequiredCredentials...); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := mapstructure.Decode(map[string]string(creds), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", provider.ErrInvalidConfig, err)
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Project = strings.TrimSpace(cfg.Project)
	return cfg, nil
}

// Run is a remote tracking run.
type Run struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Project   string    `json:"project,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// DefaultStatusMap extends the lifecycle vocabulary with run words.
// A run killed on the tracking side is reported as FAILED; only the
// caller's own CancelJob produces CANCELLED.
func DefaultStatusMap() lifecycle.StatusMap {
	m := lifecycle.DefaultStatusMap()
	m["queued"] = jobregistry.JobStatePending
	m["crashed"] = jobregistry.JobStateFailed
	m["killed"] = jobregistry.JobStateFailed
	m["cancelled"] = jobregistry.JobStateFailed
	return m
}

type createRunRequest struct {
	Name    string                  `json:"name"`
	Project string                  `json:"project,omitempty"`
	Config  provider.TrainingConfig `json:"config"`
}

// Client is a tracking API client.
type Client struct {
	rest    *restclient.Client
	project string
	log     *zap.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", provider.ErrMissingCredential, CredAPIKey)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	opts := []restclient.Option{
		restclient.WithBearerToken(cfg.APIKey),
		restclient.WithLogger(log),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, restclient.WithHTTPClient(cfg.HTTPClient))
	}
	rc, err := restclient.New(cfg.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{rest: rc, project: cfg.Project, log: log}, nil
}

// Ping checks that the API answers and accepts the key.
func (c *Client) Ping(ctx context.Context) error {
	var runs []Run
	return c.rest.Get(ctx, "runs", url.Values{"limit": {"1"}}, &runs)
}

// CreateRun registers a run named after the job.
func (c *Client) CreateRun(ctx context.Context, name string, cfg provider.TrainingConfig) (*Run, error) {
	var run Run
	req := createRunRequest{Name: name, Project: c.project, Config: cfg}
	if err := c.rest.Post(ctx, "runs", req, &run); err != nil {
		return nil, err
	}
	if run.ID == "" {
		return nil, fmt.Errorf("%w: tracking API returned no run id", provider.ErrProvision)
	}
	c.log.Debug("tracking run created", zap.String("run_id", run.ID), zap.String("name", name))
	return &run, nil
}

// GetRun fetches a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.rest.Get(ctx, runPath(runID), nil, &run); err != nil {
		return nil, err
	}
	if run.ID == "" {
		run.ID = runID
	}
	return &run, nil
}

// CancelRun asks the tracking service to stop a run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.rest.Post(ctx, runPath(runID)+"/cancel", struct{}{}, nil)
}

// ReadLogs returns log bytes from offset onward.
func (c *Client) ReadLogs(ctx context.Context, runID string, offset int64) ([]byte, error) {
	q := url.Values{"offset": {strconv.FormatInt(offset, 10)}}
	return c.rest.GetBytes(ctx, runPath(runID)+"/logs", q)
}

// Logs follows a run's log until done reports a terminal state.
func (c *Client) Logs(runID string, done follow.DoneFunc, opts follow.Options) *follow.Follower {
	if opts.Logger == nil {
		opts.Logger = c.log
	}
	src := follow.SourceFunc(func(ctx context.Context, offset int64) ([]byte, error) {
		return c.ReadLogs(ctx, runID, offset)
	})
	return follow.New(src, done, opts)
}

// Artifact downloads the run's output artifact.
func (c *Client) Artifact(ctx context.Context, runID string) ([]byte, error) {
	data, err := c.rest.GetBytes(ctx, runPath(runID)+"/artifact", nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("run %s: artifact: %w", runID, provider.ErrNotFound)
	}
	return data, nil
}

func runPath(runID string) string {
	return "runs/" + url.PathEscape(runID)
}

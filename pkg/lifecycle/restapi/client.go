// Package restapi implements lifecycle.ControlAPI against a generic GPU
// marketplace REST API.
//
// Endpoints:
//
//	GET    /offers?gpu=&count=   -> []Offer
//	POST   /instances            -> {"id": "..."}
//	GET    /instances/{id}       -> Instance
//	DELETE /instances/{id}
//
// Authentication is a bearer token.
package restapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/pkg/lifecycle"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/restclient"
)

// Credential keys.
const (
	CredAPIKey  = "api_key"
	CredBaseURL = "base_url"
)

// RequiredCredentials lists the keys Connect needs.
var RequiredCredentials = []string{CredAPIKey, CredBaseURL}

// Config configures the client.
type Config struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`

	// SSHUser overrides the login user reported by the API.
	SSHUser string `mapstructure:"ssh_user"`

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
	return cfg, nil
}

// Client is a REST control API client.
type Client struct {
	rest    *restclient.Client
	sshUser string
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", provider.ErrMissingCredential, CredAPIKey)
	}
	opts := []restclient.Option{
		restclient.WithBearerToken(cfg.APIKey),
		restclient.WithLogger(cfg.Logger),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, restclient.WithHTTPClient(cfg.HTTPClient))
	}
	rc, err := restclient.New(cfg.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{rest: rc, sshUser: cfg.SSHUser}, nil
}

type createRequest struct {
	OfferID  string `json:"offer_id"`
	GPUClass string `json:"gpu"`
	GPUCount int    `json:"count"`
	DiskGB   int    `json:"disk_gb,omitempty"`
	Image    string `json:"image,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

// Ping checks that the API answers and accepts the key.
func (c *Client) Ping(ctx context.Context) error {
	var offers []provider.Offer
	return c.rest.Get(ctx, "offers", url.Values{"limit": {"1"}}, &offers)
}

func (c *Client) ListOffers(ctx context.Context, spec provider.HardwareSpec) ([]provider.Offer, error) {
	q := url.Values{}
	if spec.GPUClass != "" {
		q.Set("gpu", spec.GPUClass)
	}
	if spec.GPUCount > 0 {
		q.Set("count", strconv.Itoa(spec.GPUCount))
	}

	var offers []provider.Offer
	if err := c.rest.Get(ctx, "offers", q, &offers); err != nil {
		return nil, err
	}
	for i := range offers {
		c.applyUser(&offers[i].Host)
	}
	return offers, nil
}

func (c *Client) CreateInstance(ctx context.Context, offer provider.Offer, spec provider.HardwareSpec) (string, error) {
	req := createRequest{
		OfferID:  offer.ID,
		GPUClass: offer.GPUClass,
		GPUCount: max(spec.GPUCount, 1),
		DiskGB:   spec.DiskGB,
		Image:    spec.Image,
	}
	var resp createResponse
	if err := c.rest.Post(ctx, "instances", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) GetInstance(ctx context.Context, instanceID string) (*lifecycle.Instance, error) {
	var inst lifecycle.Instance
	if err := c.rest.Get(ctx, "instances/"+url.PathEscape(instanceID), nil, &inst); err != nil {
		return nil, err
	}
	if inst.ID == "" {
		inst.ID = instanceID
	}
	c.applyUser(&inst.Host)
	return &inst, nil
}

func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	return c.rest.Delete(ctx, "instances/"+url.PathEscape(instanceID))
}

func (c *Client) applyUser(h *provider.HostDescriptor) {
	if c.sshUser != "" {
		h.User = c.sshUser
	}
}

var _ lifecycle.ControlAPI = (*Client)(nil)

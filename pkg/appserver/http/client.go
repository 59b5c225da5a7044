// Package http is a JSON-over-HTTP client for a remote application server.
//
// Endpoints:
//
//	POST /v1/ids                                   -> IDResponse
//	PUT  /v1/registrations/{id}                    <- RegisterRequest
//	GET  /v1/registrations/{id}/status             -> StatusResponse
//	POST /v1/data-sets/{code}/storage-confirmation
//	GET  /v1/ping
//
// Non-2xx answers carry an appserver.ErrorResponse.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marmos91/dropboxd/pkg/appserver"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. "https://openbis.example.org/dss-api"
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// Token is sent as a bearer token when set
	Token string `mapstructure:"token"`

	// Timeout bounds every request (default: 30s)
	Timeout time.Duration `mapstructure:"timeout" validate:"omitempty,gt=0"`

	// HTTPClient replaces the default client. Not settable from files.
	HTTPClient *http.Client `mapstructure:"-"`
}

// Client implements appserver.Server against a remote server.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	base  *url.URL
	token string
	hc    *http.Client
}

// New creates a client. No request is made.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("application server base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid application server base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported application server URL scheme %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{base: base, token: cfg.Token, hc: hc}, nil
}

// DrawNewUniqueID asks the application server for a fresh id.
//
// Returns:
//   - string: The id, never empty on success
//   - error: On transport failures, non-2xx answers or an empty id
func (c *Client) DrawNewUniqueID(ctx context.Context) (string, error) {
	var resp appserver.IDResponse
	if err := c.do(ctx, http.MethodPost, "/v1/ids", nil, &resp); err != nil {
		return "", fmt.Errorf("failed to draw id: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("failed to draw id: empty answer")
	}
	return resp.ID, nil
}

// RegisterDataSets sends the batch under registrationID. The PUT is keyed by
// the id, so the server can tell a retry from a new registration.
//
// Parameters:
//   - ctx: Context for cancellation and the request deadline
//   - registrationID: Id drawn for the batch
//   - infos: Every data set of the batch
//
// Returns:
//   - error: If the request failed; the caller polls EntityOperationStatus to
//     learn whether it reached the server anyway
func (c *Client) RegisterDataSets(ctx context.Context, registrationID string, infos []registrator.RegistrationInfo) error {
	body := appserver.RegisterRequest{DataSets: infos}
	if err := c.do(ctx, http.MethodPut, "/v1/registrations/"+url.PathEscape(registrationID), body, nil); err != nil {
		return fmt.Errorf("failed to register %s: %w", registrationID, err)
	}
	return nil
}

// EntityOperationStatus reports what the server knows about registrationID.
func (c *Client) EntityOperationStatus(ctx context.Context, registrationID string) (registrator.OperationStatus, error) {
	var resp appserver.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/registrations/"+url.PathEscape(registrationID)+"/status", nil, &resp); err != nil {
		return 0, fmt.Errorf("failed to query status of %s: %w", registrationID, err)
	}
	return appserver.ParseOperationStatus(resp.Status)
}

// SetStorageConfirmed records that dataSetCode is durably in the store.
func (c *Client) SetStorageConfirmed(ctx context.Context, dataSetCode string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/data-sets/"+url.PathEscape(dataSetCode)+"/storage-confirmation", nil, nil); err != nil {
		return fmt.Errorf("failed to confirm storage of %s: %w", dataSetCode, err)
	}
	return nil
}

// Ping checks that the server answers. Used by the health monitor.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/ping", nil, nil)
}

// do sends one request and decodes the answer into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e appserver.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || (e.Error == "" && e.Code == "") {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return appserver.DecodeError(e)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: invalid answer: %w", method, path, err)
	}
	return nil
}

var _ appserver.Server = (*Client)(nil)

package deploy

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

	"pkt.systems/pslog"

	"pkt.systems/patchd/internal/svcfields"
)

// HTTPConfig configures the HTTP deployment client.
type HTTPConfig struct {
	// BaseURL is the deployment server endpoint, e.g. https://deploy.example.com.
	BaseURL string
	// Token authenticates requests when set (bearer scheme).
	Token string
	// Timeout bounds each request. Zero uses a 30 second default.
	Timeout time.Duration
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// HTTPClient implements Client against the deployment server's REST API.
type HTTPClient struct {
	base   string
	token  string
	httpc  *http.Client
	logger pslog.Logger
}

// NewHTTP validates cfg and returns a ready client.
func NewHTTP(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("deploy: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("deploy: parse base URL: %w", err)
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &HTTPClient{
		base:   base,
		token:  cfg.Token,
		httpc:  httpc,
		logger: svcfields.WithSubsystem(logger, "deploy.client"),
	}, nil
}

// CreatePackage registers a package object and returns its id.
func (c *HTTPClient) CreatePackage(ctx context.Context, p Package) (string, error) {
	var created Package
	if err := c.do(ctx, http.MethodPost, "/api/v1/packages", p, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// DeletePackage removes the package object.
func (c *HTTPClient) DeletePackage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/packages/"+url.PathEscape(id), nil, nil)
}

// PackageAvailable re-fetches the package's distribution state.
func (c *HTTPClient) PackageAvailable(ctx context.Context, id string) (bool, error) {
	var out struct {
		Available bool `json:"available"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/packages/"+url.PathEscape(id)+"/availability", nil, &out)
	if err != nil {
		return false, err
	}
	return out.Available, nil
}

// CreateGroup creates a device group and returns its id.
func (c *HTTPClient) CreateGroup(ctx context.Context, g Group) (string, error) {
	var created Group
	if err := c.do(ctx, http.MethodPost, "/api/v1/groups", g, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// DeleteGroup removes the device group.
func (c *HTTPClient) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/groups/"+url.PathEscape(id), nil, nil)
}

// CreatePolicy creates an install policy and returns its id.
func (c *HTTPClient) CreatePolicy(ctx context.Context, p Policy) (string, error) {
	var created Policy
	if err := c.do(ctx, http.MethodPost, "/api/v1/policies", p, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdatePolicy replaces the policy's attributes.
func (c *HTTPClient) UpdatePolicy(ctx context.Context, id string, p Policy) error {
	return c.do(ctx, http.MethodPut, "/api/v1/policies/"+url.PathEscape(id), p, nil)
}

// DeletePolicy removes the policy.
func (c *HTTPClient) DeletePolicy(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/policies/"+url.PathEscape(id), nil, nil)
}

// NeedsAcceptance re-fetches the extension attribute's acceptance state.
func (c *HTTPClient) NeedsAcceptance(ctx context.Context, extensionAttributeID string) (bool, error) {
	var out struct {
		NeedsAcceptance bool `json:"needs_acceptance"`
	}
	path := "/api/v1/extension-attributes/" + url.PathEscape(extensionAttributeID) + "/acceptance"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.NeedsAcceptance, nil
}

// AcceptExtensionAttribute approves the flagged detection script.
func (c *HTTPClient) AcceptExtensionAttribute(ctx context.Context, extensionAttributeID string) error {
	path := "/api/v1/extension-attributes/" + url.PathEscape(extensionAttributeID) + "/acceptance"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// APIError reports a non-2xx deployment-server response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deploy: unexpected status %d: %s", e.Status, e.Body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("deploy: encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("deploy: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("deploy: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.logger.Debug("deploy.request_failed", "method", method, "path", path, "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("deploy: decode response: %w", err)
	}
	return nil
}

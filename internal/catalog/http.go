package catalog

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

// HTTPConfig configures the HTTP catalog client.
type HTTPConfig struct {
	// BaseURL is the catalog editor endpoint, e.g. https://catalog.example.com.
	BaseURL string
	// Token authenticates requests when set (bearer scheme).
	Token string
	// Timeout bounds each request. Zero uses a 30 second default.
	Timeout time.Duration
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// HTTPClient implements Client against the catalog editor's REST API.
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
		return nil, fmt.Errorf("catalog: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("catalog: parse base URL: %w", err)
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
		logger: svcfields.WithSubsystem(logger, "catalog.client"),
	}, nil
}

// CreateTitle creates the title record and returns its catalog id.
func (c *HTTPClient) CreateTitle(ctx context.Context, t Title) (string, error) {
	var created Title
	if err := c.do(ctx, http.MethodPost, "/api/v1/titles", t, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateTitle replaces the title record's attributes.
func (c *HTTPClient) UpdateTitle(ctx context.Context, id string, t Title) error {
	return c.do(ctx, http.MethodPut, "/api/v1/titles/"+url.PathEscape(id), t, nil)
}

// DeleteTitle removes the title record.
func (c *HTTPClient) DeleteTitle(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/titles/"+url.PathEscape(id), nil, nil)
}

// CreateExtensionAttribute uploads a detection script and returns its id.
func (c *HTTPClient) CreateExtensionAttribute(ctx context.Context, ea ExtensionAttribute) (string, error) {
	var created ExtensionAttribute
	if err := c.do(ctx, http.MethodPost, "/api/v1/extension-attributes", ea, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateExtensionAttribute replaces the detection script.
func (c *HTTPClient) UpdateExtensionAttribute(ctx context.Context, id string, ea ExtensionAttribute) error {
	return c.do(ctx, http.MethodPut, "/api/v1/extension-attributes/"+url.PathEscape(id), ea, nil)
}

// DeleteExtensionAttribute removes the detection script.
func (c *HTTPClient) DeleteExtensionAttribute(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/extension-attributes/"+url.PathEscape(id), nil, nil)
}

// CreateVersion creates a version entry and returns its catalog id.
func (c *HTTPClient) CreateVersion(ctx context.Context, v Version) (string, error) {
	var created Version
	if err := c.do(ctx, http.MethodPost, "/api/v1/versions", v, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateVersion replaces a version entry's attributes.
func (c *HTTPClient) UpdateVersion(ctx context.Context, id string, v Version) error {
	return c.do(ctx, http.MethodPut, "/api/v1/versions/"+url.PathEscape(id), v, nil)
}

// DeleteVersion removes a version entry.
func (c *HTTPClient) DeleteVersion(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/versions/"+url.PathEscape(id), nil, nil)
}

// Visible re-fetches the version entry's propagation state.
func (c *HTTPClient) Visible(ctx context.Context, versionID string) (bool, error) {
	var out struct {
		Visible bool `json:"visible"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/versions/"+url.PathEscape(versionID)+"/visibility", nil, &out)
	if err != nil {
		return false, err
	}
	return out.Visible, nil
}

// APIError reports a non-2xx catalog response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog: unexpected status %d: %s", e.Status, e.Body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("catalog: encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("catalog: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.logger.Debug("catalog.request_failed", "method", method, "path", path, "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("catalog: decode response: %w", err)
	}
	return nil
}

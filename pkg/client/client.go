// Package client talks to the read-only status API of a running mcpfleet.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// ErrNotFound is returned for unknown servers.
var ErrNotFound = errors.New("not found")

// Client provides HTTP access to the status API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path, e.g. <dir>/tls_ca.crt of an auto-generated cert
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9090",
		Timeout: 10 * time.Second,
	}
}

// New creates a status API client. A broken TLS setup is returned as an
// error rather than silently falling back to defaults.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		tc, err := setupClientTLS(*cfg.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}

	return &Client{
		baseURL: cfg.BaseURL,
		logger:  cfg.Logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the status API answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Statuses(ctx)
	if err != nil {
		c.logger.Debug("status api unreachable", "error", err)
	}
	return err == nil
}

// Statuses lists every supervised server.
func (c *Client) Statuses(ctx context.Context) ([]ServerStatus, error) {
	var out []ServerStatus
	err := c.get(ctx, "/status", &out)
	return out, err
}

// Status returns one server, including its latest resource sample if any.
func (c *Client) Status(ctx context.Context, name string) (ServerStatus, error) {
	var out ServerStatus
	err := c.get(ctx, "/status/"+url.PathEscape(name), &out)
	return out, err
}

// Port asks the fleet host who holds port.
func (c *Client) Port(ctx context.Context, port int) (PortResult, error) {
	var out PortResult
	err := c.get(ctx, "/ports/"+strconv.Itoa(port), &out)
	return out, err
}

// Logs returns the last n lines of a server's log; n <= 0 uses the server default.
func (c *Client) Logs(ctx context.Context, name string, n int) (Logs, error) {
	p := "/logs/" + url.PathEscape(name)
	if n > 0 {
		p += "?lines=" + strconv.Itoa(n)
	}
	var out Logs
	err := c.get(ctx, p, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(cfg TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 verification is only skipped when asked for
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate %s", cfg.CACert)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// get performs a GET and decodes a 200 response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("api request failed", "error", er.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, er.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, er.Error)
}

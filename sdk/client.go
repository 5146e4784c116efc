// Package shoptalk is the Go client for the ShopTalk gateway: REST chat
// sessions, the per-session SSE event stream, and the realtime voice
// websocket used by the terminal client.
package shoptalk

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
)

// Version identifies this client on the wire (voice hello frame).
const Version = "0.1.0"

// Client talks to a single ShopTalk gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the HTTP client timeout. It bounds plain
// request/response calls, not the SSE stream or the voice websocket.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the gateway at baseURL,
// e.g. "http://localhost:8080".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint(path string) (string, error) {
	rawBaseURL := strings.TrimSpace(c.baseURL)
	if rawBaseURL == "" {
		return "", core.NewInvalidRequestError("gateway base URL is required")
	}

	base, err := url.Parse(rawBaseURL)
	if err != nil || strings.TrimSpace(base.Scheme) == "" || strings.TrimSpace(base.Host) == "" {
		return "", core.NewInvalidRequestError("invalid gateway base URL")
	}
	if base.User != nil {
		return "", core.NewInvalidRequestError("gateway base URL must not include credentials")
	}

	base.RawQuery = ""
	base.Fragment = ""

	cleanPath := "/" + strings.TrimLeft(path, "/")
	basePath := strings.TrimSuffix(base.Path, "/")
	if basePath == "" || basePath == "/" {
		base.Path = cleanPath
	} else {
		base.Path = basePath + cleanPath
	}
	base.RawPath = ""

	return base.String(), nil
}

func (c *Client) websocketEndpoint(path string) (string, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", core.NewInvalidRequestError("invalid gateway base URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewInvalidRequestError("gateway base URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}

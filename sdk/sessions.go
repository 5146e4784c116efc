package shoptalk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

const defaultRequestTimeout = 2 * time.Minute

// Session is the gateway's view of one conversation.
type Session struct {
	ID         string          `json:"id"`
	Mode       types.Mode      `json:"mode"`
	Busy       bool            `json:"busy"`
	CreatedAt  time.Time       `json:"created_at"`
	LastActive time.Time       `json:"last_active"`
	Messages   []types.Message `json:"messages"`
}

// TurnResult is the outcome of one text turn. Message is nil when the
// assistant produced no visible reply, in which case Suppressed says why
// it is absent.
type TurnResult struct {
	Message    *types.Message `json:"message,omitempty"`
	Suppressed bool           `json:"suppressed,omitempty"`
}

// Catalog is the product catalog the gateway recommends from.
type Catalog struct {
	Version  string          `json:"version"`
	Products []types.Product `json:"products"`
}

// CreateSession starts a new chat session. The gateway begins greeting the
// shopper in the background; subscribe to the event stream to see it land.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	ctx, cancel := withDefaultRequestTimeout(ctx)
	defer cancel()

	resp, endpoint, err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", nil)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := decodeResponse(resp, endpoint, http.MethodPost, http.StatusCreated, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Session fetches a session with its transcript.
func (c *Client) Session(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, core.NewInvalidRequestError("sessionID must not be empty")
	}
	ctx, cancel := withDefaultRequestTimeout(ctx)
	defer cancel()

	path := "/v1/sessions/" + url.PathEscape(sessionID)
	resp, endpoint, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := decodeResponse(resp, endpoint, http.MethodGet, http.StatusOK, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession ends a session and releases its resources.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return core.NewInvalidRequestError("sessionID must not be empty")
	}
	ctx, cancel := withDefaultRequestTimeout(ctx)
	defer cancel()

	path := "/v1/sessions/" + url.PathEscape(sessionID)
	resp, endpoint, err := c.doJSON(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return decodeErrorResponse(resp, endpoint, http.MethodDelete)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// SendMessage runs one text turn and returns the assistant's reply. The
// gateway rejects overlapping turns on the same session with a busy error.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	if sessionID == "" {
		return nil, core.NewInvalidRequestError("sessionID must not be empty")
	}
	ctx, cancel := withDefaultRequestTimeout(ctx)
	defer cancel()

	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	payload := map[string]string{"text": text}
	resp, endpoint, err := c.doJSON(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	var result TurnResult
	if err := decodeResponse(resp, endpoint, http.MethodPost, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Catalog fetches the product catalog the gateway is serving.
func (c *Client) Catalog(ctx context.Context) (*Catalog, error) {
	ctx, cancel := withDefaultRequestTimeout(ctx)
	defer cancel()

	resp, endpoint, err := c.doJSON(ctx, http.MethodGet, "/v1/catalog", nil)
	if err != nil {
		return nil, err
	}
	var catalog Catalog
	if err := decodeResponse(resp, endpoint, http.MethodGet, http.StatusOK, &catalog); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) (*http.Response, string, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return nil, "", err
	}

	var body io.Reader
	if payload != nil {
		reqBody, err := json.Marshal(payload)
		if err != nil {
			return nil, endpoint, core.NewInvalidRequestError("failed to marshal request body")
		}
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, endpoint, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, endpoint, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	return resp, endpoint, nil
}

func decodeResponse(resp *http.Response, endpoint, method string, wantStatus int, out any) error {
	if resp.StatusCode != wantStatus {
		return decodeErrorResponse(resp, endpoint, method)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}
	return nil
}

func withDefaultRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultRequestTimeout)
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultRequestTimeout)
}

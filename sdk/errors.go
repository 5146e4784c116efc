package shoptalk

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
)

// SDK-level error type that wraps core errors
type Error = core.Error

// Error types
const (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrNotFound       = core.ErrNotFound
	ErrBusy           = core.ErrBusy
	ErrRateLimit      = core.ErrRateLimit
	ErrAPI            = core.ErrAPI
	ErrProvider       = core.ErrProvider
	ErrConfig         = core.ErrConfig
)

// Error constructors
var (
	NewInvalidRequestError = core.NewInvalidRequestError
	NewNotFoundError       = core.NewNotFoundError
	NewBusyError           = core.NewBusyError
	NewRateLimitError      = core.NewRateLimitError
)

// TransportError represents HTTP transport-level failures (DNS, timeouts,
// connection reset, TLS handshake, etc.) while talking to the gateway.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical API errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}

// decodeErrorResponse turns a non-2xx gateway response into the canonical
// *core.Error it carries, falling back to a status-derived error when the
// body is not the expected envelope.
func decodeErrorResponse(resp *http.Response, endpoint, method string) error {
	defer resp.Body.Close()

	requestID := requestIDFromHeader(resp.Header)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}

	var env struct {
		Error *core.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		if env.Error.RequestID == "" {
			env.Error.RequestID = requestID
		}
		if env.Error.RetryAfter == nil {
			if retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After")); retryAfter != nil {
				env.Error.RetryAfter = retryAfter
			}
		}
		if env.Error.Type == "" {
			env.Error.Type = inferErrorType(resp.StatusCode)
		}
		if env.Error.Message == "" {
			env.Error.Message = http.StatusText(resp.StatusCode)
		}
		return env.Error
	}

	msg := "gateway request failed"
	if resp.StatusCode > 0 {
		msg = fmt.Sprintf("gateway request failed with status %d", resp.StatusCode)
	}
	return &core.Error{
		Type:      inferErrorType(resp.StatusCode),
		Message:   msg,
		RequestID: requestID,
	}
}

func inferErrorType(statusCode int) core.ErrorType {
	switch statusCode {
	case http.StatusBadRequest:
		return core.ErrInvalidRequest
	case http.StatusNotFound:
		return core.ErrNotFound
	case http.StatusConflict:
		return core.ErrBusy
	case http.StatusTooManyRequests:
		return core.ErrRateLimit
	case http.StatusBadGateway:
		return core.ErrProvider
	default:
		return core.ErrAPI
	}
}

func requestIDFromHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	if reqID := strings.TrimSpace(h.Get("X-Request-Id")); reqID != "" {
		return reqID
	}
	return strings.TrimSpace(h.Get("X-Request-ID"))
}

func parseRetryAfterHeader(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &seconds
}

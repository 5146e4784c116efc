package shoptalk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
)

type sseFrame struct {
	Event string
	Data  []byte
}

type sseParser struct {
	reader *bufio.Reader
}

func newSSEParser(r io.Reader) *sseParser {
	return &sseParser{reader: bufio.NewReader(r)}
}

func (p *sseParser) Next() (sseFrame, error) {
	var eventType string
	var dataLines []string

	for {
		line, err := p.reader.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return sseFrame{}, err
		}

		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
		}

		if line == "" {
			if len(dataLines) == 0 && eventType == "" {
				if eof {
					return sseFrame{}, io.EOF
				}
				continue
			}
			return sseFrame{
				Event: eventType,
				Data:  []byte(strings.Join(dataLines, "\n")),
			}, nil
		}

		if strings.HasPrefix(line, ":") {
			if eof {
				if len(dataLines) == 0 && eventType == "" {
					return sseFrame{}, io.EOF
				}
				return sseFrame{
					Event: eventType,
					Data:  []byte(strings.Join(dataLines, "\n")),
				}, nil
			}
			continue
		}

		field, value := splitSSEField(line)
		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
		}

		if eof {
			if len(dataLines) == 0 && eventType == "" {
				return sseFrame{}, io.EOF
			}
			return sseFrame{
				Event: eventType,
				Data:  []byte(strings.Join(dataLines, "\n")),
			}, nil
		}
	}
}

func splitSSEField(line string) (field string, value string) {
	index := strings.IndexByte(line, ':')
	if index < 0 {
		return line, ""
	}
	field = line[:index]
	value = line[index+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}

// EventStream is a live subscription to one session's event feed. Events
// arrive for every turn on the session regardless of who started it, so a
// terminal client sees the background greeting and voice-turn transcripts
// the same way it sees its own sends.
type EventStream struct {
	body     io.ReadCloser
	parser   *sseParser
	endpoint string

	closed    atomic.Bool
	closeOnce sync.Once
}

// StreamEvents subscribes to a session's server-sent events. The stream
// stays open until ctx is cancelled, Close is called, or the gateway ends
// the session.
func (c *Client) StreamEvents(ctx context.Context, sessionID string) (*EventStream, error) {
	if sessionID == "" {
		return nil, core.NewInvalidRequestError("sessionID must not be empty")
	}

	endpoint, err := c.endpoint("/v1/sessions/" + url.PathEscape(sessionID) + "/events")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportError{Op: http.MethodGet, URL: endpoint, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout > 0 {
		// The stream outlives any request timeout; bound it with ctx instead.
		clone := *httpClient
		clone.Timeout = 0
		httpClient = &clone
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: http.MethodGet, URL: endpoint, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(resp, endpoint, http.MethodGet)
	}

	return &EventStream{
		body:     resp.Body,
		parser:   newSSEParser(resp.Body),
		endpoint: endpoint,
	}, nil
}

// Next blocks until the next session event arrives. Keepalive pings and
// unrecognized frames are skipped. It returns io.EOF when the stream ends.
func (s *EventStream) Next() (chat.Event, error) {
	for {
		frame, err := s.parser.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				return nil, io.EOF
			}
			return nil, &TransportError{Op: http.MethodGet, URL: s.endpoint, Err: err}
		}

		if len(frame.Data) == 0 {
			continue
		}

		event, err := unmarshalSessionEvent(frame.Event, frame.Data)
		if err != nil {
			return nil, core.NewAPIError("failed to decode stream event")
		}
		if event == nil {
			continue
		}
		return event, nil
	}
}

// Close terminates the subscription. A blocked Next returns io.EOF.
func (s *EventStream) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.body != nil {
			closeErr = s.body.Close()
		}
	})
	return closeErr
}

func unmarshalSessionEvent(name string, data []byte) (chat.Event, error) {
	switch name {
	case "turn.started":
		var ev chat.TurnStartedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case "turn.completed":
		var ev chat.TurnCompletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case "mode.changed":
		var ev chat.ModeChangedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case "message.appended":
		var ev chat.MessageAppendedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	default:
		// Pings and any frame this client version does not know.
		return nil, nil
	}
}

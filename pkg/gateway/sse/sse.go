// Package sse frames the session event stream as server-sent events.
// Writer owns the stream headers and keepalive pings; every frame is
// flushed immediately so the browser widget sees turn progress as it
// happens.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Writer frames events for one client connection. It is safe for
// concurrent sends.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu       sync.Mutex
	lastSend time.Time
}

// New verifies the ResponseWriter can flush and sets the stream headers.
// Headers are not committed until the first frame goes out, so callers
// should send a ping promptly; EventSource fires its open event only
// after the response starts.
func New(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: f}, nil
}

// Send writes one event frame and flushes it. Nothing is written when
// data does not marshal.
func (sw *Writer) Send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	sw.flusher.Flush()
	sw.lastSend = time.Now()
	return nil
}

// Ping emits a keepalive frame. Idle proxies drop quiet connections;
// clients skip these when reading real events.
func (sw *Writer) Ping() error {
	return sw.Send("ping", pingPayload{Type: "ping"})
}

// IdleFor reports how long the stream has been quiet as of now. Zero
// means nothing has been sent yet.
func (sw *Writer) IdleFor(now time.Time) time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.lastSend.IsZero() {
		return 0
	}
	return now.Sub(sw.lastSend)
}

type pingPayload struct {
	Type string `json:"type"`
}

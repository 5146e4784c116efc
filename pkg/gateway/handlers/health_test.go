package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/gateway/config"
)

// drainFlag is a DrainState the tests flip by hand.
type drainFlag struct{ v atomic.Bool }

func (d *drainFlag) SetDraining(on bool) { d.v.Store(on) }
func (d *drainFlag) IsDraining() bool    { return d.v.Load() }

// validConfig returns a hand-built config that passes every readiness
// re-check.
func validConfig() config.Config {
	return config.Config{
		MaxSessions:             64,
		MaxBodyBytes:            1 << 20,
		SSEPingInterval:         15 * time.Second,
		LiveMaxAudioFrameBytes:  32768,
		LiveMaxJSONMessageBytes: 128 << 10,
		LiveMaxStreamDuration:   30 * time.Minute,
		LiveHandshakeTimeout:    2 * time.Second,
		LiveWSPingInterval:      20 * time.Second,
		LiveWSWriteTimeout:      5 * time.Second,
		ReadHeaderTimeout:       10 * time.Second,
		ReadTimeout:             time.Minute,
		HandlerTimeout:          time.Minute,
	}
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	h := ReadyHandler{
		Config:  validConfig(),
		Catalog: testCatalog(t),
		Drain:   &drainFlag{},
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("ok=%v body=%s", body["ok"], rr.Body.String())
	}
	if got, _ := body["catalog_products"].(float64); got != 2 {
		t.Fatalf("catalog_products=%v, want 2", body["catalog_products"])
	}
}

func TestReadyHandler_EmptyCatalog(t *testing.T) {
	h := ReadyHandler{Config: validConfig(), Drain: &drainFlag{}}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "catalog is empty") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := &drainFlag{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: validConfig(), Catalog: testCatalog(t), Drain: lc}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "gateway is draining") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestReadyHandler_BadTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.HandlerTimeout = 0
	h := ReadyHandler{Config: cfg, Catalog: testCatalog(t), Drain: &drainFlag{}}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "timeouts must be > 0") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/recorder"
)

func newTestStatusServer(t *testing.T, mutate func(c *Config)) (*StatusServer, *observer) {
	t.Helper()
	config := testObserverConfig(t, t.TempDir())
	config.Status.Enabled = true
	if mutate != nil {
		mutate(config)
	}
	metrics := NewPrometheusMetrics()
	obs, err := buildObserver(config, metrics)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return NewStatusServer(config, obs.waterfall, obs.registry, nil, nil, metrics), obs
}

func get(t *testing.T, h http.Handler, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsWaterfall(t *testing.T) {
	s, _ := newTestStatusServer(t, nil)
	rec := get(t, s.Handler(), "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Station != "e2e" || resp.Frontend != "wav" || resp.Rows != "0" {
		t.Fatalf("unexpected status %+v", resp)
	}
	if resp.Waterfall.Running || len(resp.Waterfall.Recorders) != 2 {
		t.Fatalf("unexpected waterfall %+v", resp.Waterfall)
	}
}

func TestRecordersListsRegisteredTypes(t *testing.T) {
	s, _ := newTestStatusServer(t, nil)
	var list []recorder.Info
	if err := json.Unmarshal(get(t, s.Handler(), "/recorders", "").Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].Type != "bolid" || list[1].Type != "snapshot" {
		t.Fatalf("unexpected recorder types %+v", list)
	}
}

func TestBolidsWithoutCatalogIsEmptyList(t *testing.T) {
	s, _ := newTestStatusServer(t, nil)
	rec := get(t, s.Handler(), "/bolids", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected an empty list, got %q", rec.Body.String())
	}
	if rec := get(t, s.Handler(), "/bolids?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", rec.Code)
	}
}

func TestMetricsHonoursAllowedHosts(t *testing.T) {
	s, _ := newTestStatusServer(t, func(c *Config) {
		c.Prometheus.Enabled = true
		c.Prometheus.AllowedHosts = []string{"10.0.0.0/8"}
		if err := c.Prometheus.parseAllowedHosts(); err != nil {
			t.Fatalf("parse: %v", err)
		}
	})
	h := s.Handler()

	if rec := get(t, h, "/metrics", "192.0.2.1:4000"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	// A forwarded header from a remote peer is not trusted
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	req.Header.Set("X-Forwarded-For", "10.0.0.5")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected spoofed header to be ignored, got %d", rec.Code)
	}

	rec = get(t, h, "/metrics", "10.2.3.4:4000")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "observer_store_capacity_rows") {
		t.Fatalf("expected metrics for an allowed host, got %d", rec.Code)
	}
}

func TestGetClientIPTrustsLocalProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := getClientIP(req); ip != "203.0.113.9" {
		t.Fatalf("expected forwarded client, got %s", ip)
	}
}

func TestBolidWebSocketFeed(t *testing.T) {
	ws := NewBolidWebSocketHandler()
	defer ws.Close()
	bus := events.NewBus[events.Bolid]()
	ws.Subscribe(bus)

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	defer srv.Close()

	at := time.Date(2024, 8, 12, 22, 0, 0, 0, time.UTC)
	bus.Publish(testBolid("early", at))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() string {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg struct {
			Type  string       `json:"type"`
			Bolid events.Bolid `json:"bolid"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != "bolid" {
			t.Fatalf("unexpected message type %s", msg.Type)
		}
		return msg.Bolid.ID
	}

	// Buffered events are replayed on connect
	if id := read(); id != "early" {
		t.Fatalf("expected replayed bolid, got %s", id)
	}
	bus.Publish(testBolid("live", at.Add(time.Second)))
	// The broadcast of the first event may race the connection and arrive twice
	id := read()
	if id == "early" {
		id = read()
	}
	if id != "live" {
		t.Fatalf("expected live bolid, got %s", id)
	}

	if recent := ws.Recent(); len(recent) != 2 || recent[1].ID != "live" {
		t.Fatalf("unexpected buffer %+v", recent)
	}
}

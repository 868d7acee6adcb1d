package main

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/pipeline"
	"github.com/cwsl/radio_observer/recorder"
)

// StatusServer serves the observer state over HTTP
type StatusServer struct {
	config    *Config
	waterfall *pipeline.Waterfall
	registry  *recorder.Registry
	catalog   *EventCatalog          // nil when the catalog is disabled
	websocket *BolidWebSocketHandler // nil when the live feed is disabled
	metrics   *PrometheusMetrics     // nil when Prometheus is disabled
	started   time.Time
	server    *http.Server
}

// StatusResponse is the body of /status
type StatusResponse struct {
	Station   string         `json:"station"`
	Location  string         `json:"location,omitempty"`
	Uptime    string         `json:"uptime"`
	Memory    string         `json:"memory"`
	Rows      string         `json:"rows"`
	Frontend  string         `json:"frontend"`
	Waterfall pipeline.Stats `json:"waterfall"`
}

// NewStatusServer creates the server; call Start to listen
func NewStatusServer(config *Config, w *pipeline.Waterfall, registry *recorder.Registry, catalog *EventCatalog, ws *BolidWebSocketHandler, metrics *PrometheusMetrics) *StatusServer {
	s := &StatusServer{
		config:    config,
		waterfall: w,
		registry:  registry,
		catalog:   catalog,
		websocket: ws,
		metrics:   metrics,
		started:   time.Now(),
	}
	s.server = &http.Server{
		Addr:              config.Status.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the request router
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/bolids", s.handleBolids)
	mux.HandleFunc("/recorders", s.handleRecorders)
	if s.metrics != nil {
		metrics := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.handlePrometheusMetrics(w, r, metrics)
		})
	}
	if s.websocket != nil {
		mux.HandleFunc("/ws/bolids", s.websocket.HandleWebSocket)
	}
	return mux
}

// Start listens in the background
func (s *StatusServer) Start() {
	go func() {
		log.Printf("Status server listening on %s", s.config.Status.Listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Status server error: %v", err)
		}
	}()
}

// Close stops the server
func (s *StatusServer) Close() {
	if err := s.server.Close(); err != nil {
		log.Printf("Error closing status server: %v", err)
	}
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.waterfall.Stats()
	resp := StatusResponse{
		Station:   s.config.Station.Name,
		Location:  s.config.Station.Location,
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		Memory:    humanize.IBytes(stats.Plan.Total()),
		Rows:      humanize.Comma(int64(stats.Processor.Rows)),
		Frontend:  s.config.Frontend.Type,
		Waterfall: stats,
	}
	writeJSON(w, resp)
}

func (s *StatusServer) handleBolids(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var list []events.Bolid
	switch {
	case s.catalog != nil:
		var err error
		list, err = s.catalog.Recent(limit)
		if err != nil {
			log.Printf("Status: failed to read catalog: %v", err)
			http.Error(w, "catalog unavailable", http.StatusInternalServerError)
			return
		}
	case s.websocket != nil:
		recent := s.websocket.Recent()
		// newest first, like the catalog
		for i := len(recent) - 1; i >= 0 && len(list) < limit; i-- {
			list = append(list, recent[i])
		}
	}
	if list == nil {
		list = []events.Bolid{}
	}
	writeJSON(w, list)
}

func (s *StatusServer) handleRecorders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.List())
}

func (s *StatusServer) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request, metrics http.Handler) {
	clientIP := getClientIP(r)

	if !s.config.Prometheus.IsIPAllowed(clientIP) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
			log.Printf("Error writing forbidden response: %v", err)
		}
		log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
		return
	}

	if s.metrics != nil {
		s.metrics.UpdateStoreMetrics(s.waterfall.Stats())
	}
	metrics.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}

// getClientIP returns the peer address. X-Forwarded-For is only trusted
// from a reverse proxy on the loopback interface.
func getClientIP(r *http.Request) string {
	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}
	if ip := net.ParseIP(sourceIP); ip == nil || !ip.IsLoopback() {
		return sourceIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(xff)
		if commaIdx := strings.Index(clientIP, ","); commaIdx != -1 {
			clientIP = strings.TrimSpace(clientIP[:commaIdx])
		}
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		return clientIP
	}
	return sourceIP
}

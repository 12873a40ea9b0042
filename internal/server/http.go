package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dantee296/SwiftOSC/internal/config"
	"github.com/Dantee296/SwiftOSC/internal/metrics"
)

const (
	serviceName    = "osc-receiver"
	serviceVersion = "1.0.0"
)

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	udpServer *UDPServer
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. /metrics is served from
// gatherer, or from the default registry when gatherer is nil.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, udpServer *UDPServer, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		udpServer: udpServer,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/peer", h.withMetrics("/peer", h.handlePeer))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Listener management
	mux.HandleFunc("/listener/restart", h.withMetrics("/listener/restart", h.handleRestart))
	mux.HandleFunc("/listener/port", h.withMetrics("/listener/port", h.handleChangePort))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the routed handler, for embedding or tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"timestamp": time.Now().UTC(),
	})
}

// handleHealth implements the /health endpoint. It reports 503 unless the
// listener is bound.
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.udpServer.GetStatistics()

	status, code := "healthy", http.StatusOK
	if stats.State != Listening.String() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	listener := map[string]interface{}{
		"status":             stats.State,
		"port":               stats.Port,
		"local_address":      stats.LocalAddress,
		"has_active_peer":    stats.HasActivePeer,
		"datagrams_received": stats.DatagramsReceived,
		"decode_errors":      stats.DecodeErrors,
	}
	if err := h.udpServer.LastError(); err != nil {
		listener["last_error"] = err.Error()
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"udp_listener": listener,
			"delivery": map[string]interface{}{
				"queue_size":     stats.QueueSize,
				"queue_capacity": stats.QueueCapacity,
				"drops":          stats.DeliveryDrops,
			},
		},
	}

	writeJSON(w, code, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp":       h.udpServer.GetStatistics(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handlePeer implements the /peer endpoint. With ?addr=host:port it reports
// whether that remote address is the active peer or a retired one.
func (h *HTTPServer) handlePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := r.URL.Query().Get("addr")
	if raw == "" {
		writeJSON(w, http.StatusOK, h.udpServer.PeerInfo())
		return
	}

	addr, err := netip.ParseAddrPort(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid addr %q: %w", raw, err))
		return
	}

	active, retired := h.udpServer.PeerStatus(addr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"addr":    addr.String(),
		"active":  active,
		"retired": retired,
	})
}

// handleConfig implements the /config endpoint. The port reflects any change
// made through /listener/port.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	current := *h.config
	current.Server.UDPPort = h.udpServer.Port()

	writeJSON(w, http.StatusOK, current)
}

// handleRestart implements POST /listener/restart
func (h *HTTPServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.udpServer.Restart(); err != nil {
		h.logger.Error("Listener restart failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, h.listenerStatus("restarted"))
}

// handleChangePort implements POST /listener/port?port=N
func (h *HTTPServer) handleChangePort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	portStr := r.URL.Query().Get("port")
	if portStr == "" {
		writeError(w, http.StatusBadRequest, errors.New("port query parameter required"))
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid port %q", portStr))
		return
	}

	if err := h.udpServer.ChangePort(port); err != nil {
		if errors.Is(err, ErrInvalidPort) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger.Error("Listener port change failed",
			slog.Int("port", port),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, h.listenerStatus("rebound"))
}

func (h *HTTPServer) listenerStatus(status string) map[string]interface{} {
	resp := map[string]interface{}{
		"status":    status,
		"state":     h.udpServer.State().String(),
		"port":      h.udpServer.Port(),
		"timestamp": time.Now().UTC(),
	}
	if addr := h.udpServer.LocalAddr(); addr != nil {
		resp["local_address"] = addr.String()
	}
	return resp
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "OSC Receiver Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                        "API documentation",
			"GET /health":                  "Service health check",
			"GET /stats":                   "Listener and delivery statistics",
			"GET /peer":                    "Active peer and churn counters",
			"GET /peer?addr={host:port}":   "Whether an address is the active or a retired peer",
			"GET /config":                  "Get service configuration",
			"GET /metrics":                 "Prometheus metrics",
			"POST /listener/restart":       "Tear down and rebind the UDP listener",
			"POST /listener/port?port={n}": "Rebind the UDP listener on a new port",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

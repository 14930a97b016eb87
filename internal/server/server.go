// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/indexer"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/webhook"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HTTPServer serves the read API, the admin API and the webhook delivery endpoint
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	indexer        *indexer.Service
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	stopChan chan struct{}
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, svc *indexer.Service, metricsManager *metrics.Manager) *HTTPServer {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	s := &HTTPServer{
		config:         cfg,
		indexer:        svc,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("http_server"),
		stopChan:       make(chan struct{}),
	}
	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	// Provider deliveries
	s.router.HandleFunc("/webhooks/alchemy", s.deliveryHandler).Methods("POST")

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler())
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}
	api.HandleFunc("/status", s.statusHandler).Methods("GET")

	// Read accessors
	api.HandleFunc("/tokens", s.listTokensHandler).Methods("GET")
	api.HandleFunc("/tokens/{address}", s.getTokenHandler).Methods("GET")
	api.HandleFunc("/tokens/{address}/holders", s.holdersHandler).Methods("GET")
	api.HandleFunc("/tokens/{address}/supply", s.supplyHandler).Methods("GET")
	api.HandleFunc("/tokens/{address}/supply/verify", s.verifySupplyHandler).Methods("GET")
	api.HandleFunc("/tokens/{address}/events", s.eventsHandler).Methods("GET")

	api.HandleFunc("/intents", s.registerIntentHandler).Methods("POST")

	// Admin
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/tokens", s.watchTokenHandler).Methods("POST")
	admin.HandleFunc("/tokens/{address}", s.unwatchTokenHandler).Methods("DELETE")
	admin.HandleFunc("/tokens/{address}/backfill", s.backfillHandler).Methods("POST")
	admin.HandleFunc("/reconcile", s.reconcileHandler).Methods("POST")
	admin.HandleFunc("/subscriptions/repair", s.repairSubscriptionsHandler).Methods("POST")
	admin.HandleFunc("/health/check", s.healthCheckHandler).Methods("POST")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateSystemMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Surface immediate binding errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.updateSystemMetrics()
		}
	}
}

func (s *HTTPServer) updateSystemMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	status := s.indexer.GetIndexerStatus(context.Background())
	s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("indexer", status.Healthy)
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Health Handlers

// healthHandler returns basic liveness
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"version":         Version,
		"metrics_enabled": s.config.EnableMetrics,
	})
}

// detailedHealthHandler reports degraded ingestion with 503 while reads keep working
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.indexer.GetIndexerStatus(r.Context())
	code := http.StatusOK
	state := "healthy"
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":     state,
		"timestamp":  time.Now().UTC(),
		"version":    Version,
		"running":    status.Running,
		"components": status.Components,
		"issues":     status.Issues,
	})
}

func (s *HTTPServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.indexer.GetIndexerStatus(r.Context()))
}

// Token Handlers

func (s *HTTPServer) listTokensHandler(w http.ResponseWriter, r *http.Request) {
	status := models.TokenStatus(r.URL.Query().Get("status"))
	tokens, err := s.indexer.ListTokens(r.Context(), status)
	if err != nil {
		s.writeAppError(w, "Failed to retrieve tokens", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": tokens,
		"total":  len(tokens),
	})
}

func (s *HTTPServer) getTokenHandler(w http.ResponseWriter, r *http.Request) {
	token, err := s.indexer.GetToken(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.writeAppError(w, "Failed to retrieve token", err)
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

func (s *HTTPServer) holdersHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	query := r.URL.Query()
	limit := queryInt(query.Get("limit"), indexer.DefaultHolderLimit)
	offset := queryInt(query.Get("offset"), 0)
	sort := models.ParseHolderSort(query.Get("sort"))

	holders, err := s.indexer.GetHolders(r.Context(), address, limit, offset, sort)
	if err != nil {
		s.writeAppError(w, "Failed to retrieve holders", err)
		return
	}
	count, err := s.indexer.GetHolderCount(r.Context(), address)
	if err != nil {
		s.writeAppError(w, "Failed to count holders", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":   utils.NormalizeAddress(address),
		"holders": holders,
		"total":   count,
		"limit":   limit,
		"offset":  offset,
		"sort":    sort,
	})
}

func (s *HTTPServer) supplyHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	total, err := s.indexer.GetTotalSupplyFromHolders(r.Context(), address)
	if err != nil {
		s.writeAppError(w, "Failed to compute supply", err)
		return
	}
	count, err := s.indexer.GetHolderCount(r.Context(), address)
	if err != nil {
		s.writeAppError(w, "Failed to count holders", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":        utils.NormalizeAddress(address),
		"total_supply": total.String(),
		"holders":      count,
	})
}

func (s *HTTPServer) verifySupplyHandler(w http.ResponseWriter, r *http.Request) {
	check, err := s.indexer.VerifySupply(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.writeAppError(w, "Failed to verify supply", err)
		return
	}
	s.writeJSON(w, http.StatusOK, check)
}

func (s *HTTPServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.EventFilter{
		TokenAddress: mux.Vars(r)["address"],
		Holder:       query.Get("holder"),
		Limit:        queryInt(query.Get("limit"), 50),
		Offset:       queryInt(query.Get("offset"), 0),
	}
	for name, dst := range map[string]**uint64{"from_block": &filter.FromBlock, "to_block": &filter.ToBlock} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		v, err := utils.ParseBlockNumber(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid "+name, err)
			return
		}
		*dst = &v
	}

	events, total, err := s.indexer.GetEventsForToken(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, "Failed to retrieve events", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"total":  total,
	})
}

type intentRequest struct {
	IntentID string `json:"intent_id"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Creator  string `json:"creator"`
}

func (s *HTTPServer) registerIntentHandler(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	token, err := s.indexer.RegisterIntent(r.Context(), req.IntentID, req.Name, req.Symbol, req.Creator)
	if err != nil {
		s.writeAppError(w, "Failed to register intent", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, token)
}

// Admin Handlers

type watchRequest struct {
	Address         string `json:"address"`
	DeploymentBlock uint64 `json:"deployment_block"`
}

func (s *HTTPServer) watchTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	token, err := s.indexer.WatchToken(r.Context(), req.Address, req.DeploymentBlock)
	if err != nil {
		s.writeAppError(w, "Failed to watch token", err)
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

func (s *HTTPServer) unwatchTokenHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := s.indexer.UnwatchToken(r.Context(), address); err != nil {
		s.writeAppError(w, "Failed to unwatch token", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Token unwatched",
		"token":   utils.NormalizeAddress(address),
	})
}

func (s *HTTPServer) backfillHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var from, to uint64
	var err error
	if raw := query.Get("from_block"); raw != "" {
		if from, err = utils.ParseBlockNumber(raw); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid from_block", err)
			return
		}
	}
	if raw := query.Get("to_block"); raw != "" {
		if to, err = utils.ParseBlockNumber(raw); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid to_block", err)
			return
		}
	}

	result, err := s.indexer.Backfill(r.Context(), mux.Vars(r)["address"], from, to)
	if err != nil {
		s.writeAppError(w, "Backfill failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.indexer.Reconcile(r.Context())
	if err != nil {
		s.writeAppError(w, "Reconcile failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) repairSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	removed, report, err := s.indexer.RepairSubscriptions(r.Context())
	if err != nil {
		s.writeAppError(w, "Subscription repair failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed_inactive": removed,
		"reregistered":     report,
	})
}

func (s *HTTPServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	report := s.indexer.CheckHealth(r.Context())
	if report == nil {
		s.writeError(w, http.StatusNotImplemented, "Health monitor is not enabled in this mode", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// Delivery Handler

// deliveryHandler authenticates and ingests a provider push. Bodies that are
// empty or unrecognized are acknowledged so the provider does not retry them.
func (s *HTTPServer) deliveryHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Delivery body too large", err)
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read delivery", err)
		return
	}

	if err := s.indexer.Verifier().Verify(r.Header, body); err != nil {
		s.logger.WithField("remote_ip", r.RemoteAddr).Warn("Rejected delivery with invalid signature")
		s.writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
		return
	}

	result := s.indexer.HandleDelivery(r.Context(), body)
	if !result.Success {
		s.writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// Utility Methods

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		if code := utils.ErrorCode(err); code != "" {
			errorResponse["code"] = code
		}
		entry := s.logger.WithError(err).WithField("status", status)
		if status >= http.StatusInternalServerError {
			entry.Error(message)
		} else {
			entry.Debug(message)
		}
	}

	s.writeJSON(w, status, errorResponse)
}

// writeAppError maps the application error code to an HTTP status
func (s *HTTPServer) writeAppError(w http.ResponseWriter, message string, err error) {
	s.writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	if errors.Is(err, webhook.ErrInvalidSignature) {
		return http.StatusUnauthorized
	}
	switch utils.ErrorCode(err) {
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeConfiguration:
		return http.StatusNotImplemented
	case utils.ErrCodeProvider, utils.ErrCodeBlockchain, utils.ErrCodeConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

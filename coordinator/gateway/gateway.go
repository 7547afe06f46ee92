// Package gateway serves the operator-facing admin REST surface: server and
// module status, training progress, client health, log tails, metrics, and
// the mutating anomaly-response controls. It binds to a local management
// port and is not exposed to clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/RavinduMendis/R25-039/coordinator/adrm"
	"github.com/RavinduMendis/R25-039/coordinator/globalmodel"
	"github.com/RavinduMendis/R25-039/coordinator/orchestrator"
	"github.com/RavinduMendis/R25-039/coordinator/ppm"
	"github.com/RavinduMendis/R25-039/coordinator/registry"
	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/RavinduMendis/R25-039/shared/logutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "gateway")

// Config wires the gateway to every module it reports on.
type Config struct {
	Host    string
	Port    int
	Version string

	Registry     *registry.Registry
	Orchestrator *orchestrator.Service
	Model        *globalmodel.Registry
	Response     *adrm.ResponseSystem
	Models       *adrm.ModelManager
	Engine       *adrm.Engine
	Auditor      *ppm.Auditor
	LogRing      *logutil.RingHook
}

// Service is the admin REST server.
type Service struct {
	cfg       *Config
	server    *http.Server
	startedAt time.Time
	startErr  error
}

// NewService builds the gateway and its route table.
func NewService(cfg *Config) *Service {
	s := &Service{cfg: cfg}
	router := mux.NewRouter()
	router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/overview", s.handleOverview).Methods(http.MethodGet)
	router.HandleFunc("/api/orchestrator_progress", s.handleProgress).Methods(http.MethodGet)
	router.HandleFunc("/api/model", s.handleModel).Methods(http.MethodGet)
	router.HandleFunc("/api/model/bytes", s.handleModelBytes).Methods(http.MethodGet)
	router.HandleFunc("/api/submit_update", s.handleSubmitUpdate).Methods(http.MethodPost)
	router.HandleFunc("/api/client_health", s.handleClientHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	router.HandleFunc("/api/module_status/{module}", s.handleModuleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/adrm/unblock/{client_id}", s.handleUnblock).Methods(http.MethodPost)
	router.HandleFunc("/api/admin/adrm/history/{client_id}", s.handleResetHistory).Methods(http.MethodDelete)
	router.HandleFunc("/api/admin/adrm/config", s.handleUpdateADRMConfig).Methods(http.MethodPut)
	router.HandleFunc("/api/admin/adrm/quarantine", s.handleQuarantine).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/training/stop", s.handleStopTraining).Methods(http.MethodPost)
	router.HandleFunc("/api/admin/training/resume", s.handleResumeTraining).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}).Handler(router)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving the admin surface.
func (s *Service) Start() {
	s.startedAt = time.Now()
	log.WithField("address", s.server.Addr).Info("Admin gateway listening")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.startErr = err
			log.WithError(err).Error("Admin gateway failed")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns the startup error, if any.
func (s *Service) Status() error { return s.startErr }

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "running",
		"version":          s.cfg.Version,
		"uptime_seconds":   time.Since(s.startedAt).Seconds(),
		"connected":        s.cfg.Registry.ConnectedCount(),
		"eligible":         s.cfg.Registry.EligibleCount(),
		"orchestrator":     s.cfg.Orchestrator.CurrentState(),
		"model_version":    s.cfg.Model.Version(),
		"blocked_clients":  len(s.cfg.Response.BlockedClients()),
		"quarantine_depth": len(s.cfg.Response.Quarantine()),
	})
}

func (s *Service) handleOverview(w http.ResponseWriter, _ *http.Request) {
	first, last := s.cfg.Model.AggregationEvents()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"progress":          s.cfg.Orchestrator.Progress(),
		"best_accuracy":     s.cfg.Model.BestAccuracy(),
		"converged":         s.cfg.Model.HasConverged(),
		"first_aggregation": first,
		"last_aggregation":  last,
		"metrics_recorded":  len(s.cfg.Model.MetricsHistory()),
	})
}

func (s *Service) handleProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Orchestrator.Progress())
}

func (s *Service) handleModel(w http.ResponseWriter, _ *http.Request) {
	params := s.cfg.Model.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":         s.cfg.Model.Version(),
		"best_accuracy":   s.cfg.Model.BestAccuracy(),
		"parameter_names": params.Keys(),
		"metrics_history": s.cfg.Model.MetricsHistory(),
	})
}

func (s *Service) handleModelBytes(w http.ResponseWriter, _ *http.Request) {
	enc, err := tensorcodec.Encode(s.cfg.Model.State())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(enc); err != nil {
		log.WithError(err).Warn("Could not write model bytes")
	}
}

type adminUpdateRequest struct {
	ClientID    string `json:"client_id"`
	PrivacyMode string `json:"privacy_mode"`
	Payload     []byte `json:"payload"`
}

// handleSubmitUpdate lets an operator inject an update on behalf of a
// client, used for smoke tests against a running coordinator.
func (s *Service) handleSubmitUpdate(w http.ResponseWriter, r *http.Request) {
	var req adminUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	mode := ppm.PrivacyMode(req.PrivacyMode)
	if !mode.Valid() {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unknown privacy mode %q", req.PrivacyMode))
		return
	}
	if err := s.cfg.Orchestrator.ReceiveUpdate(req.ClientID, mode, req.Payload); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

func (s *Service) handleClientHealth(w http.ResponseWriter, _ *http.Request) {
	clients := s.cfg.Registry.All()
	summaries := make([]map[string]interface{}, 0, len(clients))
	for _, c := range clients {
		summaries = append(summaries, map[string]interface{}{
			"client_id":             c.ClientID,
			"status":                c.Status,
			"reputation":            c.Reputation,
			"latency_ms":            c.LatencyMS,
			"last_heartbeat":        c.LastHeartbeat,
			"last_successful_round": c.LastSuccessful,
			"rounds_participated":   len(c.Participation),
			"blocked":               s.cfg.Response.IsBlocked(c.ClientID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   len(clients),
		"clients": summaries,
	})
}

func (s *Service) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": s.cfg.LogRing.Tail(limit)})
}

func (s *Service) handleModuleStatus(w http.ResponseWriter, r *http.Request) {
	module := mux.Vars(r)["module"]
	var status map[string]interface{}
	switch module {
	case "orchestrator":
		status = map[string]interface{}{
			"state":    s.cfg.Orchestrator.CurrentState(),
			"progress": s.cfg.Orchestrator.Progress(),
		}
	case "mm":
		status = map[string]interface{}{
			"version":       s.cfg.Model.Version(),
			"best_accuracy": s.cfg.Model.BestAccuracy(),
			"converged":     s.cfg.Model.HasConverged(),
		}
	case "sam":
		status = map[string]interface{}{
			"aggregations": s.cfg.Orchestrator.Progress().AggregationCalls,
		}
	case "adrm":
		status = map[string]interface{}{
			"blocked":          len(s.cfg.Response.BlockedClients()),
			"quarantine_depth": len(s.cfg.Response.Quarantine()),
			"buffered_rows":    s.cfg.Engine.BufferedRows(),
			"champion_trained": s.cfg.Models.Champion().IsTrained(),
			"evaluations":      len(s.cfg.Models.PerformanceLog()),
		}
	case "ppm":
		epsilon, delta := s.cfg.Auditor.DPParams()
		status = map[string]interface{}{
			"homomorphic_active": s.cfg.Auditor.RecommendHomomorphic(),
			"dp_epsilon":         epsilon,
			"dp_delta":           delta,
		}
	case "scpm":
		status = map[string]interface{}{
			"connected": s.cfg.Registry.ConnectedCount(),
			"eligible":  s.cfg.Registry.EligibleCount(),
		}
	default:
		httpError(w, http.StatusNotFound, fmt.Sprintf("unknown module %q", module))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"module": module, "status": status})
}

func (s *Service) handleUnblock(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	if !s.cfg.Response.Unblock(clientID) {
		httpError(w, http.StatusNotFound, fmt.Sprintf("client %q is not blocked", clientID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unblocked": clientID})
}

func (s *Service) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	if !s.cfg.Registry.ResetHistory(clientID) {
		httpError(w, http.StatusNotFound, fmt.Sprintf("unknown client %q", clientID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": clientID})
}

type adrmConfigRequest struct {
	BlockDurationMinutes      int `json:"block_duration_minutes"`
	ReputationPenaltyForBlock int `json:"reputation_penalty_for_block"`
	ReputationPenaltyLow      int `json:"reputation_penalty_low"`
}

func (s *Service) handleUpdateADRMConfig(w http.ResponseWriter, r *http.Request) {
	var req adrmConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.BlockDurationMinutes <= 0 || req.ReputationPenaltyForBlock < 0 || req.ReputationPenaltyLow < 0 {
		httpError(w, http.StatusBadRequest, "invalid response configuration")
		return
	}
	s.cfg.Response.UpdateConfig(adrm.ResponseConfig{
		BlockDuration:   time.Duration(req.BlockDurationMinutes) * time.Minute,
		PenaltyForBlock: req.ReputationPenaltyForBlock,
		PenaltyLow:      req.ReputationPenaltyLow,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

func (s *Service) handleQuarantine(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": s.cfg.Response.Quarantine()})
}

func (s *Service) handleStopTraining(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Orchestrator.StopTraining()
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": s.cfg.Orchestrator.CurrentState()})
}

func (s *Service) handleResumeTraining(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Orchestrator.ResumeTraining()
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": s.cfg.Orchestrator.CurrentState()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Could not encode response")
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

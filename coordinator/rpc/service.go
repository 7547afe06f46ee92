// Package rpc exposes the coordinator's two client-facing network surfaces:
// the plaintext enrollment server that signs CSRs and the mTLS control
// server that carries heartbeats, model fetches, and update submission.
package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/RavinduMendis/R25-039/coordinator/orchestrator"
	"github.com/RavinduMendis/R25-039/coordinator/ppm"
	"github.com/RavinduMendis/R25-039/coordinator/registry"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "rpc")

// ErrAuthMismatch marks a control call whose declared client id does not
// match the Common Name of the peer certificate.
var ErrAuthMismatch = errors.New("declared client id does not match certificate identity")

const (
	maxEnrollmentBody = 1 << 20  // 1 MiB of CSR is generous
	maxUpdateBody     = 64 << 20 // model updates dominate body size
)

// ControlConfig configures the mTLS control server.
type ControlConfig struct {
	Host         string
	Port         int
	TLS          *tls.Config
	Registry     *registry.Registry
	Orchestrator *orchestrator.Service
}

// ControlService is the authenticated control channel. Every handler reads
// the client identity from the verified peer certificate.
type ControlService struct {
	cfg      *ControlConfig
	server   *http.Server
	listener net.Listener
	startErr error
}

// NewControlService builds the control server around its TLS config.
func NewControlService(cfg *ControlConfig) *ControlService {
	s := &ControlService{cfg: cfg}
	router := mux.NewRouter()
	router.HandleFunc("/control/v1/register", s.handleRegisterClient).Methods(http.MethodPost)
	router.HandleFunc("/control/v1/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/control/v1/fetch_model", s.handleFetchModel).Methods(http.MethodPost)
	router.HandleFunc("/control/v1/submit_update", s.handleSubmitUpdate).Methods(http.MethodPost)
	router.HandleFunc("/control/v1/submit_share", s.handleSubmitShare).Methods(http.MethodPost)
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start opens the mTLS listener and begins serving.
func (s *ControlService) Start() {
	ln, err := tls.Listen("tcp", s.server.Addr, s.cfg.TLS)
	if err != nil {
		s.startErr = err
		log.WithError(err).Error("Could not open control listener")
		return
	}
	s.listener = ln
	log.WithField("address", s.server.Addr).Info("Control server listening with mutual TLS")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.startErr = err
			log.WithError(err).Error("Control server failed")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *ControlService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns the startup error, if any.
func (s *ControlService) Status() error { return s.startErr }

// peerIdentity extracts the client id from the verified peer certificate
// and enforces that any declared id matches it.
func peerIdentity(r *http.Request, declared string) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", errors.New("no verified peer certificate")
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", errors.New("peer certificate has no common name")
	}
	if declared != "" && declared != cn {
		return "", errors.Wrapf(ErrAuthMismatch, "declared %q, certificate %q", declared, cn)
	}
	return cn, nil
}

type controlRegisterRequest struct {
	ClientID  string `json:"client_id"`
	Transport string `json:"transport"`
}

func (s *ControlService) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req controlRegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnrollmentBody)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	cn, err := peerIdentity(r, req.ClientID)
	if err != nil {
		httpError(w, http.StatusForbidden, err.Error())
		return
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	transport := req.Transport
	if transport == "" {
		transport = "mtls"
	}
	s.cfg.Registry.Upsert(cn, ip, transport)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type heartbeatRequest struct {
	ClientID  string  `json:"client_id"`
	LatencyMS float64 `json:"latency_ms"`
}

type heartbeatResponse struct {
	ServerTS          time.Time `json:"server_ts"`
	NewRoundAvailable bool      `json:"new_round_available"`
}

func (s *ControlService) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnrollmentBody)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	cn, err := peerIdentity(r, req.ClientID)
	if err != nil {
		httpError(w, http.StatusForbidden, err.Error())
		return
	}
	if err := s.cfg.Registry.Heartbeat(cn, req.LatencyMS); err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		ServerTS:          time.Now(),
		NewRoundAvailable: s.cfg.Orchestrator.NewRoundAvailable(cn),
	})
}

type fetchModelRequest struct {
	ClientID string `json:"client_id"`
}

func (s *ControlService) handleFetchModel(w http.ResponseWriter, r *http.Request) {
	var req fetchModelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnrollmentBody)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	cn, err := peerIdentity(r, req.ClientID)
	if err != nil {
		httpError(w, http.StatusForbidden, err.Error())
		return
	}
	enc, err := s.cfg.Orchestrator.ModelForClient(cn)
	if err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	log.WithFields(logrus.Fields{
		"clientID": cn,
		"size":     humanize.Bytes(uint64(len(enc))),
	}).Info("Serving global model")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(enc); err != nil {
		log.WithError(err).Warn("Could not write model response")
	}
}

type submitUpdateRequest struct {
	ClientID    string `json:"client_id"`
	PrivacyMode string `json:"privacy_mode"`
	Payload     []byte `json:"payload"`
}

func (s *ControlService) handleSubmitUpdate(w http.ResponseWriter, r *http.Request) {
	var req submitUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	cn, err := peerIdentity(r, req.ClientID)
	if err != nil {
		httpError(w, http.StatusForbidden, err.Error())
		return
	}
	mode := ppm.PrivacyMode(req.PrivacyMode)
	if !mode.Valid() {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unknown privacy mode %q", req.PrivacyMode))
		return
	}
	log.WithFields(logrus.Fields{
		"clientID": cn,
		"mode":     mode,
		"size":     humanize.Bytes(uint64(len(req.Payload))),
	}).Info("Received client update")
	if err := s.cfg.Orchestrator.ReceiveUpdate(cn, mode, req.Payload); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

type submitShareRequest struct {
	ClientID string `json:"client_id"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Data     []byte `json:"data"`
}

func (s *ControlService) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	var req submitShareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	cn, err := peerIdentity(r, req.ClientID)
	if err != nil {
		httpError(w, http.StatusForbidden, err.Error())
		return
	}
	if err := s.cfg.Orchestrator.ReceiveSSSShare(cn, req.Index, req.Total, req.Data); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
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

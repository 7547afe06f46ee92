package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RavinduMendis/R25-039/coordinator/certs"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// EnrollmentConfig configures the plaintext enrollment server.
type EnrollmentConfig struct {
	Host              string
	Port              int
	RegistrationToken string
	Authority         *certs.Authority
}

// EnrollmentService serves the one plaintext RPC new clients use to obtain
// an mTLS certificate. It never touches the client registry; a client only
// exists once it connects over the control channel.
type EnrollmentService struct {
	cfg      *EnrollmentConfig
	server   *http.Server
	startErr error
}

// NewEnrollmentService builds the enrollment server.
func NewEnrollmentService(cfg *EnrollmentConfig) *EnrollmentService {
	s := &EnrollmentService{cfg: cfg}
	router := mux.NewRouter()
	router.HandleFunc("/enrollment/v1/register", s.handleRegister).Methods(http.MethodPost)
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving enrollment requests.
func (s *EnrollmentService) Start() {
	log.WithField("address", s.server.Addr).Info("Enrollment server listening")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.startErr = err
			log.WithError(err).Error("Enrollment server failed")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *EnrollmentService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns the startup error, if any.
func (s *EnrollmentService) Status() error { return s.startErr }

type registerRequest struct {
	ClientID          string `json:"client_id"`
	CSR               []byte `json:"csr"`
	RegistrationToken string `json:"registration_token"`
}

type registerResponse struct {
	Success    bool   `json:"success"`
	SignedCert []byte `json:"signed_cert,omitempty"`
	CACert     []byte `json:"ca_cert,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *EnrollmentService) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnrollmentBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, registerResponse{Error: "malformed request body"})
		return
	}
	if req.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, registerResponse{Error: "client_id is required"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.RegistrationToken), []byte(s.cfg.RegistrationToken)) != 1 {
		log.WithField("clientID", req.ClientID).Warn("Rejected enrollment with invalid token")
		writeJSON(w, http.StatusUnauthorized, registerResponse{Error: "invalid registration token"})
		return
	}
	signed, err := s.cfg.Authority.SignCSR(req.CSR, req.ClientID)
	if err != nil {
		log.WithError(err).WithField("clientID", req.ClientID).Warn("Could not sign enrollment CSR")
		writeJSON(w, http.StatusBadRequest, registerResponse{Error: err.Error()})
		return
	}
	log.WithFields(logrus.Fields{
		"clientID": req.ClientID,
		"remote":   r.RemoteAddr,
	}).Info("Enrolled new client")
	writeJSON(w, http.StatusOK, registerResponse{
		Success:    true,
		SignedCert: signed,
		CACert:     s.cfg.Authority.CACertPEM(),
	})
}

package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/portfolio-analysis/internal/session"
)

// sessionIDPattern bounds what we accept as a session id in the WS path:
// opaque, non-empty, safe inside a Redis key.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// SessionResponse is the handshake reply: a fresh session id plus the
// client-relevant slice of the configuration.
type SessionResponse struct {
	SessionID string        `json:"session_id"`
	Config    ClientConfig  `json:"config"`
}

// ClientConfig is the configuration payload exposed to clients
type ClientConfig struct {
	IdleTimeoutSeconds int      `json:"idle_timeout_seconds"`
	Metrics            []string `json:"metrics"`
}

// handleHealth reports service liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateSession mints a new session id of the form
// {prefix}-{unix_seconds}-{4 hex chars} and returns the client config.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.newSessionID()
	if err != nil {
		s.logger.WithError(err).Error("Failed to generate session id")
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	respondJSON(w, http.StatusOK, SessionResponse{
		SessionID: sessionID,
		Config: ClientConfig{
			IdleTimeoutSeconds: int(s.cfg.Session.IdleTimeout.Seconds()),
			Metrics:            s.cfg.Analysis.Metrics,
		},
	})
}

func (s *Server) newSessionID() (string, error) {
	var suffix [2]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%s", s.cfg.Session.IDPrefix, time.Now().Unix(), hex.EncodeToString(suffix[:])), nil
}

// handleWebSocket upgrades the connection and hands it to a session
// controller, which owns it until close or idle timeout.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if !sessionIDPattern.MatchString(sessionID) {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()[:8]
	logger := s.logger.WithField("conn", connID)
	logger.WithField("session", sessionID).Info("Client connected")

	controller, err := session.NewController(&session.ControllerConfig{
		SessionID:   sessionID,
		Conn:        conn,
		Registry:    s.registry,
		Runner:      s.engine,
		Store:       s.repo,
		IdleTimeout: s.cfg.Session.IdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create session controller")
		conn.Close()
		return
	}

	s.registry.Add(sessionID, controller)
	controller.Serve(r.Context())
}

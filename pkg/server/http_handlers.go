package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/ipk24chat/pkg/database"
)

// maxAuditMessages caps one /audit/messages response
const maxAuditMessages = 500

// startHTTPServer serves /metrics, /health, /ws and /audit on the HTTP port
func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort <= 0 {
		debugLog.Printf("HTTP server disabled (http_port=%d)", s.config.HTTPPort)
		return nil
	}

	addr := net.JoinHostPort(s.config.ListenIP, strconv.Itoa(s.config.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("HTTP server listening on %s (/metrics, /health, /ws, /audit)", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// HTTPHandler returns the mux behind the HTTP port
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/audit/session", s.AuditSessionHandler)
	mux.HandleFunc("/audit/messages", s.AuditMessagesHandler)
	return mux
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	byTransport := make(map[string]int)
	for _, sess := range s.registry.Snapshot() {
		byTransport[sess.Transport()]++
	}

	health := map[string]interface{}{
		"status":                "healthy",
		"uptime_seconds":        int64(time.Since(s.startTime).Seconds()),
		"active_sessions":       s.registry.Len(),
		"sessions_by_transport": byTransport,
	}

	if s.closing.Load() {
		health["status"] = "shutting_down"
	}

	if s.db != nil {
		sessions, err := s.db.CountSessions()
		if err != nil {
			log.Printf("Error counting audit sessions: %v", err)
			health["database_accessible"] = false
		} else {
			health["database_accessible"] = true
			health["audit_sessions"] = sessions
			if messages, err := s.db.CountMessages(); err == nil {
				health["audit_messages"] = messages
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}

// AuditSessionHandler serves the audit record of one session as JSON: /audit/session?id=...
func (s *Server) AuditSessionHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "Audit log not enabled on this server", http.StatusNotImplemented)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing id parameter", http.StatusBadRequest)
		return
	}

	sess, err := s.db.GetSession(id)
	if errors.Is(err, database.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Error reading audit session %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sess); err != nil {
		log.Printf("Error encoding audit session JSON: %v", err)
	}
}

// AuditMessagesHandler serves the newest messages of a channel as JSON:
// /audit/messages?channel=default&limit=50
func (s *Server) AuditMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "Audit log not enabled on this server", http.StatusNotImplemented)
		return
	}

	query := r.URL.Query()
	channel := query.Get("channel")
	if channel == "" {
		channel = DefaultChannel
	}

	limit := 50
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditMessages)
	}

	messages, err := s.db.ListMessages(channel, limit)
	if err != nil {
		log.Printf("Error listing audit messages for %s: %v", channel, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*database.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"channel":  channel,
		"messages": messages,
		"count":    len(messages),
	}); err != nil {
		log.Printf("Error encoding audit messages JSON: %v", err)
	}
}

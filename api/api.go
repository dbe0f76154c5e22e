// Package api exposes the decision engine over HTTP: per-request
// verification, the anomaly sweep, dashboard metrics and manual mitigation.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"surgeguard/engine"
	"surgeguard/metrics"
)

// DefaultMitigationDuration applies when an operator omits the duration.
const DefaultMitigationDuration = 300 // seconds

type Server struct {
	engine  *engine.Engine
	router  *mux.Router
	handler http.Handler
	log     *zap.Logger
}

func NewServer(eng *engine.Engine, tracker *Tracker, log *zap.Logger) *Server {
	s := &Server{engine: eng, router: mux.NewRouter(), log: log}

	s.router.HandleFunc("/api/verify", s.handleVerify).Methods(http.MethodPost)
	s.router.HandleFunc("/api/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	s.router.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/api/mitigate", s.handleMitigate).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// The tracker wraps the router, not a route, so 404s and rejected
	// methods from scan traffic still land in the metric store.
	s.handler = tracker.Middleware(s.router)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.handler.ServeHTTP(w, r)
	metrics.RequestLatency.WithLabelValues(r.Method, routeTemplate(s.router, r)).Observe(time.Since(start).Seconds())
}

// routeTemplate resolves the matched route pattern so the latency label set
// stays bounded when arbitrary paths are probed.
func routeTemplate(router *mux.Router, r *http.Request) string {
	var match mux.RouteMatch
	if router.Match(r, &match) && match.Route != nil {
		if tmpl, err := match.Route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req engine.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientIP == "" {
		http.Error(w, "clientIP is required", http.StatusBadRequest)
		return
	}

	result, err := s.engine.Verify(r.Context(), req)
	if err != nil {
		s.log.Error("verification failed", zap.String("ip", req.ClientIP), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.log.Error("anomaly sweep failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	dashboard, err := s.engine.DashboardMetrics(r.Context())
	if err != nil {
		s.log.Error("dashboard aggregation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (s *Server) handleMitigate(w http.ResponseWriter, r *http.Request) {
	var action engine.MitigationAction
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateAction(action); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if action.Duration <= 0 {
		action.Duration = DefaultMitigationDuration
	}

	success := s.engine.Mitigate(r.Context(), action)
	writeJSON(w, http.StatusOK, map[string]bool{"success": success})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func validateAction(action engine.MitigationAction) error {
	switch action.ActionType {
	case engine.ActionBlock, engine.ActionChallenge, engine.ActionMonitor:
	default:
		return errors.New("action_type must be block, challenge or monitor")
	}
	if action.Target == "" {
		return errors.New("target is required")
	}
	if action.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

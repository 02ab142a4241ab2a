package console

import (
	"net/http"
	"strconv"

	"github.com/Louguiman/tekra-store-sub000/pkg/api"
	"github.com/Louguiman/tekra-store-sub000/pkg/health"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	report := s.monitor.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	api.WriteJSON(w, status, report)
}

func (s *Server) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	metrics, err := s.monitor.Snapshot(r.Context())
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleHealthDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	diag, err := s.monitor.Diagnose(r.Context())
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, diag)
}

func (s *Server) handleHealthErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			api.WriteBadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	errors := s.monitor.Unresolved(limit)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"errors": errors,
		"total":  len(errors),
	})
}

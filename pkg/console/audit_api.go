package console

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/api"
	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
)

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	filter := audit.QueryFilter{
		Type:     audit.EventType(q.Get("type")),
		Action:   q.Get("action"),
		Resource: q.Get("resource"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.WriteBadRequest(w, "invalid limit")
			return
		}
		filter.MaxResults = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.WriteBadRequest(w, "since must be RFC 3339")
			return
		}
		filter.StartTime = &t
	}

	entries := s.auditStore.Query(filter)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleAuditAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	alerts := s.alerts.List(unresolvedOnly)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// handleAlertResolve serves PATCH /admin/audit/alerts/:id/resolve.
func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/audit/alerts/")
	id, ok := strings.CutSuffix(rest, "/resolve")
	if !ok || id == "" {
		api.WriteNotFound(w, "unknown alert endpoint")
		return
	}
	if r.Method != http.MethodPatch {
		api.WriteMethodNotAllowed(w)
		return
	}
	if !s.alerts.Resolve(id, adminID(r)) {
		api.WriteNotFound(w, "unknown alert id")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// auditStatistics is the rollup served by /admin/audit/statistics.
type auditStatistics struct {
	TotalEntries int                     `json:"total_entries"`
	ByType       map[audit.EventType]int `json:"by_type"`
	ByAction     map[string]int          `json:"by_action"`
	ChainHead    string                  `json:"chain_head"`
	ChainValid   bool                    `json:"chain_valid"`
	Alerts       int                     `json:"alerts"`
	OpenAlerts   int                     `json:"open_alerts"`
}

func (s *Server) handleAuditStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	stats := auditStatistics{
		ByType:     make(map[audit.EventType]int),
		ByAction:   make(map[string]int),
		ChainHead:  s.auditStore.ChainHead(),
		ChainValid: s.auditStore.VerifyChain() == nil,
	}
	for _, e := range s.auditStore.Query(audit.QueryFilter{}) {
		stats.TotalEntries++
		stats.ByType[e.Type]++
		stats.ByAction[e.Action]++
	}
	stats.Alerts = len(s.alerts.List(false))
	stats.OpenAlerts = len(s.alerts.List(true))
	api.WriteJSON(w, http.StatusOK, stats)
}

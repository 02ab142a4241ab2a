// Package console is the admin REST surface: the validation queue, the
// audit trail, security alerts, and the health endpoints. Bearer
// authentication happens upstream; handlers trust the forwarded admin id.
package console

import (
	"log/slog"
	"net/http"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/health"
	"github.com/Louguiman/tekra-store-sub000/pkg/validation"
)

// adminIDHeader carries the authenticated admin identity set by the auth
// proxy in front of this service.
const adminIDHeader = "X-Admin-ID"

// Server bundles the admin API dependencies.
type Server struct {
	queue      *validation.Queue
	monitor    *health.Monitor
	auditStore *audit.Store
	alerts     *audit.AlertStore
	logger     *slog.Logger
}

// NewServer wires the admin API. alerts may be nil when media scanning is
// disabled.
func NewServer(queue *validation.Queue, monitor *health.Monitor,
	auditStore *audit.Store, alerts *audit.AlertStore, logger *slog.Logger) *Server {
	if alerts == nil {
		alerts = audit.NewAlertStore()
	}
	return &Server{
		queue:      queue,
		monitor:    monitor,
		auditStore: auditStore,
		alerts:     alerts,
		logger:     logger,
	}
}

// Register mounts the admin routes.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/validations", s.handleValidationsList)
	mux.HandleFunc("/admin/validations/", s.handleValidationsRouter)

	mux.HandleFunc("/admin/audit/logs", s.handleAuditLogs)
	mux.HandleFunc("/admin/audit/alerts", s.handleAuditAlerts)
	mux.HandleFunc("/admin/audit/alerts/", s.handleAlertResolve)
	mux.HandleFunc("/admin/audit/statistics", s.handleAuditStatistics)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/metrics", s.handleHealthMetrics)
	mux.HandleFunc("/health/diagnostics", s.handleHealthDiagnostics)
	mux.HandleFunc("/health/errors", s.handleHealthErrors)
}

// adminID resolves the acting admin from the forwarded identity header.
func adminID(r *http.Request) string {
	if id := r.Header.Get(adminIDHeader); id != "" {
		return id
	}
	return "admin"
}

package console

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Louguiman/tekra-store-sub000/pkg/api"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/validation"
)

func (s *Server) handleValidationsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	page, err := s.queue.List(r.Context(), filter)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, page)
}

// handleValidationsRouter dispatches everything under /admin/validations/:
// stats, feedback/categories, bulk/{approve,reject}, :id, :id/{approve,reject}.
func (s *Server) handleValidationsRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/validations/")
	switch rest {
	case "stats":
		s.handleValidationStats(w, r)
		return
	case "feedback/categories":
		s.handleFeedbackCategories(w, r)
		return
	case "bulk/approve", "bulk/reject":
		s.handleBulk(w, r, strings.TrimPrefix(rest, "bulk/"))
		return
	}

	if id, ok := strings.CutSuffix(rest, "/approve"); ok {
		s.handleApprove(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/reject"); ok {
		s.handleReject(w, r, id)
		return
	}
	if rest != "" && !strings.Contains(rest, "/") {
		s.handleGet(w, r, rest)
		return
	}
	api.WriteNotFound(w, "unknown validation endpoint")
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	item, err := s.queue.Get(r.Context(), id)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, item)
}

type approveRequest struct {
	Edits *validation.Edits `json:"edits,omitempty"`
	Notes string            `json:"notes,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.queue.Approve(r.Context(), id, req.Edits, adminID(r), req.Notes); err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type rejectRequest struct {
	Feedback *validation.Feedback `json:"feedback"`
	Notes    string               `json:"notes,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.queue.Reject(r.Context(), id, req.Feedback, adminID(r), req.Notes); err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type bulkRequest struct {
	ValidationIDs []string             `json:"validationIds"`
	GlobalEdits   *validation.Edits    `json:"globalEdits,omitempty"`
	Feedback      *validation.Feedback `json:"feedback,omitempty"`
	Notes         string               `json:"notes,omitempty"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request, action string) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if len(req.ValidationIDs) == 0 {
		api.WriteBadRequest(w, "validationIds must not be empty")
		return
	}

	var result *validation.BulkResult
	switch action {
	case "approve":
		result = s.queue.BulkApprove(r.Context(), req.ValidationIDs, req.GlobalEdits, adminID(r), req.Notes)
	case "reject":
		result = s.queue.BulkReject(r.Context(), req.ValidationIDs, req.Feedback, adminID(r), req.Notes)
	default:
		api.WriteNotFound(w, "unknown bulk action")
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleValidationStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	stats, err := s.queue.Statistics(r.Context())
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFeedbackCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"categories": validation.FeedbackCategories(),
	})
}

// parseListFilter maps query parameters onto the queue filter. Confidence
// bounds arrive as percentages (0-100) and are converted to [0,1]; values
// already on [0,1] pass through.
func parseListFilter(r *http.Request) (validation.ListFilter, error) {
	q := r.URL.Query()
	filter := validation.ListFilter{
		SupplierID:  q.Get("supplierId"),
		ContentKind: contracts.ContentKind(q.Get("contentKind")),
		Priority:    contracts.Priority(q.Get("priority")),
		Category:    q.Get("category"),
	}

	var err error
	if filter.MinConfidence, err = confidenceParam(q.Get("minConfidence")); err != nil {
		return filter, err
	}
	if filter.MaxConfidence, err = confidenceParam(q.Get("maxConfidence")); err != nil {
		return filter, err
	}
	if v := q.Get("page"); v != "" {
		if filter.Page, err = strconv.Atoi(v); err != nil {
			return filter, contracts.Ef(contracts.KindBadRequest, "invalid page %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			return filter, contracts.Ef(contracts.KindBadRequest, "invalid limit %q", v)
		}
	}
	return filter, nil
}

func confidenceParam(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 100 {
		return nil, contracts.Ef(contracts.KindBadRequest, "invalid confidence bound %q", raw)
	}
	if v > 1 {
		v /= 100
	}
	return &v, nil
}

// decodeBody tolerates an absent body; approve without edits is legal.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return contracts.Wrap(contracts.KindBadRequest, "malformed request body", err)
	}
	return nil
}

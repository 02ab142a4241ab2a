// Package webhook is the public intake surface: it authenticates
// chat-platform deliveries, rate-limits by caller IP, resolves the sending
// supplier, persists the submission, and hands the id to the async pipeline.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Louguiman/tekra-store-sub000/pkg/api"
	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
)

// RequestBudget is the whole-request deadline. An already persisted
// submission survives a budget overrun; only the response degrades.
const RequestBudget = 30 * time.Second

const maxBodyBytes = 1 << 20

// MediaFetcher persists a platform media blob and returns the stored ref.
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaID string) (string, error)
}

// Enqueuer hands a submission id to the async pipeline.
type Enqueuer interface {
	Enqueue(submissionID string) bool
}

// Response is the intake acknowledgement.
type Response struct {
	Success      bool   `json:"success"`
	SubmissionID string `json:"submissionId"`
	ProcessingMs int64  `json:"processingMs"`
	TotalMs      int64  `json:"totalMs"`
}

// Handler serves GET /webhook (verification handshake) and POST /webhook
// (message intake).
type Handler struct {
	secret    string
	productID string // expected phone_number_id; empty accepts any
	limiter   Limiter
	suppliers supplier.Registry
	store     submission.Store
	media     MediaFetcher // nil stores the raw media id as the ref
	enqueue   Enqueuer
	auditLog  audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
}

// NewHandler wires the intake handler.
func NewHandler(secret, productID string, limiter Limiter, suppliers supplier.Registry,
	store submission.Store, media MediaFetcher, enqueue Enqueuer,
	auditLog audit.Logger, logger *slog.Logger) *Handler {
	return &Handler{
		secret:    secret,
		productID: productID,
		limiter:   limiter,
		suppliers: suppliers,
		store:     store,
		media:     media,
		enqueue:   enqueue,
		auditLog:  auditLog,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// Register mounts the webhook routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", h.handleWebhook)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.HandleVerify(w, r)
	case http.MethodPost:
		h.HandleEvent(w, r)
	default:
		api.WriteMethodNotAllowed(w)
	}
}

// HandleVerify answers the subscription handshake: the challenge is echoed
// back once the verify token matches.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.secret {
		api.WriteUnauthorized(w, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// HandleEvent runs the intake steps in order with early exit: rate limit,
// signature, envelope, message, supplier, grouping, persist, dispatch.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	start := h.clock()
	ctx, cancel := context.WithTimeout(r.Context(), RequestBudget)
	defer cancel()

	ip := api.ClientIP(r)
	allowed, retryAfter, err := h.limiter.Allow(ctx, ip)
	if err != nil {
		// A broken counter backend never blocks intake.
		h.logger.Warn("rate limiter unavailable, admitting request", "error", err)
	} else if !allowed {
		api.WriteTooManyRequests(w, retryAfter)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.WriteBadRequest(w, "unreadable request body")
		return
	}

	if !verifySignature(h.secret, body, r.Header.Get(signatureHeader)) {
		_ = h.auditLog.Record(ctx, audit.EventSecurity, ip, audit.ActionAccessDenied, "webhook", map[string]any{
			"reason": "signature verification failed",
		})
		api.WriteUnauthorized(w, "invalid signature")
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		api.WriteBadRequest(w, "malformed envelope")
		return
	}
	msg, value := firstMessage(&env)
	if msg == nil {
		api.WriteBadRequest(w, "no message")
		return
	}
	if h.productID != "" && value.Metadata.PhoneNumberID != h.productID {
		api.WriteBadRequest(w, "unexpected product id")
		return
	}

	sup, err := h.suppliers.FindByPhone(ctx, msg.From)
	if err != nil || !sup.Active {
		_ = h.auditLog.Record(ctx, audit.EventSecurity, msg.From, audit.ActionAccessDenied, "webhook", map[string]any{
			"reason": "unknown or inactive supplier",
		})
		api.WriteUnauthorized(w, "unknown or inactive supplier")
		return
	}
	authenticated := h.clock()

	kind, content, mediaID, ok := contentOf(msg)
	if !ok {
		api.WriteBadRequest(w, "unsupported message type")
		return
	}

	sub := &contracts.Submission{
		ID:                uuid.New().String(),
		SupplierID:        sup.ID,
		ExternalMessageID: msg.ID,
		ContentKind:       kind,
		OriginalContent:   content,
		ExtractionState:   contracts.ExtractionPending,
		ValidationState:   contracts.ValidationPending,
		Metadata:          map[string]any{},
	}

	// Grouping is advisory: the answer rides along in metadata, rows are
	// never merged.
	if prior, err := h.store.GroupProbe(ctx, sup.ID, h.clock()); err != nil {
		h.logger.Warn("group probe failed", "supplier_id", sup.ID, "error", err)
	} else if prior != nil {
		sub.Metadata["grouped_with"] = prior.ID
	}

	if mediaID != "" {
		sub.MediaRef = h.fetchMedia(ctx, sup.ID, mediaID)
		if sub.OriginalContent == "" {
			sub.OriginalContent = mediaID
		}
	}

	if err := h.store.Insert(ctx, sub); err != nil {
		if contracts.IsKind(err, contracts.KindStateConflict) {
			h.respondDuplicate(ctx, w, msg.ID, start, authenticated)
			return
		}
		if ctx.Err() != nil {
			api.WriteRequestTimeout(w, "intake budget exceeded")
			return
		}
		h.logger.Error("persist submission failed", "external_message_id", msg.ID, "error", err)
		api.WriteDomainError(w, err)
		return
	}

	if err := h.suppliers.BumpActivity(ctx, sup.ID); err != nil {
		h.logger.Warn("bump supplier activity failed", "supplier_id", sup.ID, "error", err)
	}
	_ = h.auditLog.Record(ctx, audit.EventMutation, sup.ID, audit.ActionSubmissionNew, sub.ID, map[string]any{
		"content_kind": string(kind),
		"grouped":      sub.Metadata["grouped_with"] != nil,
	})

	h.enqueue.Enqueue(sub.ID)

	if ctx.Err() != nil {
		// Persisted but over budget; the row stands, only the ack degrades.
		api.WriteRequestTimeout(w, "intake budget exceeded")
		return
	}
	now := h.clock()
	api.WriteJSON(w, http.StatusOK, Response{
		Success:      true,
		SubmissionID: sub.ID,
		ProcessingMs: now.Sub(authenticated).Milliseconds(),
		TotalMs:      now.Sub(start).Milliseconds(),
	})
}

// fetchMedia downloads and persists the blob; any failure stores the raw
// media id so extraction can retry resolution later.
func (h *Handler) fetchMedia(ctx context.Context, supplierID, mediaID string) string {
	if h.media == nil {
		return mediaID
	}
	ref, err := h.media.Fetch(ctx, mediaID)
	if err != nil {
		h.logger.Warn("media fetch failed, storing raw id", "media_id", mediaID, "error", err)
		_ = h.auditLog.Record(ctx, audit.EventSystem, supplierID, audit.ActionMediaFallback, mediaID, map[string]any{
			"error": err.Error(),
		})
		return mediaID
	}
	return ref
}

// respondDuplicate resolves the original row for a replayed external
// message id. Replays are acknowledged, never errors.
func (h *Handler) respondDuplicate(ctx context.Context, w http.ResponseWriter, externalID string, start, authenticated time.Time) {
	original, err := h.store.GetByExternalMessageID(ctx, externalID)
	if err != nil {
		h.logger.Error("duplicate lookup failed", "external_message_id", externalID, "error", err)
		api.WriteDomainError(w, err)
		return
	}
	now := h.clock()
	api.WriteJSON(w, http.StatusOK, Response{
		Success:      true,
		SubmissionID: original.ID,
		ProcessingMs: now.Sub(authenticated).Milliseconds(),
		TotalMs:      now.Sub(start).Milliseconds(),
	})
}

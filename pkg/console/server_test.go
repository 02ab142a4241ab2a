package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/config"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/health"
	"github.com/Louguiman/tekra-store-sub000/pkg/integration"
	"github.com/Louguiman/tekra-store-sub000/pkg/retry"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
	"github.com/Louguiman/tekra-store-sub000/pkg/validation"
)

type fixture struct {
	mux        *http.ServeMux
	store      *submission.MemoryStore
	suppliers  *supplier.MemoryRegistry
	sink       *integration.MemorySink
	monitor    *health.Monitor
	auditStore *audit.Store
	alerts     *audit.AlertStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := submission.NewMemoryStore()
	suppliers := supplier.NewMemoryRegistry()
	sink := &integration.MemorySink{}
	engine := retry.NewEngine().WithSleep(func(context.Context, time.Duration) error { return nil })
	auditStore := audit.NewStore()
	auditLog := audit.NewStoreLogger(auditStore)
	alerts := audit.NewAlertStore()
	cfg := &config.Config{WebhookSecret: "s", DatabaseURL: "d"}
	monitor := health.NewMonitor(store, suppliers, engine.Queue(), cfg, nil, auditLog, logger)

	require.NoError(t, suppliers.Put(context.Background(), &contracts.Supplier{
		ID: "sup-1", Phone: "+22370000001", Active: true,
		Metrics: contracts.SupplierMetrics{TotalSubmissions: 5, ApprovedSubmissions: 4},
	}))

	queue := validation.NewQueue(store, suppliers, sink, nil, engine.Queue(), auditLog, logger)
	server := NewServer(queue, monitor, auditStore, alerts, logger)
	mux := http.NewServeMux()
	server.Register(mux)
	return &fixture{
		mux: mux, store: store, suppliers: suppliers, sink: sink,
		monitor: monitor, auditStore: auditStore, alerts: alerts,
	}
}

// seed drives a submission to extraction-Completed with the given product
// confidences and returns its id.
func (f *fixture) seed(t *testing.T, id string, confidences ...float64) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Insert(ctx, &contracts.Submission{
		ID: id, SupplierID: "sup-1", ExternalMessageID: "ext-" + id,
		ContentKind: contracts.ContentText, OriginalContent: "offer",
		ExtractionState: contracts.ExtractionPending,
		ValidationState: contracts.ValidationPending,
	}))
	_, err := f.store.TransitionExtraction(ctx, id, contracts.ExtractionPending, contracts.ExtractionRunning, submission.Patch{})
	require.NoError(t, err)

	products := make([]contracts.ExtractedProduct, len(confidences))
	for i, c := range confidences {
		price := 1000.0
		products[i] = contracts.ExtractedProduct{
			Name: fmt.Sprintf("Product %d", i), Price: &price, Currency: "XOF",
			Quantity: 1, Confidence: c,
		}
	}
	_, err = f.store.TransitionExtraction(ctx, id, contracts.ExtractionRunning, contracts.ExtractionCompleted,
		submission.Patch{Extracted: products})
	require.NoError(t, err)
	return id
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(adminIDHeader, "admin-7")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestListValidations(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9, 0.4)

	rec := f.do(http.MethodGet, "/admin/validations", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var page validation.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "s1-0", page.Items[0].ValidationID, "highest confidence first")
}

func TestListValidationsConfidenceFilterAcceptsPercent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9, 0.4)

	rec := f.do(http.MethodGet, "/admin/validations?minConfidence=80", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var page validation.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, 0.9, page.Items[0].Product.Confidence)

	rec = f.do(http.MethodGet, "/admin/validations?minConfidence=200", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9)

	rec := f.do(http.MethodGet, "/admin/validations/s1-0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var item contracts.ValidationItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "s1", item.SubmissionID)
	assert.Equal(t, contracts.PriorityHigh, item.Priority)

	rec = f.do(http.MethodGet, "/admin/validations/s1-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9)

	rec := f.do(http.MethodPost, "/admin/validations/s1-0/approve",
		`{"edits":{"price":1200},"notes":"looks right"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	sub, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ValidationApproved, sub.ValidationState)
	assert.Equal(t, "admin-7", sub.ValidatedBy)
	require.Len(t, f.sink.Upserts, 1)
	require.NotNil(t, f.sink.Upserts[0].Product.Price)
	assert.Equal(t, 1200.0, *f.sink.Upserts[0].Product.Price)
}

func TestRejectValidationRequiresFeedback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9)

	rec := f.do(http.MethodPost, "/admin/validations/s1-0/reject", `{"notes":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/admin/validations/s1-0/reject",
		`{"feedback":{"category":"extraction_error","subcategory":"wrong_price","description":"price off by 10x","severity":"medium"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ValidationRejected, sub.ValidationState)
}

func TestBulkApprovePartialFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9)

	rec := f.do(http.MethodPost, "/admin/validations/bulk/approve",
		`{"validationIds":["s1-0","ghost-0"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result validation.BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, []string{"s1-0"}, result.Successful)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "ghost-0", result.Failed[0].ID)
}

func TestValidationStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9)
	f.seed(t, "s2", 0.3)

	rec := f.do(http.MethodGet, "/admin/validations/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats validation.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalPending)
	assert.Equal(t, 1, stats.HighPriority)
}

func TestFeedbackCategories(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/admin/validations/feedback/categories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Categories []validation.FeedbackCategory `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Categories, 5)
}

func TestAuditLogsFiltered(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9)
	f.do(http.MethodPost, "/admin/validations/s1-0/approve", "{}")

	rec := f.do(http.MethodGet, "/admin/audit/logs?action=approve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Entries []audit.Entry `json:"entries"`
		Total   int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Total)
	assert.Equal(t, "admin-7", payload.Entries[0].ActorID)
	assert.Equal(t, "s1-0", payload.Entries[0].Resource)
}

func TestAlertsListAndResolve(t *testing.T) {
	f := newFixture(t)
	id := f.alerts.Raise(contracts.SeverityHigh, "media", "sha256 mismatch", nil)

	rec := f.do(http.MethodGet, "/admin/audit/alerts?unresolved=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sha256 mismatch")

	rec = f.do(http.MethodPatch, "/admin/audit/alerts/"+id+"/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/audit/alerts?unresolved=true", "")
	var payload struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Zero(t, payload.Total)

	rec = f.do(http.MethodPatch, "/admin/audit/alerts/ghost/resolve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditStatistics(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", 0.9)
	f.do(http.MethodPost, "/admin/validations/s1-0/approve", "{}")

	rec := f.do(http.MethodGet, "/admin/audit/statistics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats auditStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalEntries)
	assert.True(t, stats.ChainValid)
	assert.Equal(t, 1, stats.ByAction["approve"])
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusHealthy, report.Status)

	rec = f.do(http.MethodGet, "/health/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	f.monitor.RecordCritical(context.Background(), "pipeline", "boom", contracts.SeverityHigh, nil)
	rec = f.do(http.MethodGet, "/health/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")

	rec = f.do(http.MethodGet, "/health/diagnostics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "config_flags")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/admin/validations", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(http.MethodGet, "/admin/validations/bulk/approve", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

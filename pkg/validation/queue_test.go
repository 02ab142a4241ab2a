package validation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/integration"
	"github.com/Louguiman/tekra-store-sub000/pkg/retry"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
)

type fixture struct {
	queue     *Queue
	store     *submission.MemoryStore
	suppliers *supplier.MemoryRegistry
	sink      *integration.MemorySink
	retryq    *retry.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := submission.NewMemoryStore()
	suppliers := supplier.NewMemoryRegistry()
	sink := &integration.MemorySink{}
	engine := retry.NewEngine()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, suppliers.Put(context.Background(), &contracts.Supplier{
		ID: "sup-1", Phone: "+22370000001", Active: true,
		Metrics: contracts.SupplierMetrics{TotalSubmissions: 5, ApprovedSubmissions: 4},
	}))

	q := NewQueue(store, suppliers, sink, nil, engine.Queue(), audit.NewLoggerWithWriter(io.Discard), logger)
	return &fixture{queue: q, store: store, suppliers: suppliers, sink: sink, retryq: engine.Queue()}
}

func (f *fixture) seedSubmission(t *testing.T, id string, confidences ...float64) {
	t.Helper()
	ctx := context.Background()
	sub := &contracts.Submission{
		ID:                id,
		SupplierID:        "sup-1",
		ExternalMessageID: "ext-" + id,
		ContentKind:       contracts.ContentText,
		OriginalContent:   "offer",
		ExtractionState:   contracts.ExtractionPending,
		ValidationState:   contracts.ValidationPending,
	}
	require.NoError(t, f.store.Insert(ctx, sub))

	var products []contracts.ExtractedProduct
	for i, c := range confidences {
		price := 1000.0
		products = append(products, contracts.ExtractedProduct{
			Name: fmt.Sprintf("Product %s-%d", id, i), Price: &price, Currency: "XOF",
			Quantity: 1, Confidence: c,
		})
	}
	_, err := f.store.TransitionExtraction(ctx, id, contracts.ExtractionPending, contracts.ExtractionRunning, submission.Patch{})
	require.NoError(t, err)
	_, err = f.store.TransitionExtraction(ctx, id, contracts.ExtractionRunning, contracts.ExtractionCompleted, submission.Patch{Extracted: products})
	require.NoError(t, err)
}

func TestPriorityFor(t *testing.T) {
	mk := func(confs ...float64) []contracts.ExtractedProduct {
		var out []contracts.ExtractedProduct
		for _, c := range confs {
			out = append(out, contracts.ExtractedProduct{Confidence: c})
		}
		return out
	}
	assert.Equal(t, contracts.PriorityHigh, PriorityFor(mk(0.3, 0.85)))
	assert.Equal(t, contracts.PriorityHigh, PriorityFor(mk(0.80)))
	assert.Equal(t, contracts.PriorityLow, PriorityFor(mk(0.1, 0.49)))
	assert.Equal(t, contracts.PriorityMedium, PriorityFor(mk(0.55, 0.2)))
	assert.Equal(t, contracts.PriorityMedium, PriorityFor(mk(0.79)))
}

func TestParseValidationID(t *testing.T) {
	subID, index, err := ParseValidationID("9f1c2a-0b-3")
	require.NoError(t, err)
	assert.Equal(t, "9f1c2a-0b", subID)
	assert.Equal(t, 3, index)

	for _, bad := range []string{"", "noindex", "abc-", "-1", "abc--2x"} {
		_, _, err := ParseValidationID(bad)
		assert.Error(t, err, bad)
	}
}

func TestListSortsAndPaginates(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "low", 0.2)
	f.seedSubmission(t, "high", 0.9)
	f.seedSubmission(t, "med", 0.6)

	page, err := f.queue.List(context.Background(), ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, contracts.PriorityHigh, page.Items[0].Priority)
	assert.Equal(t, contracts.PriorityMedium, page.Items[1].Priority)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrevious)

	page2, err := f.queue.List(context.Background(), ListFilter{Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page2.Items, 1)
	assert.Equal(t, contracts.PriorityLow, page2.Items[0].Priority)
	assert.False(t, page2.HasNext)
	assert.True(t, page2.HasPrevious)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "a", 0.9)
	f.seedSubmission(t, "b", 0.4)

	min := 0.8
	page, err := f.queue.List(context.Background(), ListFilter{MinConfidence: &min})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a-0", page.Items[0].ValidationID)

	page, err = f.queue.List(context.Background(), ListFilter{Priority: contracts.PriorityLow})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b-0", page.Items[0].ValidationID)
}

func TestRelatedItemsCrossLinked(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "multi", 0.6, 0.7, 0.3)

	item, err := f.queue.Get(context.Background(), "multi-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"multi-0", "multi-2"}, item.Related)
	assert.Equal(t, 1, item.ProductIndex)
}

func TestGetUnknownIndexIs404(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "solo", 0.6)

	_, err := f.queue.Get(context.Background(), "solo-5")
	require.Error(t, err)
	assert.Equal(t, contracts.KindNotFound, contracts.KindOf(err))

	_, err = f.queue.Get(context.Background(), "missing-0")
	require.Error(t, err)
	assert.Equal(t, contracts.KindNotFound, contracts.KindOf(err))
}

func TestApproveHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "s1", 0.75)

	newPrice := 2500.0
	err := f.queue.Approve(context.Background(), "s1-0", &Edits{Price: &newPrice}, "admin-7", "looks good")
	require.NoError(t, err)

	sub, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ValidationApproved, sub.ValidationState)
	assert.Equal(t, "admin-7", sub.ValidatedBy)
	require.NotNil(t, sub.Extracted[0].Price)
	assert.InDelta(t, 2500, *sub.Extracted[0].Price, 0.01)

	require.Len(t, f.sink.Upserts, 1)
	assert.Equal(t, "s1", f.sink.Upserts[0].SubmissionID)

	s, err := f.suppliers.Get(context.Background(), "sup-1")
	require.NoError(t, err)
	assert.Equal(t, 5, s.Metrics.ApprovedSubmissions)
}

func TestApproveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "s1", 0.75)

	require.NoError(t, f.queue.Approve(context.Background(), "s1-0", nil, "admin", ""))
	require.NoError(t, f.queue.Approve(context.Background(), "s1-0", nil, "admin", ""))
	assert.Len(t, f.sink.Upserts, 1)
}

func TestApproveSinkFailureQueuesRetry(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "s1", 0.75)
	f.sink.Fail = contracts.E(contracts.KindTransient, "catalogue down")

	require.NoError(t, f.queue.Approve(context.Background(), "s1-0", nil, "admin", ""))

	sub, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ValidationApproved, sub.ValidationState)

	stats := f.retryq.Statistics()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByKind[contracts.OpIntegration])
}

func TestRejectRequiresValidFeedback(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "s1", 0.75)
	ctx := context.Background()

	err := f.queue.Reject(ctx, "s1-0", nil, "admin", "")
	assert.Equal(t, contracts.KindBadRequest, contracts.KindOf(err))

	err = f.queue.Reject(ctx, "s1-0", &Feedback{
		Category: "bogus", Subcategory: "x", Description: "d", Severity: contracts.SeverityLow,
	}, "admin", "")
	assert.Equal(t, contracts.KindBadRequest, contracts.KindOf(err))

	err = f.queue.Reject(ctx, "s1-0", &Feedback{
		Category: "extraction_error", Subcategory: "wrong_price",
		Description: "price off by 10x", Severity: contracts.SeverityMedium,
	}, "admin", "double-checked")
	require.NoError(t, err)

	sub, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ValidationRejected, sub.ValidationState)
	assert.Contains(t, sub.ValidationNotes, "extraction_error/wrong_price")
	assert.Contains(t, sub.ValidationNotes, "double-checked")
}

func TestRejectAfterApproveConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "s1", 0.75)
	ctx := context.Background()

	require.NoError(t, f.queue.Approve(ctx, "s1-0", nil, "admin", ""))
	err := f.queue.Reject(ctx, "s1-0", &Feedback{
		Category: "poor_quality", Subcategory: "blurry_image",
		Description: "n/a", Severity: contracts.SeverityLow,
	}, "admin", "")
	assert.Equal(t, contracts.KindStateConflict, contracts.KindOf(err))
}

func TestBulkIsolation(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "ok1", 0.75)
	f.seedSubmission(t, "ok2", 0.6)

	result := f.queue.BulkApprove(context.Background(),
		[]string{"ok1-0", "missing-0", "ok2-0"}, nil, "admin", "")

	assert.Equal(t, 3, result.TotalProcessed)
	assert.Len(t, result.Successful, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "missing-0", result.Failed[0].ID)
	assert.Equal(t, len(result.Successful)+len(result.Failed), result.TotalProcessed)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	f.seedSubmission(t, "h", 0.9)
	f.seedSubmission(t, "l", 0.2)
	f.seedSubmission(t, "done", 0.75)
	require.NoError(t, f.queue.Approve(context.Background(), "done-0", nil, "admin", ""))

	stats, err := f.queue.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalPending)
	assert.Equal(t, 1, stats.HighPriority)
	assert.Equal(t, 1, stats.TotalApproved)
	assert.InDelta(t, 1.0, stats.ApprovalRate, 0.001)
}

func TestFeedbackCategoriesClosedSet(t *testing.T) {
	cats := FeedbackCategories()
	require.Len(t, cats, 5)
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.Category)
		assert.NotEmpty(t, c.Subcategories)
	}
	assert.ElementsMatch(t, []string{
		"extraction_error", "poor_quality", "duplicate_product", "invalid_content", "policy_violation",
	}, names)
}

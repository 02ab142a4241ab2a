// Package validation exposes extraction results awaiting a human decision:
// the admin-facing queue with priority ordering, approve/reject operations,
// bulk variants, and the closed feedback taxonomy.
//
// Items are derived from submissions at product granularity: one
// ValidationItem per extracted product, keyed "<submissionId>-<index>".
// Pagination counts items, not submissions.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/duplicate"
	"github.com/Louguiman/tekra-store-sub000/pkg/integration"
	"github.com/Louguiman/tekra-store-sub000/pkg/retry"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Queue serves the admin validation workflow over the submission store.
type Queue struct {
	store     submission.Store
	suppliers supplier.Registry
	sink      integration.IntegrationSink
	notifier  integration.Notifier
	retryq    *retry.Queue
	detector  *duplicate.Detector // optional; enriches Get with suggestions
	auditLog  audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
}

// NewQueue wires the validation queue. notifier and detector may be nil.
func NewQueue(store submission.Store, suppliers supplier.Registry, sink integration.IntegrationSink,
	notifier integration.Notifier, retryq *retry.Queue, auditLog audit.Logger, logger *slog.Logger) *Queue {
	if notifier == nil {
		notifier = integration.NopNotifier{}
	}
	return &Queue{
		store:     store,
		suppliers: suppliers,
		sink:      sink,
		notifier:  notifier,
		retryq:    retryq,
		auditLog:  auditLog,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithDetector enables duplicate suggestions on single-item reads.
func (q *Queue) WithDetector(d *duplicate.Detector) *Queue {
	q.detector = d
	return q
}

// WithClock overrides the time source, for tests.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// ListFilter narrows the queue listing. Confidence bounds are on [0,1];
// the HTTP layer converts percent inputs before calling.
type ListFilter struct {
	SupplierID    string
	ContentKind   contracts.ContentKind
	Priority      contracts.Priority
	Category      string
	MinConfidence *float64
	MaxConfidence *float64
	Page          int
	Limit         int
}

// Page is one page of validation items.
type Page struct {
	Items       []contracts.ValidationItem `json:"items"`
	Total       int                        `json:"total"`
	Page        int                        `json:"page"`
	Limit       int                        `json:"limit"`
	HasNext     bool                       `json:"has_next"`
	HasPrevious bool                       `json:"has_previous"`
}

// List returns pending validation items, filtered and sorted by priority
// desc, confidence desc, createdAt asc. Total counts filtered items.
func (q *Queue) List(ctx context.Context, filter ListFilter) (*Page, error) {
	subs, err := q.store.ListAwaitingValidation(ctx, 0)
	if err != nil {
		return nil, err
	}

	var items []contracts.ValidationItem
	for _, sub := range subs {
		for _, item := range itemsFor(sub) {
			if filter.matches(&item) {
				items = append(items, item)
			}
		}
	}
	sortItems(items)

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	total := len(items)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &Page{
		Items:       items[start:end],
		Total:       total,
		Page:        page,
		Limit:       limit,
		HasNext:     end < total,
		HasPrevious: page > 1,
	}, nil
}

// Get resolves one validation item by its "<submissionId>-<index>" id.
func (q *Queue) Get(ctx context.Context, validationID string) (*contracts.ValidationItem, error) {
	sub, index, err := q.resolve(ctx, validationID)
	if err != nil {
		return nil, err
	}
	items := itemsFor(sub)
	item := items[index]

	if q.detector != nil {
		matches, derr := q.detector.FindMatches(ctx, &item.Product)
		if derr != nil {
			q.logger.Warn("duplicate lookup failed", "validation_id", validationID, "error", derr)
		} else {
			item.Suggested = duplicate.Suggest(matches)
		}
	}
	return &item, nil
}

// resolve parses a validationId and loads its submission, requiring
// completed extraction and a valid product index.
func (q *Queue) resolve(ctx context.Context, validationID string) (*contracts.Submission, int, error) {
	subID, index, err := ParseValidationID(validationID)
	if err != nil {
		return nil, 0, err
	}
	sub, err := q.store.Get(ctx, subID)
	if err != nil {
		return nil, 0, err
	}
	if sub.ExtractionState != contracts.ExtractionCompleted {
		return nil, 0, contracts.Ef(contracts.KindNotFound, "validation %s: extraction not completed", validationID)
	}
	if index < 0 || index >= len(sub.Extracted) {
		return nil, 0, contracts.Ef(contracts.KindNotFound, "validation %s: no product at index %d", validationID, index)
	}
	return sub, index, nil
}

// ParseValidationID splits "<submissionId>-<productIndex>". Submission ids
// contain hyphens, so the index is everything after the last one.
func ParseValidationID(validationID string) (submissionID string, index int, err error) {
	cut := strings.LastIndex(validationID, "-")
	if cut <= 0 || cut == len(validationID)-1 {
		return "", 0, contracts.Ef(contracts.KindBadRequest, "malformed validation id %q", validationID)
	}
	index, err = strconv.Atoi(validationID[cut+1:])
	if err != nil || index < 0 {
		return "", 0, contracts.Ef(contracts.KindBadRequest, "malformed validation id %q", validationID)
	}
	return validationID[:cut], index, nil
}

// itemsFor expands a submission into per-product validation items. The
// priority is submission-level: high when any product is confident enough,
// low when none are.
func itemsFor(sub *contracts.Submission) []contracts.ValidationItem {
	priority := PriorityFor(sub.Extracted)
	items := make([]contracts.ValidationItem, 0, len(sub.Extracted))
	for i, p := range sub.Extracted {
		item := contracts.ValidationItem{
			ValidationID: fmt.Sprintf("%s-%d", sub.ID, i),
			SubmissionID: sub.ID,
			ProductIndex: i,
			SupplierID:   sub.SupplierID,
			ContentKind:  sub.ContentKind,
			Product:      p,
			Priority:     priority,
			CreatedAt:    sub.CreatedAt,
		}
		for j := range sub.Extracted {
			if j != i {
				item.Related = append(item.Related, fmt.Sprintf("%s-%d", sub.ID, j))
			}
		}
		items = append(items, item)
	}
	return items
}

// PriorityFor ranks a product set: high when any product has confidence at
// or above 0.80, low when all are below 0.50, medium otherwise.
func PriorityFor(products []contracts.ExtractedProduct) contracts.Priority {
	anyHigh := false
	allLow := len(products) > 0
	for _, p := range products {
		if p.Confidence >= 0.80 {
			anyHigh = true
		}
		if p.Confidence >= 0.50 {
			allLow = false
		}
	}
	switch {
	case anyHigh:
		return contracts.PriorityHigh
	case allLow:
		return contracts.PriorityLow
	default:
		return contracts.PriorityMedium
	}
}

func (f *ListFilter) matches(item *contracts.ValidationItem) bool {
	if f.SupplierID != "" && item.SupplierID != f.SupplierID {
		return false
	}
	if f.ContentKind != "" && item.ContentKind != f.ContentKind {
		return false
	}
	if f.Priority != "" && item.Priority != f.Priority {
		return false
	}
	if f.Category != "" && !strings.EqualFold(item.Product.Category, f.Category) {
		return false
	}
	if f.MinConfidence != nil && item.Product.Confidence < *f.MinConfidence {
		return false
	}
	if f.MaxConfidence != nil && item.Product.Confidence > *f.MaxConfidence {
		return false
	}
	return true
}

var priorityRank = map[contracts.Priority]int{
	contracts.PriorityHigh:   3,
	contracts.PriorityMedium: 2,
	contracts.PriorityLow:    1,
}

func sortItems(items []contracts.ValidationItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if a, b := priorityRank[items[i].Priority], priorityRank[items[j].Priority]; a != b {
			return a > b
		}
		if items[i].Product.Confidence != items[j].Product.Confidence {
			return items[i].Product.Confidence > items[j].Product.Confidence
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

// Stats summarizes the queue for the admin dashboard.
type Stats struct {
	TotalPending  int                        `json:"total_pending"`
	HighPriority  int                        `json:"high_priority"`
	ByPriority    map[contracts.Priority]int `json:"by_priority"`
	TotalApproved int                        `json:"total_approved"`
	TotalRejected int                        `json:"total_rejected"`
	ApprovalRate  float64                    `json:"approval_rate"`
}

// Statistics counts pending items by priority and folds in decided
// submission totals.
func (q *Queue) Statistics(ctx context.Context) (*Stats, error) {
	subs, err := q.store.ListAwaitingValidation(ctx, 0)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByPriority: make(map[contracts.Priority]int)}
	for _, sub := range subs {
		priority := PriorityFor(sub.Extracted)
		n := len(sub.Extracted)
		stats.TotalPending += n
		stats.ByPriority[priority] += n
		if priority == contracts.PriorityHigh {
			stats.HighPriority += n
		}
	}

	counts, err := q.store.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalApproved = counts.ValidationApproved
	stats.TotalRejected = counts.ValidationRejected
	if decided := counts.ValidationApproved + counts.ValidationRejected; decided > 0 {
		stats.ApprovalRate = float64(counts.ValidationApproved) / float64(decided)
	}
	return stats, nil
}

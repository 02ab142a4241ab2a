package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
)

// Edits are admin corrections merged into a product before approval. Nil
// fields keep the extracted value.
type Edits struct {
	Name      *string           `json:"name,omitempty"`
	Brand     *string           `json:"brand,omitempty"`
	Category  *string           `json:"category,omitempty"`
	Condition *string           `json:"condition,omitempty"`
	Grade     *string           `json:"grade,omitempty"`
	Price     *float64          `json:"price,omitempty"`
	Currency  *string           `json:"currency,omitempty"`
	Quantity  *int              `json:"quantity,omitempty"`
	Specs     map[string]string `json:"specs,omitempty"`
}

func (e *Edits) apply(p *contracts.ExtractedProduct) {
	if e == nil {
		return
	}
	if e.Name != nil && *e.Name != "" {
		p.Name = *e.Name
	}
	if e.Brand != nil {
		p.Brand = *e.Brand
	}
	if e.Category != nil {
		p.Category = *e.Category
	}
	if e.Condition != nil {
		p.Condition = *e.Condition
	}
	if e.Grade != nil {
		p.Grade = *e.Grade
	}
	if e.Price != nil && *e.Price >= 0 {
		v := *e.Price
		p.Price = &v
	}
	if e.Currency != nil {
		p.Currency = strings.ToUpper(*e.Currency)
	}
	if e.Quantity != nil && *e.Quantity >= 1 {
		p.Quantity = *e.Quantity
	}
	for k, v := range e.Specs {
		if p.Specs == nil {
			p.Specs = map[string]string{}
		}
		p.Specs[k] = v
	}
}

// Approve merges edits into the product at the validation id's index, moves
// the submission to Approved, and pushes the product to the integration
// sink. A submission already Approved returns success without touching the
// sink again. Sink failure does not undo the approval; it is queued for
// retry as an integration operation.
func (q *Queue) Approve(ctx context.Context, validationID string, edits *Edits, adminID, notes string) error {
	sub, index, err := q.resolve(ctx, validationID)
	if err != nil {
		return err
	}

	switch sub.ValidationState {
	case contracts.ValidationApproved:
		return nil // idempotent
	case contracts.ValidationRejected:
		return contracts.Ef(contracts.KindStateConflict, "validation %s already rejected", validationID)
	}

	products := append([]contracts.ExtractedProduct(nil), sub.Extracted...)
	edits.apply(&products[index])

	_, err = q.store.TransitionValidation(ctx, sub.ID,
		contracts.ValidationPending, contracts.ValidationApproved,
		submission.Patch{Extracted: products, ValidatedBy: adminID, ValidationNotes: notes})
	if err != nil {
		if contracts.IsKind(err, contracts.KindStateConflict) {
			// Lost the race; a concurrent approval is success for us.
			if cur, gerr := q.store.Get(ctx, sub.ID); gerr == nil && cur.ValidationState == contracts.ValidationApproved {
				return nil
			}
		}
		return err
	}

	if rerr := q.suppliers.RecordOutcome(ctx, sub.SupplierID, true, products[index].Confidence, 0); rerr != nil {
		q.logger.Warn("record approval outcome failed", "supplier_id", sub.SupplierID, "error", rerr)
	}
	_ = q.auditLog.Record(ctx, audit.EventMutation, adminID, audit.ActionApprove, validationID, map[string]any{
		"submission_id": sub.ID,
		"product_index": index,
		"product_name":  products[index].Name,
	})

	if _, serr := q.sink.UpsertProduct(ctx, &products[index], sub.SupplierID, sub.ID); serr != nil {
		q.logger.Error("integration sink failed after approval",
			"validation_id", validationID, "error", serr)
		q.retryq.EnqueueFailed(contracts.OpIntegration, sub.ID, serr, map[string]any{
			"validation_id": validationID,
			"product_index": index,
		})
	}
	return nil
}

// Reject validates feedback against the closed taxonomy, moves the
// submission to Rejected, and notifies the supplier best-effort.
func (q *Queue) Reject(ctx context.Context, validationID string, feedback *Feedback, adminID, notes string) error {
	if feedback == nil {
		return contracts.E(contracts.KindBadRequest, "rejection requires feedback")
	}
	if err := feedback.Validate(); err != nil {
		return err
	}

	sub, index, err := q.resolve(ctx, validationID)
	if err != nil {
		return err
	}
	switch sub.ValidationState {
	case contracts.ValidationRejected:
		return nil // idempotent
	case contracts.ValidationApproved:
		return contracts.Ef(contracts.KindStateConflict, "validation %s already approved", validationID)
	}

	fullNotes := fmt.Sprintf("%s/%s: %s", feedback.Category, feedback.Subcategory, feedback.Description)
	if notes != "" {
		fullNotes += " | " + notes
	}

	if _, err := q.store.TransitionValidation(ctx, sub.ID,
		contracts.ValidationPending, contracts.ValidationRejected,
		submission.Patch{ValidatedBy: adminID, ValidationNotes: fullNotes}); err != nil {
		return err
	}

	if rerr := q.suppliers.RecordOutcome(ctx, sub.SupplierID, false, sub.Extracted[index].Confidence, 0); rerr != nil {
		q.logger.Warn("record rejection outcome failed", "supplier_id", sub.SupplierID, "error", rerr)
	}
	_ = q.auditLog.Record(ctx, audit.EventMutation, adminID, audit.ActionReject, validationID, map[string]any{
		"submission_id": sub.ID,
		"category":      feedback.Category,
		"subcategory":   feedback.Subcategory,
		"severity":      feedback.Severity,
	})

	if nerr := q.notifier.Send(ctx, "supplier", sub.SupplierID, map[string]any{
		"event":         "submission_rejected",
		"submission_id": sub.ID,
		"category":      feedback.Category,
		"description":   feedback.Description,
	}); nerr != nil {
		q.logger.Warn("rejection notification failed", "supplier_id", sub.SupplierID, "error", nerr)
	}
	return nil
}

// BulkFailure names one item that failed inside a bulk call.
type BulkFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult reports a per-item best-effort outcome:
// len(Successful) + len(Failed) == TotalProcessed.
type BulkResult struct {
	Successful     []string      `json:"successful"`
	Failed         []BulkFailure `json:"failed"`
	TotalProcessed int           `json:"total_processed"`
}

// BulkApprove approves each id independently; one failing id never aborts
// the rest.
func (q *Queue) BulkApprove(ctx context.Context, validationIDs []string, globalEdits *Edits, adminID, notes string) *BulkResult {
	result := &BulkResult{TotalProcessed: len(validationIDs)}
	for _, id := range validationIDs {
		if err := q.Approve(ctx, id, globalEdits, adminID, notes); err != nil {
			result.Failed = append(result.Failed, BulkFailure{ID: id, Reason: err.Error()})
			continue
		}
		result.Successful = append(result.Successful, id)
	}
	return result
}

// BulkReject rejects each id independently with shared feedback.
func (q *Queue) BulkReject(ctx context.Context, validationIDs []string, feedback *Feedback, adminID, notes string) *BulkResult {
	result := &BulkResult{TotalProcessed: len(validationIDs)}
	for _, id := range validationIDs {
		if err := q.Reject(ctx, id, feedback, adminID, notes); err != nil {
			result.Failed = append(result.Failed, BulkFailure{ID: id, Reason: err.Error()})
			continue
		}
		result.Successful = append(result.Successful, id)
	}
	return result
}

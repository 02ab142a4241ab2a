// Package pipeline drives accepted submissions through extraction,
// auto-approval, and integration. Human decisions stay in the validation
// queue; this package only moves submissions toward it or past it.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/extraction"
	"github.com/Louguiman/tekra-store-sub000/pkg/health"
	"github.com/Louguiman/tekra-store-sub000/pkg/integration"
	"github.com/Louguiman/tekra-store-sub000/pkg/retry"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
)

// AutoApprovalActor is the recorded validator for policy approvals.
const AutoApprovalActor = "system-auto-approval"

// Orchestrator processes one submission end to end.
type Orchestrator struct {
	store     submission.Store
	suppliers supplier.Registry
	extractor *extraction.Extractor
	policy    *AutoApprovalPolicy
	sink      integration.IntegrationSink
	engine    *retry.Engine
	monitor   *health.Monitor
	auditLog  audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
}

// NewOrchestrator wires the pipeline driver.
func NewOrchestrator(store submission.Store, suppliers supplier.Registry, extractor *extraction.Extractor,
	policy *AutoApprovalPolicy, sink integration.IntegrationSink, engine *retry.Engine,
	monitor *health.Monitor, auditLog audit.Logger, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		suppliers: suppliers,
		extractor: extractor,
		policy:    policy,
		sink:      sink,
		engine:    engine,
		monitor:   monitor,
		auditLog:  auditLog,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Process drives a single submission. It is safe to call concurrently for
// different submissions; concurrent calls for the same submission are
// serialized by the store's CAS transitions.
func (o *Orchestrator) Process(ctx context.Context, submissionID string) error {
	sub, err := o.store.Get(ctx, submissionID)
	if err != nil {
		_ = o.auditLog.Record(ctx, audit.EventSystem, "pipeline", audit.ActionSubmissionGone, submissionID, nil)
		return err
	}

	if sub.ExtractionState == contracts.ExtractionPending {
		sub, err = o.runExtraction(ctx, sub)
		if err != nil {
			return err
		}
	}
	if sub.ExtractionState != contracts.ExtractionCompleted {
		// Running elsewhere or failed; nothing further to drive.
		return nil
	}
	if sub.ValidationState != contracts.ValidationPending {
		return nil
	}

	if len(sub.Extracted) == 0 {
		_, err := o.store.TransitionValidation(ctx, sub.ID,
			contracts.ValidationPending, contracts.ValidationRejected,
			submission.Patch{ValidatedBy: "system", ValidationNotes: "no_extracted_products"})
		return err
	}

	return o.tryAutoApproval(ctx, sub)
}

// runExtraction CAS-moves the submission through Running and invokes the
// extractor under the retry engine. Unparseable input completes with an
// empty product list so the rejection path can close the submission.
func (o *Orchestrator) runExtraction(ctx context.Context, sub *contracts.Submission) (*contracts.Submission, error) {
	started := o.clock()

	if _, err := o.store.TransitionExtraction(ctx, sub.ID,
		contracts.ExtractionPending, contracts.ExtractionRunning, submission.Patch{}); err != nil {
		if contracts.IsKind(err, contracts.KindStateConflict) {
			// Another worker took it.
			return o.store.Get(ctx, sub.ID)
		}
		return nil, err
	}

	var products []contracts.ExtractedProduct
	result := o.engine.Execute(ctx, "extraction", retry.DefaultConfig(), func(ctx context.Context) error {
		var exErr error
		products, exErr = o.extractor.Extract(ctx, sub.OriginalContent, sub.ContentKind)
		return exErr
	})

	elapsed := o.clock().Sub(started).Milliseconds()
	switch {
	case result.OK:
		updated, err := o.store.TransitionExtraction(ctx, sub.ID,
			contracts.ExtractionRunning, contracts.ExtractionCompleted,
			submission.Patch{Extracted: products})
		if err != nil {
			return nil, err
		}
		o.logProcessing(ctx, sub.ID, "extraction", elapsed, true, "")
		return updated, nil

	case contracts.IsKind(result.Err, contracts.KindBadRequest):
		// Nothing extractable; complete empty and let Process reject it.
		updated, err := o.store.TransitionExtraction(ctx, sub.ID,
			contracts.ExtractionRunning, contracts.ExtractionCompleted,
			submission.Patch{Extracted: []contracts.ExtractedProduct{}})
		if err != nil {
			return nil, err
		}
		o.logProcessing(ctx, sub.ID, "extraction", elapsed, false, "unparseable input")
		return updated, nil

	default:
		if _, err := o.store.TransitionExtraction(ctx, sub.ID,
			contracts.ExtractionRunning, contracts.ExtractionFailed, submission.Patch{}); err != nil {
			o.logger.Error("mark extraction failed", "submission_id", sub.ID, "error", err)
		}
		o.logProcessing(ctx, sub.ID, "extraction", elapsed, false, result.Err.Error())
		o.monitor.RecordCritical(ctx, "extraction",
			"extraction retries exhausted", contracts.SeverityHigh, map[string]any{
				"submission_id": sub.ID,
				"attempts":      result.Attempts,
				"error":         result.Err.Error(),
			})
		return nil, result.Err
	}
}

// tryAutoApproval evaluates the trust policy and, when eligible, pushes
// every product to the sink before a single CAS to Approved. A sink failure
// leaves validation Pending; approval is all-or-nothing.
func (o *Orchestrator) tryAutoApproval(ctx context.Context, sub *contracts.Submission) error {
	sup, err := o.suppliers.Get(ctx, sub.SupplierID)
	if err != nil {
		return err
	}

	decision := o.policy.Evaluate(sup, sub.Extracted)
	o.logger.Info("auto-approval evaluated",
		"submission_id", sub.ID, "eligible", decision.Eligible, "reason", decision.Reason)
	if !decision.Eligible {
		// Stays Pending; the validation queue picks it up.
		return nil
	}

	started := o.clock()
	for i := range sub.Extracted {
		if _, serr := o.sink.UpsertProduct(ctx, &sub.Extracted[i], sub.SupplierID, sub.ID); serr != nil {
			o.engine.Queue().EnqueueFailed(contracts.OpIntegration, sub.ID, serr, map[string]any{
				"product_index": i,
				"auto_approval": true,
			})
			o.monitor.RecordCritical(ctx, "integration",
				"sink failed during auto-approval", contracts.SeverityHigh, map[string]any{
					"submission_id": sub.ID,
					"product_index": i,
					"error":         serr.Error(),
				})
			o.logProcessing(ctx, sub.ID, "auto_approval", o.clock().Sub(started).Milliseconds(), false, serr.Error())
			return serr
		}
	}

	if _, err := o.store.TransitionValidation(ctx, sub.ID,
		contracts.ValidationPending, contracts.ValidationApproved,
		submission.Patch{ValidatedBy: AutoApprovalActor, ValidationNotes: decision.Reason}); err != nil {
		return err
	}

	avg := 0.0
	for _, p := range sub.Extracted {
		avg += p.Confidence
	}
	avg /= float64(len(sub.Extracted))
	if rerr := o.suppliers.RecordOutcome(ctx, sub.SupplierID, true, avg, o.clock().Sub(started).Milliseconds()); rerr != nil {
		o.logger.Warn("record auto-approval outcome failed", "supplier_id", sub.SupplierID, "error", rerr)
	}

	_ = o.auditLog.Record(ctx, audit.EventMutation, AutoApprovalActor, audit.ActionAutoApprove, sub.ID, map[string]any{
		"supplier_id": sub.SupplierID,
		"products":    len(sub.Extracted),
		"reason":      decision.Reason,
	})
	o.logProcessing(ctx, sub.ID, "auto_approval", o.clock().Sub(started).Milliseconds(), true, "")
	return nil
}

func (o *Orchestrator) logProcessing(ctx context.Context, submissionID, stage string, durationMs int64, ok bool, detail string) {
	if err := o.store.AppendProcessing(ctx, submission.ProcessingEntry{
		SubmissionID: submissionID,
		Stage:        stage,
		DurationMs:   durationMs,
		OK:           ok,
		Detail:       detail,
		At:           o.clock().UTC(),
	}); err != nil {
		o.logger.Warn("append processing log failed", "submission_id", submissionID, "error", err)
	}
}

// Package submission owns Submission rows: persistence, linearized state
// transitions, and the per-supplier grouping window. All writes go through
// this package so the state-model invariants hold everywhere else for free.
package submission

import (
	"context"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// GroupingWindow is the interval within which successive messages from the
// same supplier are considered related for batching and statistics.
const GroupingWindow = 5 * time.Minute

// StuckThreshold marks a Running submission as stuck.
const StuckThreshold = time.Hour

// Patch carries the fields a transition may set alongside the state change.
type Patch struct {
	Extracted       []contracts.ExtractedProduct
	ValidatedBy     string
	ValidationNotes string
}

// StateCounts are per-state submission counters for the health monitor.
type StateCounts struct {
	ExtractionPending   int `json:"extraction_pending"`
	ExtractionRunning   int `json:"extraction_running"`
	ExtractionCompleted int `json:"extraction_completed"`
	ExtractionFailed    int `json:"extraction_failed"`
	ValidationPending   int `json:"validation_pending"`
	ValidationApproved  int `json:"validation_approved"`
	ValidationRejected  int `json:"validation_rejected"`
}

// ProcessingEntry is one stage timing recorded by the orchestrator.
type ProcessingEntry struct {
	SubmissionID string    `json:"submission_id"`
	Stage        string    `json:"stage"`
	DurationMs   int64     `json:"duration_ms"`
	OK           bool      `json:"ok"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Store is the submission persistence contract. Implementations must
// linearize state transitions (CAS on the state pair) and enforce the
// Submission invariants on every write.
type Store interface {
	// Insert persists a new submission. A duplicate ExternalMessageID
	// fails with KindStateConflict; callers resolve the original via
	// GetByExternalMessageID.
	Insert(ctx context.Context, s *contracts.Submission) error

	Get(ctx context.Context, id string) (*contracts.Submission, error)
	GetByExternalMessageID(ctx context.Context, externalID string) (*contracts.Submission, error)

	// ListPending returns extraction-Pending submissions, createdAt asc,
	// bounded by limit.
	ListPending(ctx context.Context, limit int) ([]*contracts.Submission, error)

	// ListStuck returns Running submissions not updated since olderThan.
	ListStuck(ctx context.Context, olderThan time.Time) ([]*contracts.Submission, error)

	// ListAwaitingValidation returns extraction-Completed, validation-Pending
	// submissions, createdAt asc. A limit <= 0 means unbounded.
	ListAwaitingValidation(ctx context.Context, limit int) ([]*contracts.Submission, error)

	// CountStaleValidations counts validation-Pending submissions whose
	// extraction completed before the cutoff.
	CountStaleValidations(ctx context.Context, olderThan time.Time) (int, error)

	// TransitionExtraction CAS-moves the extraction state. A mismatch on
	// the current state returns KindStateConflict; an illegal from→to pair
	// returns KindInvariant.
	TransitionExtraction(ctx context.Context, id string, from, to contracts.ExtractionState, patch Patch) (*contracts.Submission, error)

	// TransitionValidation CAS-moves the validation state.
	TransitionValidation(ctx context.Context, id string, from, to contracts.ValidationState, patch Patch) (*contracts.Submission, error)

	// GroupProbe returns the most recent Pending submission for the
	// supplier with createdAt in (at-GroupingWindow, at], or nil.
	GroupProbe(ctx context.Context, supplierID string, at time.Time) (*contracts.Submission, error)

	Metrics(ctx context.Context) (StateCounts, error)

	// AppendProcessing records a stage timing; best-effort.
	AppendProcessing(ctx context.Context, entry ProcessingEntry) error
	ListProcessing(ctx context.Context, submissionID string) ([]ProcessingEntry, error)
}

// legalExtraction lists the allowed extraction transitions.
func legalExtraction(from, to contracts.ExtractionState) bool {
	switch {
	case from == contracts.ExtractionPending && to == contracts.ExtractionRunning:
		return true
	case from == contracts.ExtractionRunning && to == contracts.ExtractionCompleted:
		return true
	case from == contracts.ExtractionRunning && to == contracts.ExtractionFailed:
		return true
	case from == contracts.ExtractionFailed && to == contracts.ExtractionPending:
		return true
	}
	return false
}

// legalValidation lists the allowed validation transitions.
func legalValidation(from, to contracts.ValidationState) bool {
	return from == contracts.ValidationPending &&
		(to == contracts.ValidationApproved || to == contracts.ValidationRejected)
}

// Package contracts defines the shared domain model for the supplier-intake
// pipeline: suppliers, submissions, extracted products, validation items,
// failed operations, and critical errors. Stores own the rows; everything
// else holds id references.
package contracts

import "time"

// ContentKind classifies the inbound message payload.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentPDF   ContentKind = "pdf"
	ContentVoice ContentKind = "voice"
)

// ExtractionState is the extraction half of the submission state machine.
type ExtractionState string

const (
	ExtractionPending   ExtractionState = "pending"
	ExtractionRunning   ExtractionState = "running"
	ExtractionCompleted ExtractionState = "completed"
	ExtractionFailed    ExtractionState = "failed"
)

// ValidationState is the validation half of the submission state machine.
type ValidationState string

const (
	ValidationPending  ValidationState = "pending"
	ValidationApproved ValidationState = "approved"
	ValidationRejected ValidationState = "rejected"
)

// SupplierMetrics tracks rolling supplier performance.
// Invariant: ApprovedSubmissions <= TotalSubmissions.
type SupplierMetrics struct {
	TotalSubmissions    int        `json:"total_submissions"`
	ApprovedSubmissions int        `json:"approved_submissions"`
	AvgConfidence       float64    `json:"avg_confidence"`
	LastSubmissionAt    *time.Time `json:"last_submission_at,omitempty"`
	QualityRating       float64    `json:"quality_rating"` // [1,5]
}

// Supplier is a registered sender identity keyed by E.164 phone.
type Supplier struct {
	ID        string          `json:"supplier_id"`
	Phone     string          `json:"phone"`
	Name      string          `json:"name,omitempty"`
	Active    bool            `json:"active"`
	Metrics   SupplierMetrics `json:"metrics"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ExtractionMeta carries provenance for an extracted product.
type ExtractionMeta struct {
	SourceKind      ContentKind `json:"source_kind"`
	ProcessingMs    int64       `json:"processing_ms"`
	ExtractorID     string      `json:"extractor_id"`
	ExtractedFields []string    `json:"extracted_fields"`
	FallbackUsed    bool        `json:"fallback_used"`
}

// ExtractedProduct is one structured product pulled out of a submission.
// Name is the only required field. Confidence is always on [0,1].
type ExtractedProduct struct {
	Name       string            `json:"name"`
	Brand      string            `json:"brand,omitempty"`
	Category   string            `json:"category,omitempty"`
	Condition  string            `json:"condition,omitempty"` // new, used, refurbished, ...
	Grade      string            `json:"grade,omitempty"`     // A, B, C, D
	Price      *float64          `json:"price,omitempty"`     // >= 0
	Currency   string            `json:"currency,omitempty"`  // ISO-like code
	Quantity   int               `json:"quantity"`            // >= 1
	Specs      map[string]string `json:"specs,omitempty"`
	Confidence float64           `json:"confidence"`
	Meta       ExtractionMeta    `json:"meta"`
}

// HasPrice reports whether a non-nil price was extracted.
func (p *ExtractedProduct) HasPrice() bool { return p.Price != nil }

// Submission is a single inbound supplier message moving through the
// pipeline. Rows are owned by the submission store; soft-terminal, never
// deleted.
type Submission struct {
	ID                string            `json:"submission_id"`
	SupplierID        string            `json:"supplier_id"`
	ExternalMessageID string            `json:"external_message_id"`
	ContentKind       ContentKind       `json:"content_kind"`
	OriginalContent   string            `json:"original_content"`
	MediaRef          string            `json:"media_ref,omitempty"`
	ExtractionState   ExtractionState   `json:"extraction_state"`
	ValidationState   ValidationState   `json:"validation_state"`
	Extracted         []ExtractedProduct `json:"extracted,omitempty"` // nil until extraction completes
	ValidatedBy       string            `json:"validated_by,omitempty"`
	ValidationNotes   string            `json:"validation_notes,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// CheckInvariants validates the state-model soundness rules before a write.
// The store refuses rows that violate them.
func (s *Submission) CheckInvariants() error {
	if s.ExtractionState == ExtractionCompleted && s.Extracted == nil {
		return Invariant("completed submission with nil extracted products")
	}
	if s.ExtractionState != ExtractionCompleted && s.Extracted != nil {
		return Invariant("extracted products present before completion")
	}
	if s.ValidationState != ValidationPending && s.ExtractionState != ExtractionCompleted {
		return Invariant("validation decided before extraction completed")
	}
	return nil
}

// Priority ranks a validation item for the admin queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// SuggestedAction proposes how an extracted product relates to the catalogue.
type SuggestedAction struct {
	Kind      string `json:"kind"` // create, update, merge
	TargetID  string `json:"target_id,omitempty"`
	Rationale string `json:"rationale"`
}

// ValidationItem is the admin-facing view of one extracted product awaiting
// a decision. ValidationID is "<submissionId>-<productIndex>".
type ValidationItem struct {
	ValidationID string           `json:"validation_id"`
	SubmissionID string           `json:"submission_id"`
	ProductIndex int              `json:"product_index"`
	SupplierID   string           `json:"supplier_id"`
	ContentKind  ContentKind      `json:"content_kind"`
	Product      ExtractedProduct `json:"product"`
	Priority     Priority         `json:"priority"`
	Suggested    *SuggestedAction `json:"suggested_action,omitempty"`
	Related      []string         `json:"related_validations,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// OpKind classifies a failed operation for retry dispatch.
type OpKind string

const (
	OpWebhook     OpKind = "webhook"
	OpExtraction  OpKind = "extraction"
	OpValidation  OpKind = "validation"
	OpIntegration OpKind = "integration"
)

// FailedOperation is a retryable unit of work owned by the retry engine.
type FailedOperation struct {
	OpID         string         `json:"op_id"`
	Kind         OpKind         `json:"kind"`
	SubmissionID string         `json:"submission_id,omitempty"`
	LastError    string         `json:"last_error"`
	Attempts     int            `json:"attempts"`
	LastAt       time.Time      `json:"last_at"`
	NextRetryAt  time.Time      `json:"next_retry_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Exhausted    bool           `json:"exhausted"`
}

// Severity ranks a critical error for escalation clustering.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CriticalError is an operational fault owned by the health monitor.
type CriticalError struct {
	ErrorID    string         `json:"error_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Severity   Severity       `json:"severity"`
	Component  string         `json:"component"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Escalated  bool           `json:"escalated"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

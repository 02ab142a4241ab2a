// Package integration holds the downstream collaborator contracts: the
// product catalogue sink and the notifier. Both are consumed, never owned;
// transient failures are the retry engine's problem.
package integration

import (
	"context"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// UpsertResult identifies the catalogue product written by an upsert.
type UpsertResult struct {
	ProductID string `json:"product_id"`
}

// IntegrationSink writes approved products into the downstream catalogue.
type IntegrationSink interface {
	UpsertProduct(ctx context.Context, product *contracts.ExtractedProduct, supplierID, submissionID string) (*UpsertResult, error)
}

// Notifier delivers best-effort messages. Failures are logged, never fatal.
type Notifier interface {
	Send(ctx context.Context, channel, recipient string, payload map[string]any) error
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, string, string, map[string]any) error { return nil }

// MemorySink collects upserts in memory, for tests and dev runs.
type MemorySink struct {
	Upserts []MemoryUpsert
	Fail    error // when set, every upsert fails with this error
}

// MemoryUpsert is one recorded call.
type MemoryUpsert struct {
	Product      contracts.ExtractedProduct
	SupplierID   string
	SubmissionID string
}

func (m *MemorySink) UpsertProduct(_ context.Context, product *contracts.ExtractedProduct, supplierID, submissionID string) (*UpsertResult, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	m.Upserts = append(m.Upserts, MemoryUpsert{Product: *product, SupplierID: supplierID, SubmissionID: submissionID})
	return &UpsertResult{ProductID: "prod-" + submissionID}, nil
}

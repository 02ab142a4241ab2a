package submission

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

var submissionCols = []string{
	"submission_id", "supplier_id", "external_message_id", "content_kind",
	"original_content", "media_ref", "extraction_state", "validation_state",
	"extracted", "validated_by", "validation_notes", "metadata", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Schema migration runs in the constructor.
	for i := 0; i < 7; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	store, err := NewPostgresStore(context.Background(), db)
	require.NoError(t, err)
	return store, mock
}

func pendingRow(id string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(submissionCols).AddRow(
		id, "sup-1", "wamid."+id, "text",
		"iPhone 13 - $500", "", "pending", "pending",
		nil, "", "", nil, now, now)
}

func TestPostgresInsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO supplier_submission")).
		WithArgs("s1", "sup-1", "wamid.s1", contracts.ContentText,
			"iPhone 13 - $500", "", contracts.ExtractionPending, contracts.ValidationPending,
			nil, "", "", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Insert(context.Background(), newSubmission("s1", "sup-1", "wamid.s1"))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertDuplicateMapsToConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO supplier_submission")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.Insert(context.Background(), newSubmission("s1", "sup-1", "wamid.s1"))
	assert.True(t, contracts.IsKind(err, contracts.KindStateConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(submissionCols))

	_, err := store.Get(context.Background(), "ghost")
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestPostgresGetUnmarshalsJSONColumns(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(submissionCols).AddRow(
		"s1", "sup-1", "wamid.s1", "text",
		"iPhone 13 - $500", "", "completed", "pending",
		[]byte(`[{"name":"iPhone 13","quantity":1,"confidence":0.9}]`),
		"", "", []byte(`{"grouped_with":"s0"}`), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("s1").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got.Extracted, 1)
	assert.Equal(t, "iPhone 13", got.Extracted[0].Name)
	assert.Equal(t, "s0", got.Metadata["grouped_with"])
}

func TestPostgresTransitionExtractionCASConflict(t *testing.T) {
	store, mock := newMockStore(t)

	// The CAS update matches nothing; the follow-up read finds the row, so
	// the outcome is a state conflict rather than not-found.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE supplier_submission")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("s1").
		WillReturnRows(pendingRow("s1"))

	_, err := store.TransitionExtraction(context.Background(), "s1",
		contracts.ExtractionRunning, contracts.ExtractionCompleted,
		Patch{Extracted: []contracts.ExtractedProduct{{Name: "x", Quantity: 1}}})
	assert.True(t, contracts.IsKind(err, contracts.KindStateConflict))
}

func TestPostgresTransitionExtractionMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE supplier_submission")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(submissionCols))

	_, err := store.TransitionExtraction(context.Background(), "ghost",
		contracts.ExtractionPending, contracts.ExtractionRunning, Patch{})
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestPostgresTransitionExtractionIllegalPairShortCircuits(t *testing.T) {
	store, mock := newMockStore(t)

	// No SQL runs for an illegal pair.
	_, err := store.TransitionExtraction(context.Background(), "s1",
		contracts.ExtractionCompleted, contracts.ExtractionRunning, Patch{})
	assert.True(t, contracts.IsKind(err, contracts.KindInvariant))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionValidationGatedOnCompletion(t *testing.T) {
	store, mock := newMockStore(t)

	// The WHERE clause includes extraction_state = completed, so an
	// unextracted row matches nothing.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE supplier_submission")).
		WithArgs(contracts.ValidationApproved, "admin-1", "", sqlmock.AnyArg(),
			"s1", contracts.ValidationPending, contracts.ExtractionCompleted).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("s1").
		WillReturnRows(pendingRow("s1"))

	_, err := store.TransitionValidation(context.Background(), "s1",
		contracts.ValidationPending, contracts.ValidationApproved,
		Patch{ValidatedBy: "admin-1"})
	assert.True(t, contracts.IsKind(err, contracts.KindStateConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMetrics(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRows([]string{"p", "r", "c", "f", "vp", "va", "vr"}).
			AddRow(3, 1, 5, 0, 4, 4, 1))

	counts, err := store.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts.ExtractionPending)
	assert.Equal(t, 5, counts.ExtractionCompleted)
	assert.Equal(t, 4, counts.ValidationApproved)
}

func TestPostgresCountStaleValidations(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs(contracts.ExtractionCompleted, contracts.ValidationPending, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.CountStaleValidations(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestPostgresProcessingLog(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processing_log")).
		WithArgs("s1", "extraction", int64(120), true, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.AppendProcessing(context.Background(),
		ProcessingEntry{SubmissionID: "s1", Stage: "extraction", DurationMs: 120, OK: true}))

	at := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT submission_id, stage, duration_ms, ok, detail, at")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"submission_id", "stage", "duration_ms", "ok", "detail", "at"}).
			AddRow("s1", "extraction", 120, true, "", at))

	entries, err := store.ListProcessing(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "extraction", entries[0].Stage)
}

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
)

const (
	testSecret    = "intake-secret"
	testProductID = "pn-100"
	testPhone     = "+22370000001"
)

type stubEnqueuer struct {
	ids []string
}

func (s *stubEnqueuer) Enqueue(id string) bool {
	s.ids = append(s.ids, id)
	return true
}

type stubFetcher struct {
	ref string
	err error
}

func (s *stubFetcher) Fetch(context.Context, string) (string, error) {
	return s.ref, s.err
}

type fixture struct {
	handler    *Handler
	store      *submission.MemoryStore
	suppliers  *supplier.MemoryRegistry
	enqueuer   *stubEnqueuer
	fetcher    *stubFetcher
	auditStore *audit.Store
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()
	if limiter == nil {
		limiter = NewMemoryLimiter(0)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := submission.NewMemoryStore()
	suppliers := supplier.NewMemoryRegistry()
	enqueuer := &stubEnqueuer{}
	fetcher := &stubFetcher{ref: "blob/stored.jpg"}
	auditStore := audit.NewStore()

	require.NoError(t, suppliers.Put(context.Background(), &contracts.Supplier{
		ID: "sup-1", Phone: testPhone, Active: true,
	}))

	h := NewHandler(testSecret, testProductID, limiter, suppliers, store, fetcher, enqueuer,
		audit.NewStoreLogger(auditStore), logger)
	return &fixture{handler: h, store: store, suppliers: suppliers, enqueuer: enqueuer, fetcher: fetcher, auditStore: auditStore}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func textEnvelope(messageID, from, body string) []byte {
	return envelopeBytes(Message{
		ID: messageID, From: from, Timestamp: "1724500000", Type: "text",
		Text: &TextBody{Body: body},
	})
}

func envelopeBytes(msg Message) []byte {
	env := Envelope{
		Object: "whatsapp_business_account",
		Entry: []Entry{{Changes: []Change{{Value: Value{
			Metadata: Metadata{PhoneNumberID: testProductID},
			Messages: []Message{msg},
		}}}}},
	}
	raw, _ := json.Marshal(env)
	return raw
}

func post(f *fixture, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.handler.HandleEvent(rec, req)
	return rec
}

func TestIntakeTextMessage(t *testing.T) {
	f := newFixture(t, nil)
	body := textEnvelope("wamid.1", testPhone, "iPhone 13 Pro - 350.000 FCFA")

	rec := post(f, body, sign(body))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.SubmissionID)

	sub, err := f.store.Get(context.Background(), resp.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "sup-1", sub.SupplierID)
	assert.Equal(t, "wamid.1", sub.ExternalMessageID)
	assert.Equal(t, contracts.ContentText, sub.ContentKind)
	assert.Equal(t, "iPhone 13 Pro - 350.000 FCFA", sub.OriginalContent)
	assert.Equal(t, contracts.ExtractionPending, sub.ExtractionState)

	assert.Equal(t, []string{resp.SubmissionID}, f.enqueuer.ids)

	sup, err := f.suppliers.Get(context.Background(), "sup-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sup.Metrics.TotalSubmissions)

	assert.Len(t, f.auditStore.Query(audit.QueryFilter{Action: audit.ActionSubmissionNew}), 1)
}

func TestTamperedBodyRejected(t *testing.T) {
	f := newFixture(t, nil)
	body := textEnvelope("wamid.1", testPhone, "original offer")
	signature := sign(body)

	tampered := bytes.Replace(body, []byte("original"), []byte("Original"), 1)
	rec := post(f, tampered, signature)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	counts, err := f.store.Metrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.ExtractionPending, "no row persisted")
	assert.Len(t, f.auditStore.Query(audit.QueryFilter{Action: audit.ActionAccessDenied}), 1)
}

func TestMissingSignatureRejected(t *testing.T) {
	f := newFixture(t, nil)
	body := textEnvelope("wamid.1", testPhone, "offer")
	rec := post(f, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownSupplierRejected(t *testing.T) {
	f := newFixture(t, nil)
	body := textEnvelope("wamid.1", "+22379999999", "offer")

	rec := post(f, body, sign(body))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, f.auditStore.Query(audit.QueryFilter{Action: audit.ActionAccessDenied}), 1)
	assert.Empty(t, f.enqueuer.ids)
}

func TestInactiveSupplierRejected(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.suppliers.Put(context.Background(), &contracts.Supplier{
		ID: "sup-2", Phone: "+22370000002", Active: false,
	}))
	body := textEnvelope("wamid.1", "+22370000002", "offer")

	rec := post(f, body, sign(body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDuplicateReplayReturnsOriginalID(t *testing.T) {
	f := newFixture(t, nil)
	body := textEnvelope("wamid.dup", testPhone, "offer")

	first := post(f, body, sign(body))
	second := post(f, body, sign(body))

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var r1, r2 Response
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &r1))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &r2))
	assert.Equal(t, r1.SubmissionID, r2.SubmissionID)

	counts, err := f.store.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.ExtractionPending, "one row for both deliveries")
	assert.Len(t, f.enqueuer.ids, 1)
}

func TestRateLimitExceeded(t *testing.T) {
	f := newFixture(t, NewMemoryLimiter(2))

	first := textEnvelope("wamid.1", testPhone, "a")
	second := textEnvelope("wamid.2", testPhone, "b")
	third := textEnvelope("wamid.3", testPhone, "c")
	post(f, first, sign(first))
	post(f, second, sign(second))
	rec := post(f, third, sign(third))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var payload struct {
		RetryAfter int `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Greater(t, payload.RetryAfter, 0)
}

func TestWrongProductIDRejected(t *testing.T) {
	f := newFixture(t, nil)
	env := Envelope{
		Object: "whatsapp_business_account",
		Entry: []Entry{{Changes: []Change{{Value: Value{
			Metadata: Metadata{PhoneNumberID: "pn-other"},
			Messages: []Message{{ID: "m1", From: testPhone, Type: "text", Text: &TextBody{Body: "x"}}},
		}}}}},
	}
	body, _ := json.Marshal(env)

	rec := post(f, body, sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmptyEnvelopeRejected(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	rec := post(f, body, sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = []byte(`{not json`)
	rec = post(f, body, sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageMessageStoresMediaRef(t *testing.T) {
	f := newFixture(t, nil)
	body := envelopeBytes(Message{
		ID: "wamid.img", From: testPhone, Type: "image",
		Image: &MediaBody{ID: "media-9", MimeType: "image/jpeg", Caption: "3 laptops"},
	})

	rec := post(f, body, sign(body))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sub, err := f.store.Get(context.Background(), resp.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContentImage, sub.ContentKind)
	assert.Equal(t, "blob/stored.jpg", sub.MediaRef)
	assert.Equal(t, "3 laptops", sub.OriginalContent)
}

func TestMediaFetchFailureFallsBackToRawID(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.err = contracts.E(contracts.KindTransient, "download failed")
	body := envelopeBytes(Message{
		ID: "wamid.img", From: testPhone, Type: "image",
		Image: &MediaBody{ID: "media-9", MimeType: "image/jpeg"},
	})

	rec := post(f, body, sign(body))

	require.Equal(t, http.StatusOK, rec.Code, "media failure does not fail intake")
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sub, err := f.store.Get(context.Background(), resp.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "media-9", sub.MediaRef)
	assert.Len(t, f.auditStore.Query(audit.QueryFilter{Action: audit.ActionMediaFallback}), 1)
}

func TestGroupingRecordedInMetadata(t *testing.T) {
	f := newFixture(t, nil)
	first := textEnvelope("wamid.1", testPhone, "first offer")
	second := textEnvelope("wamid.2", testPhone, "second offer")

	r1 := post(f, first, sign(first))
	require.Equal(t, http.StatusOK, r1.Code)
	r2 := post(f, second, sign(second))
	require.Equal(t, http.StatusOK, r2.Code)

	var resp1, resp2 Response
	require.NoError(t, json.Unmarshal(r1.Body.Bytes(), &resp1))
	require.NoError(t, json.Unmarshal(r2.Body.Bytes(), &resp2))

	sub2, err := f.store.Get(context.Background(), resp2.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, resp1.SubmissionID, sub2.Metadata["grouped_with"])
}

func TestVerifyHandshake(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token="+testSecret+"&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.handler.HandleVerify(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	f.handler.HandleVerify(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	now := time.Now()
	l := NewMemoryLimiter(2).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retryAfter, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)

	// Other clients are unaffected.
	ok, _, err = l.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, ok)

	// The window rolls over.
	now = now.Add(61 * time.Second)
	ok, _, err = l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignatureVerification(t *testing.T) {
	body := []byte(`{"object":"x"}`)
	assert.True(t, verifySignature(testSecret, body, sign(body)))
	assert.False(t, verifySignature(testSecret, body, "sha256=deadbeef"))
	assert.False(t, verifySignature(testSecret, body, "md5=abc"))
	assert.False(t, verifySignature(testSecret, body, ""))
	assert.False(t, verifySignature("", body, sign(body)))
}

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

func TestWriteErrorProblemDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteBadRequest(rec, "malformed envelope")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Bad Request", problem.Title)
	assert.Equal(t, "malformed envelope", problem.Detail)
	assert.Equal(t, "https://tekra.store/errors/400", problem.Type)
}

func TestWriteTooManyRequests(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 42)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))

	var body struct {
		RetryAfter int `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 42, body.RetryAfter)
}

func TestWriteDomainErrorMapsKinds(t *testing.T) {
	cases := []struct {
		kind   contracts.ErrorKind
		status int
	}{
		{contracts.KindBadRequest, http.StatusBadRequest},
		{contracts.KindUnauthorized, http.StatusUnauthorized},
		{contracts.KindNotFound, http.StatusNotFound},
		{contracts.KindStateConflict, http.StatusConflict},
		{contracts.KindInvariant, http.StatusConflict},
		{contracts.KindRateLimited, http.StatusTooManyRequests},
		{contracts.KindTimeout, http.StatusRequestTimeout},
		{contracts.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteDomainError(rec, contracts.E(tc.kind, "x"))
		assert.Equal(t, tc.status, rec.Code, "kind %s", tc.kind)
	}
}

func TestWriteInternalHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternal(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	assert.Equal(t, "203.0.113.9", ClientIP(r))

	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(r))

	r.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestWithRequestID(t *testing.T) {
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-provided")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-provided", rec.Header().Get("X-Request-ID"))
}

func TestGlobalRateLimiterThrottlesPerIP(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 2)
	defer rl.Close()
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/validations", nil)
		req.RemoteAddr = addr
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("203.0.113.9:1000"))
	assert.Equal(t, http.StatusOK, do("203.0.113.9:1000"))
	assert.Equal(t, http.StatusTooManyRequests, do("203.0.113.9:1000"))
	// A different client has its own bucket.
	assert.Equal(t, http.StatusOK, do("203.0.113.10:1000"))
}

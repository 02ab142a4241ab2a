// Package api provides RFC 7807 Problem Detail responses and HTTP
// middleware for the intake and admin surfaces.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://tekra.store/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteRequestTimeout writes a 408 error response.
func WriteRequestTimeout(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusRequestTimeout, "Request Timeout", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	problem := &ProblemDetail{
		Type:   "https://tekra.store/errors/429",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Retry after the specified interval.",
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)
	body := struct {
		*ProblemDetail
		RetryAfter int `json:"retryAfter"`
	}{problem, retryAfterSecs}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps a domain error kind to the appropriate response.
func WriteDomainError(w http.ResponseWriter, err error) {
	var de *contracts.DomainError
	detail := ""
	if de2, ok := err.(*contracts.DomainError); ok {
		de = de2
		detail = de.Msg
	}
	switch contracts.KindOf(err) {
	case contracts.KindBadRequest:
		WriteBadRequest(w, detail)
	case contracts.KindUnauthorized:
		WriteUnauthorized(w, detail)
	case contracts.KindNotFound:
		WriteNotFound(w, detail)
	case contracts.KindStateConflict, contracts.KindInvariant:
		WriteConflict(w, detail)
	case contracts.KindRateLimited:
		WriteTooManyRequests(w, 60)
	case contracts.KindTimeout:
		WriteRequestTimeout(w, detail)
	default:
		WriteInternal(w, err)
	}
}

// WriteJSON writes a 2xx JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

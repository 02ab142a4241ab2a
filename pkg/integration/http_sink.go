package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// HTTPSink talks to the catalogue service over REST. A circuit breaker keeps
// a flapping sink from absorbing the pipeline; per-submission retries belong
// to the retry engine, not here.
type HTTPSink struct {
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
}

// NewHTTPSink builds a sink for the given catalogue base URL.
func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: NewCircuitBreaker("integration-sink", 5, 10*time.Second),
	}
}

type upsertRequest struct {
	Product      *contracts.ExtractedProduct `json:"product"`
	SupplierID   string                      `json:"supplier_id"`
	SubmissionID string                      `json:"submission_id"`
}

func (s *HTTPSink) UpsertProduct(ctx context.Context, product *contracts.ExtractedProduct, supplierID, submissionID string) (*UpsertResult, error) {
	if !s.breaker.Allow() {
		return nil, contracts.E(contracts.KindTransient, "integration sink circuit open")
	}

	body, err := json.Marshal(upsertRequest{Product: product, SupplierID: supplierID, SubmissionID: submissionID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/products/upsert", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.Failure()
		return nil, contracts.Wrap(contracts.KindTransient, "sink unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		s.breaker.Failure()
		return nil, contracts.Ef(contracts.KindTransient, "sink status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		s.breaker.Success()
		return nil, contracts.Ef(contracts.KindBadRequest, "sink rejected product: status %d", resp.StatusCode)
	}

	s.breaker.Success()
	var result UpsertResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode sink response: %w", err)
	}
	return &result, nil
}

// HTTPNotifier posts best-effort notifications to a webhook-style endpoint.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPNotifier builds a notifier for the given base URL.
func NewHTTPNotifier(baseURL string) *HTTPNotifier {
	return &HTTPNotifier{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *HTTPNotifier) Send(ctx context.Context, channel, recipient string, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"channel":   channel,
		"recipient": recipient,
		"payload":   payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/notify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notifier status %d", resp.StatusCode)
	}
	return nil
}

// CircuitBreaker is a small closed/open/half-open state machine over
// consecutive failures.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

// NewCircuitBreaker opens after threshold consecutive failures and probes
// again after timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

// Success resets the failure count and closes a half-open breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "HALF_OPEN" {
		cb.state = "CLOSED"
	}
	cb.failureCount = 0
}

// Failure records a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

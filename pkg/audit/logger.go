// Package audit records who did what to which submission. Entries are
// append-only and hash-chained so an export can be verified offline.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
	EventSecurity EventType = "SECURITY"
)

// Well-known actions recorded by the pipeline.
const (
	ActionAccessDenied    = "access_denied"
	ActionSubmissionNew   = "submission_received"
	ActionAutoApprove     = "auto_approve"
	ActionApprove         = "approve"
	ActionReject          = "reject"
	ActionMediaFallback   = "media_fallback"
	ActionEscalation      = "escalation"
	ActionTxRollback      = "tx_rollback"
	ActionSubmissionGone  = "submission_missing"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events. Recording is
// best-effort: callers ignore the error on non-critical paths.
type Logger interface {
	Record(ctx context.Context, eventType EventType, actor, action, resource string, metadata map[string]any) error
}

// writerLogger implements Logger, writing structured JSON lines to a Writer.
type writerLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// Allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &writerLogger{writer: w}
}

func (l *writerLogger) Record(_ context.Context, eventType EventType, actor, action, resource string, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		ActorID:   actor,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(append([]byte("AUDIT: "), data...)); err != nil {
		return err
	}
	_, err = l.writer.Write([]byte("\n"))
	return err
}

// StoreLogger records events into a chained Store.
type StoreLogger struct {
	store *Store
}

// NewStoreLogger creates a Logger backed by the chained store.
func NewStoreLogger(store *Store) *StoreLogger {
	return &StoreLogger{store: store}
}

func (l *StoreLogger) Record(_ context.Context, eventType EventType, actor, action, resource string, metadata map[string]any) error {
	_, err := l.store.Append(eventType, actor, action, resource, metadata)
	return err
}

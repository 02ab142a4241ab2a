package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit hash chain is broken")
)

// Entry is a single immutable record in the audit store. EntryHash covers
// the canonicalized entry plus PreviousHash, chaining entries together.
type Entry struct {
	EntryID      string         `json:"entry_id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
}

// EntryHandler is called when new entries are appended.
type EntryHandler func(entry *Entry)

// Store is an append-only audit log with hash chaining.
type Store struct {
	mu        sync.RWMutex
	entries   []*Entry
	entryByID map[string]*Entry
	sequence  uint64
	chainHead string
	handlers  []EntryHandler
	clock     func() time.Time
}

// NewStore creates a new append-only audit store.
func NewStore() *Store {
	return &Store{
		entryByID: make(map[string]*Entry),
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Append adds a new entry to the store.
func (s *Store) Append(eventType EventType, actor, action, resource string, metadata map[string]any) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     s.sequence,
		Timestamp:    s.clock().UTC(),
		Type:         eventType,
		ActorID:      actor,
		Action:       action,
		Resource:     resource,
		Metadata:     metadata,
		PreviousHash: s.chainHead,
	}

	hash, err := computeEntryHash(entry)
	if err != nil {
		s.sequence--
		return nil, fmt.Errorf("compute entry hash: %w", err)
	}
	entry.EntryHash = hash
	s.chainHead = hash

	s.entries = append(s.entries, entry)
	s.entryByID[entry.EntryID] = entry

	for _, h := range s.handlers {
		h(entry)
	}
	return entry, nil
}

// computeEntryHash hashes the canonical (RFC 8785) JSON of the entry with
// EntryHash cleared, so verification can recompute it.
func computeEntryHash(entry *Entry) (string, error) {
	hashable := *entry
	hashable.EntryHash = ""
	data, err := json.Marshal(&hashable)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Get retrieves an entry by ID.
func (s *Store) Get(entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entryByID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the current chain head hash.
func (s *Store) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// Size returns the number of entries.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// QueryFilter defines filtering criteria for log queries.
type QueryFilter struct {
	Type       EventType
	Action     string
	Resource   string
	StartTime  *time.Time
	EndTime    *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Query returns entries matching the filter, oldest first.
func (s *Store) Query(filter QueryFilter) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range s.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// CountSince counts entries with the given action recorded at or after t.
func (s *Store) CountSince(action string, t time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.Action == action && !e.Timestamp.Before(t) {
			n++
		}
	}
	return n
}

// AddHandler registers a handler for new entries.
func (s *Store) AddHandler(h EntryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// VerifyChain verifies the integrity of the hash chain.
func (s *Store) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedPrev := "genesis"
	for i, entry := range s.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %v", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

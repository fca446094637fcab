package offlinegate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names a pending-operation queue. Exactly two exist.
type Operation string

const (
	OpSaveCanvas     Operation = "save-canvas"
	OpUploadCreation Operation = "upload-creation"
)

// Operations lists the queue collections in a fixed order.
var Operations = []Operation{OpSaveCanvas, OpUploadCreation}

func ValidOperation(op Operation) bool {
	switch op {
	case OpSaveCanvas, OpUploadCreation:
		return true
	}
	return false
}

// Entry is one deferred mutating operation. Entries are immutable once
// created and removed only after a confirmed successful replay; a failed
// replay leaves the entry untouched for the next drain cycle.
type Entry struct {
	ID              string          `json:"id"`
	Op              Operation       `json:"op"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Blob            []byte          `json:"blob,omitempty"`
	BlobContentType string          `json:"blobContentType,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// NewEntry builds an entry with a fresh id and creation timestamp.
func NewEntry(op Operation, payload json.RawMessage) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Op:        op,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// QueueStore is the asynchronous request/response contract over the
// durable pending-operation store. Implementations keep the two
// collections independent and preserve insertion order within each.
type QueueStore interface {
	Enqueue(ctx context.Context, entry Entry) error
	List(ctx context.Context, op Operation) ([]Entry, error)
	Remove(ctx context.Context, op Operation, id string) error
	Close() error
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("%w: entry id is required", ErrInvalidInput)
	}
	if !ValidOperation(entry.Op) {
		return fmt.Errorf("%w: operation %q", ErrInvalidInput, entry.Op)
	}
	return nil
}

type memoryQueueStore struct {
	mu      sync.Mutex
	entries map[Operation][]Entry
}

// NewMemoryQueueStore returns a QueueStore held in process memory.
func NewMemoryQueueStore() QueueStore {
	return &memoryQueueStore{entries: map[Operation][]Entry{}}
}

func (s *memoryQueueStore) Enqueue(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntry(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Op] = append(s.entries[entry.Op], cloneEntry(entry))
	return nil
}

func (s *memoryQueueStore) List(ctx context.Context, op Operation) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidOperation(op) {
		return nil, fmt.Errorf("%w: operation %q", ErrInvalidInput, op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries[op]))
	for _, entry := range s.entries[op] {
		out = append(out, cloneEntry(entry))
	}
	return out, nil
}

func (s *memoryQueueStore) Remove(ctx context.Context, op Operation, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[op]
	for i, entry := range entries {
		if entry.ID == id {
			s.entries[op] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryQueueStore) Close() error {
	return nil
}

func cloneEntry(entry Entry) Entry {
	out := entry
	if entry.Payload != nil {
		out.Payload = append(json.RawMessage(nil), entry.Payload...)
	}
	if entry.Blob != nil {
		out.Blob = append([]byte(nil), entry.Blob...)
	}
	return out
}

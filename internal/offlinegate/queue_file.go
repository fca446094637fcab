package offlinegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileQueueStore struct {
	path string
	mu   sync.Mutex
	// entries preserve FIFO order per collection; the whole map is
	// persisted as one JSON snapshot on every mutation.
	entries map[Operation][]Entry
}

type fileQueueState struct {
	SaveCanvas     []Entry `json:"saveCanvas"`
	UploadCreation []Entry `json:"uploadCreation"`
}

// NewFileQueueStore opens (or creates) a JSON-file-backed queue store at
// path. Mutations are persisted atomically via a temp file and rename.
func NewFileQueueStore(path string) (QueueStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileQueueStore{
		path:    path,
		entries: map[Operation][]Entry{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileQueueStore) Enqueue(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntry(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Op] = append(s.entries[entry.Op], cloneEntry(entry))
	if err := s.saveLocked(); err != nil {
		s.entries[entry.Op] = s.entries[entry.Op][:len(s.entries[entry.Op])-1]
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *fileQueueStore) List(ctx context.Context, op Operation) ([]Entry, error) {
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

func (s *fileQueueStore) Remove(ctx context.Context, op Operation, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[op]
	for i, entry := range entries {
		if entry.ID != id {
			continue
		}
		s.entries[op] = append(append([]Entry{}, entries[:i]...), entries[i+1:]...)
		if err := s.saveLocked(); err != nil {
			s.entries[op] = entries
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil
	}
	return ErrNotFound
}

func (s *fileQueueStore) Close() error {
	return nil
}

func (s *fileQueueStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	s.entries[OpSaveCanvas] = append([]Entry(nil), snapshot.SaveCanvas...)
	s.entries[OpUploadCreation] = append([]Entry(nil), snapshot.UploadCreation...)
	return nil
}

func (s *fileQueueStore) saveLocked() error {
	snapshot := fileQueueState{
		SaveCanvas:     append([]Entry(nil), s.entries[OpSaveCanvas]...),
		UploadCreation: append([]Entry(nil), s.entries[OpUploadCreation]...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/msgsync/internal/syncerr"
	"go.uber.org/zap"
)

// Table is an in-memory, write-through cache of one KV bucket, holding a
// JSON-encoded slice per conversation. The in-memory rows are authoritative
// for the lifetime of the process: a failed write keeps them, marks the
// conversation dirty and is retried on the next write or Flush.
type Table[T any] struct {
	kv     KV
	bucket string
	logger *zap.Logger

	mu    sync.Mutex
	rows  map[string][]T
	dirty map[string]bool
}

// NewTable creates a table over bucket.
func NewTable[T any](kv KV, bucket string, logger *zap.Logger) *Table[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table[T]{
		kv:     kv,
		bucket: bucket,
		logger: logger.With(zap.String("bucket", bucket)),
		rows:   make(map[string][]T),
		dirty:  make(map[string]bool),
	}
}

// Get returns a copy of the rows for conversationID, loading them on first use.
func (t *Table[T]) Get(ctx context.Context, conversationID string) ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.loadLocked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return cloneRows(rows), nil
}

// Mutate loads the rows for conversationID, passes them to fn and, when fn
// reports a change, stores and persists the returned rows. A non-nil error
// from fn aborts without changes. A StorageError means the change is held
// in memory but not yet on disk.
func (t *Table[T]) Mutate(ctx context.Context, conversationID string, fn func(rows []T) ([]T, bool, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.loadLocked(ctx, conversationID)
	if err != nil {
		return err
	}
	next, changed, err := fn(cloneRows(rows))
	if err != nil || !changed {
		return err
	}
	t.rows[conversationID] = next
	t.dirty[conversationID] = true
	return t.flushLocked(ctx)
}

// Drop forgets every row of conversationID and deletes its record.
func (t *Table[T]) Drop(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[conversationID] = nil
	t.dirty[conversationID] = true
	return t.flushLocked(ctx)
}

// Flush retries every pending write.
func (t *Table[T]) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(ctx)
}

// Conversations lists conversations with at least one row, persisted or not.
func (t *Table[T]) Conversations(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stored, err := t.kv.Conversations(ctx, t.bucket)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored))
	var ids []string
	for _, id := range stored {
		if rows, loaded := t.rows[id]; loaded && len(rows) == 0 {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for id, rows := range t.rows {
		if len(rows) > 0 && !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *Table[T]) loadLocked(ctx context.Context, conversationID string) ([]T, error) {
	if rows, ok := t.rows[conversationID]; ok {
		return rows, nil
	}
	data, err := t.kv.Get(ctx, t.bucket, conversationID)
	if errors.Is(err, ErrNoRecord) {
		t.rows[conversationID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", t.bucket, conversationID, err)
	}
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		// A corrupt record must not wedge the conversation; start over.
		t.logger.Error("discarding unreadable record", zap.String("conversation_id", conversationID), zap.Error(err))
		rows = nil
	}
	t.rows[conversationID] = rows
	return rows, nil
}

func (t *Table[T]) flushLocked(ctx context.Context) error {
	var errs []error
	for id := range t.dirty {
		if err := t.writeLocked(ctx, id); err != nil {
			t.logger.Warn("persist failed, keeping in-memory state",
				zap.String("conversation_id", id), zap.Error(err))
			errs = append(errs, &syncerr.StorageError{Bucket: t.bucket, ConversationID: id, Err: err})
			continue
		}
		delete(t.dirty, id)
	}
	return errors.Join(errs...)
}

func (t *Table[T]) writeLocked(ctx context.Context, conversationID string) error {
	rows := t.rows[conversationID]
	if len(rows) == 0 {
		return t.kv.Delete(ctx, t.bucket, conversationID)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return t.kv.Set(ctx, t.bucket, conversationID, data)
}

// cloneRows deep-copies rows whose type knows how to clone itself.
func cloneRows[T any](rows []T) []T {
	out := slices.Clone(rows)
	for i := range out {
		if c, ok := any(out[i]).(interface{ Clone() T }); ok {
			out[i] = c.Clone()
		}
	}
	return out
}

package sync

import (
	"context"
	"slices"

	"github.com/matheus3301/msgsync/internal/store"
	"go.uber.org/zap"
)

// DefaultKeyLogSize is how many delivery keys are remembered per conversation.
const DefaultKeyLogSize = 50

// KeyLog remembers the most recent delivery keys of each conversation so
// that redelivered events are recognised. It is persisted, so a restart
// does not reopen the window for duplicates.
type KeyLog struct {
	table *store.Table[string]
	size  int
}

// NewKeyLog creates a key log over the dedup_keys bucket of kv.
func NewKeyLog(kv store.KV, size int, logger *zap.Logger) *KeyLog {
	if size <= 0 {
		size = DefaultKeyLogSize
	}
	return &KeyLog{
		table: store.NewTable[string](kv, store.BucketDedupKeys, logger),
		size:  size,
	}
}

// Seen reports whether key was recorded for the conversation.
func (k *KeyLog) Seen(ctx context.Context, conversationID, key string) (bool, error) {
	keys, err := k.table.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return slices.Contains(keys, key), nil
}

// Record appends key, dropping the oldest keys beyond the log size.
func (k *KeyLog) Record(ctx context.Context, conversationID, key string) error {
	return k.table.Mutate(ctx, conversationID, func(keys []string) ([]string, bool, error) {
		if slices.Contains(keys, key) {
			return keys, false, nil
		}
		keys = append(keys, key)
		if over := len(keys) - k.size; over > 0 {
			keys = keys[over:]
		}
		return keys, true, nil
	})
}

// Reset forgets every key of the conversation.
func (k *KeyLog) Reset(ctx context.Context, conversationID string) error {
	return k.table.Drop(ctx, conversationID)
}

// Flush retries pending writes.
func (k *KeyLog) Flush(ctx context.Context) error {
	return k.table.Flush(ctx)
}

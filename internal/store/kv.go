package store

import (
	"context"
	"errors"
)

// Buckets used by the engine. Each bucket holds one record per conversation.
const (
	BucketConfirmed = "confirmed"
	BucketOutbox    = "outbox"
	BucketDedupKeys = "dedup_keys"
)

// ErrNoRecord is returned by KV.Get when nothing is stored for the key.
var ErrNoRecord = errors.New("no record")

// KV is the persistence port: whole-record get/set/delete per
// (bucket, conversation). Implementations must make Set and Delete
// idempotent so a retried write never corrupts state.
type KV interface {
	Get(ctx context.Context, bucket, conversationID string) ([]byte, error)
	Set(ctx context.Context, bucket, conversationID string, data []byte) error
	Delete(ctx context.Context, bucket, conversationID string) error
	// Conversations lists the conversation ids that have a record in bucket.
	Conversations(ctx context.Context, bucket string) ([]string, error)
}

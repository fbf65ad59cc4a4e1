package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/msgsync/internal/dedup"
	"github.com/matheus3301/msgsync/internal/message"
	"go.uber.org/zap"
)

// DefaultCapacity bounds each conversation's confirmed cache.
const DefaultCapacity = 200

// Confirmed is the per-conversation cache of server-acknowledged messages,
// kept ascending by CreatedAt and capped at capacity, oldest evicted first.
type Confirmed struct {
	table    *Table[message.Message]
	capacity int
	matcher  dedup.Matcher
}

// NewConfirmed creates the confirmed cache over kv.
func NewConfirmed(kv KV, capacity int, matcher dedup.Matcher, logger *zap.Logger) *Confirmed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Confirmed{
		table:    NewTable[message.Message](kv, BucketConfirmed, logger),
		capacity: capacity,
		matcher:  matcher,
	}
}

// Capacity returns the per-conversation bound.
func (c *Confirmed) Capacity() int {
	return c.capacity
}

// List returns the cached messages of a conversation, oldest first.
func (c *Confirmed) List(ctx context.Context, conversationID string) ([]message.Message, error) {
	return c.table.Get(ctx, conversationID)
}

// Upsert folds msgs into the cache. A message matching a cached one (by the
// deduplicator's rules) replaces it with the combined copy; others are
// inserted. Messages without a ServerID are refused.
func (c *Confirmed) Upsert(ctx context.Context, conversationID string, msgs ...message.Message) error {
	return c.table.Mutate(ctx, conversationID, func(rows []message.Message) ([]message.Message, bool, error) {
		for _, m := range msgs {
			if m.ServerID == "" {
				return nil, false, fmt.Errorf("confirmed message without server id (local id %q)", m.LocalID)
			}
			m.ConversationID = conversationID
			m.Status = message.StatusConfirmed
			if i, tier := c.matcher.Find(rows, m); tier != dedup.NoMatch {
				rows[i] = dedup.Combine(rows[i], m)
				continue
			}
			rows = append(rows, m.Clone())
		}
		message.SortByCreatedAt(rows)
		if over := len(rows) - c.capacity; over > 0 {
			rows = rows[over:]
		}
		return rows, len(msgs) > 0, nil
	})
}

// Update applies fn to every cached message and persists when any call
// reports a change. It returns how many messages changed.
func (c *Confirmed) Update(ctx context.Context, conversationID string, fn func(m *message.Message) bool) (int, error) {
	changed := 0
	err := c.table.Mutate(ctx, conversationID, func(rows []message.Message) ([]message.Message, bool, error) {
		for i := range rows {
			m := rows[i].Clone()
			if fn(&m) {
				rows[i] = m
				changed++
			}
		}
		return rows, changed > 0, nil
	})
	return changed, err
}

// Remove deletes the message whose ServerID or LocalID equals id.
func (c *Confirmed) Remove(ctx context.Context, conversationID, id string) (bool, error) {
	removed := false
	err := c.table.Mutate(ctx, conversationID, func(rows []message.Message) ([]message.Message, bool, error) {
		kept := rows[:0]
		for _, m := range rows {
			if m.ServerID == id || m.LocalID == id {
				removed = true
				continue
			}
			kept = append(kept, m)
		}
		return kept, removed, nil
	})
	return removed, err
}

// Clear empties the conversation.
func (c *Confirmed) Clear(ctx context.Context, conversationID string) error {
	return c.table.Drop(ctx, conversationID)
}

// Flush retries pending writes.
func (c *Confirmed) Flush(ctx context.Context) error {
	return c.table.Flush(ctx)
}

package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"go.uber.org/zap"
)

// Outbox is the durable per-conversation queue of locally authored messages
// the server has not confirmed yet. It is unbounded until entries are
// confirmed, abandoned or cleared.
type Outbox struct {
	table *Table[message.OutboxEntry]
}

// NewOutbox creates the outbox over kv.
func NewOutbox(kv KV, logger *zap.Logger) *Outbox {
	return &Outbox{table: NewTable[message.OutboxEntry](kv, BucketOutbox, logger)}
}

// List returns the entries of a conversation in authoring order.
func (o *Outbox) List(ctx context.Context, conversationID string) ([]message.OutboxEntry, error) {
	return o.table.Get(ctx, conversationID)
}

// Get returns one entry by LocalID.
func (o *Outbox) Get(ctx context.Context, conversationID, localID string) (message.OutboxEntry, error) {
	entries, err := o.table.Get(ctx, conversationID)
	if err != nil {
		return message.OutboxEntry{}, err
	}
	for _, e := range entries {
		if e.LocalID() == localID {
			return e.Clone(), nil
		}
	}
	return message.OutboxEntry{}, fmt.Errorf("outbox entry %s/%s: %w", conversationID, localID, syncerr.ErrNotFound)
}

// Append queues a new entry. Appending a LocalID that is already queued is
// a no-op, so replays of the same authoring call are harmless.
func (o *Outbox) Append(ctx context.Context, conversationID string, entry message.OutboxEntry) error {
	if entry.LocalID() == "" {
		return fmt.Errorf("outbox entry without local id")
	}
	return o.table.Mutate(ctx, conversationID, func(rows []message.OutboxEntry) ([]message.OutboxEntry, bool, error) {
		for _, e := range rows {
			if e.LocalID() == entry.LocalID() {
				return rows, false, nil
			}
		}
		entry = entry.Clone()
		entry.Message.ConversationID = conversationID
		return append(rows, entry), true, nil
	})
}

// Update applies fn to the entry with localID and persists the result.
func (o *Outbox) Update(ctx context.Context, conversationID, localID string, fn func(e *message.OutboxEntry)) (message.OutboxEntry, error) {
	var updated message.OutboxEntry
	err := o.table.Mutate(ctx, conversationID, func(rows []message.OutboxEntry) ([]message.OutboxEntry, bool, error) {
		for i := range rows {
			if rows[i].LocalID() != localID {
				continue
			}
			e := rows[i].Clone()
			fn(&e)
			rows[i] = e
			updated = e.Clone()
			return rows, true, nil
		}
		return nil, false, fmt.Errorf("outbox entry %s/%s: %w", conversationID, localID, syncerr.ErrNotFound)
	})
	return updated, err
}

// Remove deletes the entry with localID, returning it when it existed.
func (o *Outbox) Remove(ctx context.Context, conversationID, localID string) (message.OutboxEntry, bool, error) {
	var removed message.OutboxEntry
	found := false
	err := o.table.Mutate(ctx, conversationID, func(rows []message.OutboxEntry) ([]message.OutboxEntry, bool, error) {
		kept := rows[:0]
		for _, e := range rows {
			if e.LocalID() == localID {
				removed, found = e, true
				continue
			}
			kept = append(kept, e)
		}
		return kept, found, nil
	})
	return removed, found, err
}

// Clear drops every entry of the conversation.
func (o *Outbox) Clear(ctx context.Context, conversationID string) error {
	return o.table.Drop(ctx, conversationID)
}

// Conversations lists conversations that have queued entries.
func (o *Outbox) Conversations(ctx context.Context) ([]string, error) {
	return o.table.Conversations(ctx)
}

// Flush retries pending writes.
func (o *Outbox) Flush(ctx context.Context) error {
	return o.table.Flush(ctx)
}

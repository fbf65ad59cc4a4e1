package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/dedup"
	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"github.com/matheus3301/msgsync/internal/view"
	"go.uber.org/zap"
)

// Reconciler is the only writer of the confirmed cache and the outbox. Every
// mutation runs under one mutex and folds through the deduplicator's
// matching rules, so the sender, the ingest and the control API never race
// each other on a conversation's state.
type Reconciler struct {
	mu        stdsync.Mutex
	confirmed *store.Confirmed
	outbox    *store.Outbox
	matcher   dedup.Matcher
	bus       *bus.Bus
	selfID    string
	logger    *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewReconciler creates a reconciler over the two stores. selfID is the
// local user; it authors composed messages and reads incoming ones.
func NewReconciler(confirmed *store.Confirmed, outbox *store.Outbox, matcher dedup.Matcher, b *bus.Bus, selfID string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		confirmed: confirmed,
		outbox:    outbox,
		matcher:   matcher,
		bus:       b,
		selfID:    selfID,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SelfID returns the local user id.
func (r *Reconciler) SelfID() string {
	return r.selfID
}

// Compose authors a new message: it gets a fresh LocalID, lands in the
// outbox as pending and is visible in the view before any network I/O.
func (r *Reconciler) Compose(ctx context.Context, conversationID, text, replyToID string) (message.Message, error) {
	if conversationID == "" {
		return message.Message{}, fmt.Errorf("compose: empty conversation id")
	}
	m := message.Message{
		ConversationID: conversationID,
		LocalID:        r.newID(),
		Text:           text,
		SenderID:       r.selfID,
		CreatedAt:      r.now().UTC(),
		IsMine:         true,
		Status:         message.StatusPending,
		ReplyToID:      replyToID,
	}

	r.mu.Lock()
	err := r.outbox.Append(ctx, conversationID, message.OutboxEntry{Message: m})
	r.mu.Unlock()
	if err = r.settle(err, "compose", conversationID); err != nil {
		return message.Message{}, err
	}
	r.bus.Emit(bus.MessageComposed, conversationID, m)
	return m, nil
}

// Entry returns one outbox entry.
func (r *Reconciler) Entry(ctx context.Context, conversationID, localID string) (message.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbox.Get(ctx, conversationID, localID)
}

// Pending returns the pending outbox entries of a conversation, oldest
// first. Failed entries wait for a manual retry and are left out.
func (r *Reconciler) Pending(ctx context.Context, conversationID string) ([]message.OutboxEntry, error) {
	r.mu.Lock()
	entries, err := r.outbox.List(ctx, conversationID)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pending := entries[:0]
	for _, e := range entries {
		if e.Message.Status == message.StatusPending {
			pending = append(pending, e)
		}
	}
	slices.SortStableFunc(pending, func(a, b message.OutboxEntry) int {
		return a.Message.CreatedAt.Compare(b.Message.CreatedAt)
	})
	return pending, nil
}

// OutboxConversations lists conversations that still have queued entries.
func (r *Reconciler) OutboxConversations(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbox.Conversations(ctx)
}

// Confirm settles a successful send: the server copy, combined with the
// local one so the LocalID survives as idempotency key, goes into the
// confirmed cache and the outbox entry is deleted. An entry that is already
// gone (a self-echo confirmed it first, or it was abandoned mid-flight)
// still gets the server copy recorded, since the server has it.
func (r *Reconciler) Confirm(ctx context.Context, conversationID, localID string, server message.Message) (message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found, err := r.outbox.Remove(ctx, conversationID, localID)
	if err = r.settle(err, "confirm", conversationID); err != nil {
		return message.Message{}, err
	}
	confirmed := server
	if found {
		confirmed = dedup.Combine(entry.Message, server)
	}
	if confirmed.LocalID == "" {
		confirmed.LocalID = localID
	}
	confirmed.IsMine = true
	confirmed.Status = message.StatusConfirmed
	if err := r.settle(r.confirmed.Upsert(ctx, conversationID, confirmed), "confirm", conversationID); err != nil {
		return message.Message{}, err
	}
	r.bus.Emit(bus.MessageSendAck, conversationID, confirmed)
	return confirmed, nil
}

// RecordFailure books a failed attempt on the entry. A terminal error, or a
// transient one that uses up maxAttempts, marks the entry failed; otherwise
// it stays pending for the next sweep.
func (r *Reconciler) RecordFailure(ctx context.Context, conversationID, localID string, sendErr error, maxAttempts int) (message.OutboxEntry, error) {
	r.mu.Lock()
	entry, err := r.outbox.Update(ctx, conversationID, localID, func(e *message.OutboxEntry) {
		e.RetryCount++
		e.LastAttemptAt = r.now().UTC()
		if sendErr != nil {
			e.LastError = sendErr.Error()
		}
		if syncerr.IsTerminal(sendErr) || e.RetryCount >= maxAttempts {
			e.Message.Status = message.StatusFailed
		}
	})
	r.mu.Unlock()
	if err = r.settle(err, "record failure", conversationID); err != nil {
		return message.OutboxEntry{}, err
	}
	if entry.Message.Status == message.StatusFailed {
		r.bus.Emit(bus.MessageSendFailed, conversationID, entry)
	}
	return entry, nil
}

// Retry moves a failed entry back to pending with a fresh attempt budget.
func (r *Reconciler) Retry(ctx context.Context, conversationID, localID string) (message.OutboxEntry, error) {
	r.mu.Lock()
	current, err := r.outbox.Get(ctx, conversationID, localID)
	if err != nil {
		r.mu.Unlock()
		return message.OutboxEntry{}, err
	}
	if current.Message.Status != message.StatusFailed {
		r.mu.Unlock()
		return message.OutboxEntry{}, fmt.Errorf("retry %s: %w", localID, syncerr.ErrNotFailed)
	}
	entry, err := r.outbox.Update(ctx, conversationID, localID, func(e *message.OutboxEntry) {
		e.Message.Status = message.StatusPending
		e.RetryCount = 0
		e.LastError = ""
	})
	r.mu.Unlock()
	if err = r.settle(err, "retry", conversationID); err != nil {
		return message.OutboxEntry{}, err
	}
	r.bus.Emit(bus.MessageRetried, conversationID, entry)
	return entry, nil
}

// Abandon drops an unconfirmed entry.
func (r *Reconciler) Abandon(ctx context.Context, conversationID, localID string) error {
	r.mu.Lock()
	_, found, err := r.outbox.Remove(ctx, conversationID, localID)
	r.mu.Unlock()
	if err = r.settle(err, "abandon", conversationID); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("abandon %s/%s: %w", conversationID, localID, syncerr.ErrNotFound)
	}
	r.bus.Emit(bus.MessageAbandoned, conversationID, localID)
	return nil
}

// ApplyIncoming folds a server-delivered message into the stores. When it
// matches an outbox entry (the self-echo of a message we just sent) that
// entry is confirmed by it; otherwise it is upserted into the cache, where
// matching by the same rules keeps redeliveries from duplicating. It
// reports whether an outbox entry was settled.
func (r *Reconciler) ApplyIncoming(ctx context.Context, conversationID string, m message.Message) (bool, error) {
	if m.ServerID == "" {
		return false, fmt.Errorf("incoming message without server id")
	}
	m.ConversationID = conversationID
	m.Status = message.StatusConfirmed

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.outbox.List(ctx, conversationID)
	if err != nil {
		return false, err
	}
	local := make([]message.Message, len(entries))
	for i, e := range entries {
		local[i] = e.Message
	}
	settled := false
	if i, tier := r.matcher.Find(local, m); tier != dedup.NoMatch {
		entry := entries[i]
		_, _, err := r.outbox.Remove(ctx, conversationID, entry.LocalID())
		if err = r.settle(err, "apply incoming", conversationID); err != nil {
			return false, err
		}
		r.logger.Debug("incoming message settles outbox entry",
			zap.String("conversation_id", conversationID),
			zap.String("local_id", entry.LocalID()),
			zap.String("server_id", m.ServerID),
			zap.Stringer("tier", tier))
		m = dedup.Combine(entry.Message, m)
		m.Status = message.StatusConfirmed
		settled = true
	}
	if err := r.settle(r.confirmed.Upsert(ctx, conversationID, m), "apply incoming", conversationID); err != nil {
		return settled, err
	}
	if settled {
		r.bus.Emit(bus.MessageSendAck, conversationID, m)
	}
	r.bus.Emit(bus.MessageUpserted, conversationID, m)
	return settled, nil
}

// ApplyRead adds readerID to the reader set of messageID. Applying the
// same receipt again changes nothing.
func (r *Reconciler) ApplyRead(ctx context.Context, conversationID, messageID, readerID string) (bool, error) {
	r.mu.Lock()
	n, err := r.confirmed.Update(ctx, conversationID, func(m *message.Message) bool {
		if m.ServerID != messageID && m.LocalID != messageID {
			return false
		}
		return markRead(m, readerID)
	})
	r.mu.Unlock()
	if err = r.settle(err, "apply read", conversationID); err != nil {
		return false, err
	}
	if n > 0 {
		r.bus.Emit(bus.MessageRead, conversationID, []string{messageID})
	}
	return n > 0, nil
}

// ApplyAllRead adds readerID to every message created at or before at that
// readerID did not author. A zero at means every message.
func (r *Reconciler) ApplyAllRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	var ids []string
	r.mu.Lock()
	n, err := r.confirmed.Update(ctx, conversationID, func(m *message.Message) bool {
		if m.SenderID == readerID || (!at.IsZero() && m.CreatedAt.After(at)) {
			return false
		}
		if markRead(m, readerID) {
			ids = append(ids, m.ServerID)
			return true
		}
		return false
	})
	r.mu.Unlock()
	if err = r.settle(err, "apply all read", conversationID); err != nil {
		return 0, err
	}
	if n > 0 {
		r.bus.Emit(bus.MessageRead, conversationID, ids)
	}
	return n, nil
}

// MarkReadLocal records that the local user read messageIDs, or every
// message from others when messageIDs is empty. It returns the ServerIDs
// whose state changed; an empty result means there is nothing to tell the
// server.
func (r *Reconciler) MarkReadLocal(ctx context.Context, conversationID string, messageIDs []string) ([]string, error) {
	var changed []string
	r.mu.Lock()
	_, err := r.confirmed.Update(ctx, conversationID, func(m *message.Message) bool {
		if m.IsMine || m.SenderID == r.selfID {
			return false
		}
		if len(messageIDs) > 0 && !slices.Contains(messageIDs, m.ServerID) {
			return false
		}
		if markRead(m, r.selfID) {
			changed = append(changed, m.ServerID)
			return true
		}
		return false
	})
	r.mu.Unlock()
	if err = r.settle(err, "mark read", conversationID); err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		r.bus.Emit(bus.MessageRead, conversationID, changed)
	}
	return changed, nil
}

// Delete removes a message from both stores. id may be a ServerID or a
// LocalID.
func (r *Reconciler) Delete(ctx context.Context, conversationID, id string) (bool, error) {
	r.mu.Lock()
	removed, err := r.confirmed.Remove(ctx, conversationID, id)
	if err = r.settle(err, "delete", conversationID); err != nil {
		r.mu.Unlock()
		return false, err
	}
	entries, err := r.outbox.List(ctx, conversationID)
	if err != nil {
		r.mu.Unlock()
		return removed, err
	}
	for _, e := range entries {
		if e.LocalID() != id && e.Message.ServerID != id {
			continue
		}
		_, found, err := r.outbox.Remove(ctx, conversationID, e.LocalID())
		if err = r.settle(err, "delete", conversationID); err != nil {
			r.mu.Unlock()
			return removed, err
		}
		removed = removed || found
	}
	r.mu.Unlock()
	if removed {
		r.bus.Emit(bus.MessageDeleted, conversationID, id)
	}
	return removed, nil
}

// Clear empties both stores of a conversation.
func (r *Reconciler) Clear(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	errConfirmed := r.settle(r.confirmed.Clear(ctx, conversationID), "clear", conversationID)
	errOutbox := r.settle(r.outbox.Clear(ctx, conversationID), "clear", conversationID)
	r.mu.Unlock()
	if err := errors.Join(errConfirmed, errOutbox); err != nil {
		return err
	}
	r.bus.Emit(bus.ConversationCleared, conversationID, nil)
	return nil
}

// View assembles the duplicate-free, timestamp-ascending message list of a
// conversation from a consistent snapshot of both stores.
func (r *Reconciler) View(ctx context.Context, conversationID string) ([]message.Message, error) {
	r.mu.Lock()
	confirmed, err := r.confirmed.List(ctx, conversationID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	entries, err := r.outbox.List(ctx, conversationID)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return view.Assembler{Matcher: r.matcher}.Assemble(confirmed, entries), nil
}

// Flush retries every write that failed earlier.
func (r *Reconciler) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.confirmed.Flush(ctx), r.outbox.Flush(ctx))
}

// settle swallows storage errors: the in-memory state already holds the
// change and the store rewrites it on its next write.
func (r *Reconciler) settle(err error, op, conversationID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syncerr.ErrStorage) {
		r.logger.Warn("change kept in memory only",
			zap.String("op", op),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return nil
	}
	return err
}

func markRead(m *message.Message, readerID string) bool {
	if !m.AddReader(readerID) {
		return false
	}
	m.Read = true
	return true
}

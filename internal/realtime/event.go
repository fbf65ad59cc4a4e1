// Package realtime is the bidirectional event channel to the chat server.
// Inbound frames are validated and decoded into a closed set of event types
// before they reach the ingest; outbound frames carry typing indicators and
// read marks.
package realtime

import (
	"fmt"
	"time"

	"github.com/matheus3301/msgsync/internal/remote"
)

// Kind is the wire type of an inbound event.
type Kind string

const (
	KindMessageNew          Kind = "message:new"
	KindMessageRead         Kind = "message:read"
	KindAllRead             Kind = "message:all-read"
	KindMessageDeleted      Kind = "message:deleted"
	KindConversationCleared Kind = "conversation:cleared"
)

// Event is one validated inbound event. The concrete type is one of
// MessageNew, MessageRead, AllRead, MessageDeleted or ConversationCleared.
type Event interface {
	Kind() Kind
	Conversation() string
	// DedupKey identifies a delivery for at-least-once suppression:
	// kind, message id, reader id and the minute the event happened in.
	// Events without a message id are keyed on their exact time instead.
	// An empty key means the event is never suppressed.
	DedupKey() string
}

// MessageNew announces a message stored by the server, possibly our own.
type MessageNew struct {
	ConversationID string
	Message        remote.WireMessage
}

func (e MessageNew) Kind() Kind           { return KindMessageNew }
func (e MessageNew) Conversation() string { return e.ConversationID }
func (e MessageNew) DedupKey() string {
	return dedupKey(KindMessageNew, e.Message.ID, "", e.Message.CreatedAt)
}

// MessageRead says ReaderID has read MessageID.
type MessageRead struct {
	ConversationID string
	MessageID      string
	ReaderID       string
	ReadAt         time.Time
}

func (e MessageRead) Kind() Kind           { return KindMessageRead }
func (e MessageRead) Conversation() string { return e.ConversationID }
func (e MessageRead) DedupKey() string {
	return dedupKey(KindMessageRead, e.MessageID, e.ReaderID, e.ReadAt)
}

// AllRead says ReaderID has read every message created at or before ReadAt.
type AllRead struct {
	ConversationID string
	ReaderID       string
	ReadAt         time.Time
}

func (e AllRead) Kind() Kind           { return KindAllRead }
func (e AllRead) Conversation() string { return e.ConversationID }
func (e AllRead) DedupKey() string {
	return exactKey(KindAllRead, e.ReaderID, e.ReadAt)
}

// MessageDeleted removes one message.
type MessageDeleted struct {
	ConversationID string
	MessageID      string
	DeletedAt      time.Time
}

func (e MessageDeleted) Kind() Kind           { return KindMessageDeleted }
func (e MessageDeleted) Conversation() string { return e.ConversationID }
func (e MessageDeleted) DedupKey() string {
	return dedupKey(KindMessageDeleted, e.MessageID, "", e.DeletedAt)
}

// ConversationCleared empties a conversation.
type ConversationCleared struct {
	ConversationID string
	ClearedAt      time.Time
}

func (e ConversationCleared) Kind() Kind           { return KindConversationCleared }
func (e ConversationCleared) Conversation() string { return e.ConversationID }
func (e ConversationCleared) DedupKey() string {
	if e.ClearedAt.IsZero() {
		// Nothing tells two untimed clears apart.
		return ""
	}
	return exactKey(KindConversationCleared, "", e.ClearedAt)
}

// KeyBucket is the width of the timestamp bucket in dedup keys.
const KeyBucket = time.Minute

func dedupKey(kind Kind, messageID, readerID string, at time.Time) string {
	var bucket int64
	if !at.IsZero() {
		bucket = at.UTC().Truncate(KeyBucket).Unix()
	}
	return fmt.Sprintf("%s|%s|%s|%d", kind, messageID, readerID, bucket)
}

// exactKey keys an event on its full-resolution time. Two distinct
// all-read or clear events in the same minute must not collide.
func exactKey(kind Kind, readerID string, at time.Time) string {
	var ns int64
	if !at.IsZero() {
		ns = at.UTC().UnixNano()
	}
	return fmt.Sprintf("%s||%s|%d", kind, readerID, ns)
}

package api

import (
	"time"

	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/view"
)

type ComposeRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

type ComposeResponse struct {
	Message message.Message `json:"message"`
}

type ViewRequest struct {
	ConversationID string `json:"conversationId"`
}

type ViewResponse struct {
	Snapshot view.Snapshot `json:"snapshot"`
}

type RetryRequest struct {
	ConversationID string `json:"conversationId"`
	LocalID        string `json:"localId"`
}

type RetryResponse struct {
	Entry message.OutboxEntry `json:"entry"`
}

type AbandonRequest struct {
	ConversationID string `json:"conversationId"`
	LocalID        string `json:"localId"`
}

type AbandonResponse struct{}

// MarkReadRequest marks MessageIDs read, or every message from others when
// MessageIDs is empty.
type MarkReadRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// MarkReadResponse lists the messages whose state changed. Delivered is
// false when the server could not be told yet; the local state is kept.
type MarkReadResponse struct {
	Changed   []string `json:"changed"`
	Delivered bool     `json:"delivered"`
}

// DeleteRequest deletes by ServerID or LocalID.
type DeleteRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type DeleteResponse struct {
	Removed bool `json:"removed"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type TypingResponse struct{}

type StatusRequest struct{}

type StatusResponse struct {
	Profile              string    `json:"profile"`
	Connection           string    `json:"connection"`
	Since                time.Time `json:"since"`
	UptimeMs             int64     `json:"uptimeMs"`
	OutboxConversations  []string  `json:"outboxConversations"`
	SyncingConversations []string  `json:"syncingConversations,omitempty"`
	DroppedEvents        uint64    `json:"droppedEvents"`
}

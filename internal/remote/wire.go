package remote

import (
	"time"

	"github.com/matheus3301/msgsync/internal/message"
)

// WireMessage is a message as the server encodes it, in REST responses and
// in message:new events alike.
type WireMessage struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	ReadBy         []string  `json:"readBy,omitempty"`
	ReplyToID      string    `json:"replyToId,omitempty"`
}

// ToMessage converts a server message into a confirmed message as seen by
// selfID. The echoed client id, when present, becomes the LocalID so the
// deduplicator can match it against the outbox by id.
func (w WireMessage) ToMessage(conversationID, selfID string) message.Message {
	if w.ConversationID != "" {
		conversationID = w.ConversationID
	}
	m := message.Message{
		ConversationID: conversationID,
		ServerID:       w.ID,
		LocalID:        w.ClientID,
		Text:           w.Text,
		SenderID:       w.SenderID,
		CreatedAt:      w.CreatedAt,
		IsMine:         selfID != "" && w.SenderID == selfID,
		Status:         message.StatusConfirmed,
		ReplyToID:      w.ReplyToID,
	}
	for _, r := range w.ReadBy {
		if r != w.SenderID {
			m.AddReader(r)
		}
	}
	m.Read = len(m.ReadBy) > 0
	return m
}

// OutgoingMessage is the body of POST /conversations/{id}/messages.
type OutgoingMessage struct {
	ClientID  string    `json:"clientId"`
	Text      string    `json:"text"`
	ReplyToID string    `json:"replyToId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewOutgoing builds the request body for an unconfirmed message. Its
// LocalID travels as the idempotency key.
func NewOutgoing(m message.Message) OutgoingMessage {
	return OutgoingMessage{
		ClientID:  m.LocalID,
		Text:      m.Text,
		ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt,
	}
}

type readRequest struct {
	MessageIDs []string  `json:"messageIds,omitempty"`
	ReadAt     time.Time `json:"readAt"`
}

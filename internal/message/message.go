// Package message holds the conversation data model shared by the stores,
// the deduplicator, the send pipeline and the view.
package message

import (
	"slices"
	"time"
)

// Status is the delivery state of a message as shown to the user.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Message is one chat message. ServerID is set once the server has
// acknowledged it; LocalID is the client-generated id it was authored under
// and doubles as the idempotency key sent with it.
type Message struct {
	ConversationID string    `json:"conversationId"`
	ServerID       string    `json:"serverId,omitempty"`
	LocalID        string    `json:"localId,omitempty"`
	Text           string    `json:"text"`
	SenderID       string    `json:"senderId"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
	ReadBy         []string  `json:"readBy,omitempty"`
	IsMine         bool      `json:"isMine"`
	Status         Status    `json:"status"`
	ReplyToID      string    `json:"replyToId,omitempty"`
}

// Identity returns the active id: the ServerID once assigned, else the LocalID.
func (m Message) Identity() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}

// Confirmed reports whether the server has acknowledged the message.
func (m Message) Confirmed() bool {
	return m.Status == StatusConfirmed && m.ServerID != ""
}

// HasReader reports whether readerID is in the reader set.
func (m Message) HasReader(readerID string) bool {
	_, found := slices.BinarySearch(m.ReadBy, readerID)
	return found
}

// AddReader inserts readerID into the reader set, keeping it sorted and
// unique. It reports whether the set changed.
func (m *Message) AddReader(readerID string) bool {
	if readerID == "" {
		return false
	}
	i, found := slices.BinarySearch(m.ReadBy, readerID)
	if found {
		return false
	}
	m.ReadBy = slices.Insert(m.ReadBy, i, readerID)
	return true
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// OutboxEntry is a locally authored message that the server has not yet
// confirmed, together with its retry bookkeeping.
type OutboxEntry struct {
	Message       Message   `json:"message"`
	RetryCount    int       `json:"retryCount"`
	LastAttemptAt time.Time `json:"lastAttemptAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// LocalID is shorthand for the entry's message LocalID.
func (e OutboxEntry) LocalID() string {
	return e.Message.LocalID
}

// Clone returns a deep copy of the entry.
func (e OutboxEntry) Clone() OutboxEntry {
	e.Message = e.Message.Clone()
	return e
}

// SortByCreatedAt orders messages ascending by CreatedAt. Ties fall back to
// the identity so the order is deterministic.
func SortByCreatedAt(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Identity() < b.Identity():
			return -1
		case a.Identity() > b.Identity():
			return 1
		}
		return 0
	})
}

// Package view assembles the conversation view handed to the UI. It never
// mutates the stores; every call recomputes from the current snapshots.
package view

import (
	"github.com/matheus3301/msgsync/internal/dedup"
	"github.com/matheus3301/msgsync/internal/message"
)

// Snapshot is everything the UI needs to render one conversation.
type Snapshot struct {
	ConversationID string            `json:"conversationId"`
	Messages       []message.Message `json:"messages"`
	Syncing        bool              `json:"syncing"`
	Connection     string            `json:"connection"`
}

// Pending counts messages not yet confirmed, failed ones included.
func (s Snapshot) Pending() int {
	n := 0
	for _, m := range s.Messages {
		if m.Status != message.StatusConfirmed {
			n++
		}
	}
	return n
}

// Assembler builds views with a configured matcher.
type Assembler struct {
	Matcher dedup.Matcher
}

// Assemble merges the confirmed cache and the outbox messages into one
// timestamp-ascending, duplicate-free list.
func (a Assembler) Assemble(confirmed []message.Message, outbox []message.OutboxEntry) []message.Message {
	local := make([]message.Message, 0, len(outbox))
	for _, e := range outbox {
		local = append(local, e.Message)
	}
	return a.Matcher.Merge(confirmed, local, nil)
}

// Assemble uses the default matcher.
func Assemble(confirmed []message.Message, outbox []message.OutboxEntry) []message.Message {
	return Assembler{}.Assemble(confirmed, outbox)
}

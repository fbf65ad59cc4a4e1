// Package dedup merges confirmed messages, outbox messages and an optional
// incoming message into one ordered list where each logical message appears
// exactly once.
//
// Two messages are the same when, in order of precedence:
//
//  1. both carry a ServerID and the ServerIDs are equal,
//  2. both carry a LocalID and the LocalIDs are equal,
//  3. they share no comparable id, have the same sender and text, and were
//     created less than the fuzzy window apart.
//
// A pair whose ServerIDs (or LocalIDs) are both present but differ is never
// the same message, whatever its content. The content tier only exists for
// copies that reach us before any shared id does, such as a push delivery
// from a server that does not echo the client id.
package dedup

import (
	"time"

	"github.com/matheus3301/msgsync/internal/message"
)

// DefaultWindow is the fuzzy-match window.
const DefaultWindow = 5 * time.Second

// Tier says how two messages were matched.
type Tier int

const (
	NoMatch Tier = iota
	ByServerID
	ByLocalID
	ByContent
)

func (t Tier) String() string {
	switch t {
	case ByServerID:
		return "server_id"
	case ByLocalID:
		return "local_id"
	case ByContent:
		return "content"
	default:
		return "none"
	}
}

// Matcher holds the fuzzy window. The zero value uses DefaultWindow.
type Matcher struct {
	Window time.Duration
}

func (m Matcher) window() time.Duration {
	if m.Window <= 0 {
		return DefaultWindow
	}
	return m.Window
}

// Same reports whether a and b are the same logical message and which tier
// decided it.
func (m Matcher) Same(a, b message.Message) Tier {
	if a.ServerID == "" && a.LocalID == "" || b.ServerID == "" && b.LocalID == "" {
		return NoMatch
	}

	sharedKind := false
	if a.ServerID != "" && b.ServerID != "" {
		if a.ServerID == b.ServerID {
			return ByServerID
		}
		sharedKind = true
	}
	if a.LocalID != "" && b.LocalID != "" {
		if a.LocalID == b.LocalID {
			return ByLocalID
		}
		sharedKind = true
	}
	if sharedKind {
		return NoMatch
	}

	if a.SenderID != b.SenderID || a.Text != b.Text {
		return NoMatch
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta < m.window() {
		return ByContent
	}
	return NoMatch
}

// Find returns the index in msgs of the message matching target, preferring
// the most specific tier across the whole list, or -1.
func (m Matcher) Find(msgs []message.Message, target message.Message) (int, Tier) {
	best, bestTier := -1, NoMatch
	for i := range msgs {
		tier := m.Same(msgs[i], target)
		if tier == NoMatch {
			continue
		}
		if bestTier == NoMatch || tier < bestTier {
			best, bestTier = i, tier
			if tier == ByServerID {
				break
			}
		}
	}
	return best, bestTier
}

// Merge returns confirmed, outbox and incoming (when non-nil) folded into
// one list sorted ascending by CreatedAt. Later inputs are treated as
// fresher than earlier ones.
func (m Matcher) Merge(confirmed, outbox []message.Message, incoming *message.Message) []message.Message {
	out := make([]message.Message, 0, len(confirmed)+len(outbox)+1)
	add := func(msg message.Message) {
		if i, tier := m.Find(out, msg); tier != NoMatch {
			out[i] = Combine(out[i], msg)
			return
		}
		out = append(out, msg.Clone())
	}
	for _, msg := range confirmed {
		add(msg)
	}
	for _, msg := range outbox {
		add(msg)
	}
	if incoming != nil {
		add(*incoming)
	}
	message.SortByCreatedAt(out)
	return out
}

// Combine folds two copies of the same logical message. The fresher copy
// wins: a confirmed copy beats an unconfirmed one, otherwise newer wins.
// Ids and readers from both sides are kept.
func Combine(older, newer message.Message) message.Message {
	keep, other := newer.Clone(), older
	if older.Confirmed() && !newer.Confirmed() {
		keep, other = older.Clone(), newer
	}

	if keep.ServerID == "" {
		keep.ServerID = other.ServerID
	}
	if keep.LocalID == "" {
		keep.LocalID = other.LocalID
	}
	if keep.ReplyToID == "" {
		keep.ReplyToID = other.ReplyToID
	}
	if keep.CreatedAt.IsZero() {
		keep.CreatedAt = other.CreatedAt
	}
	keep.IsMine = keep.IsMine || other.IsMine
	keep.Read = keep.Read || other.Read
	for _, r := range other.ReadBy {
		keep.AddReader(r)
	}
	return keep
}

var defaultMatcher Matcher

// Same uses the default window.
func Same(a, b message.Message) Tier { return defaultMatcher.Same(a, b) }

// Find uses the default window.
func Find(msgs []message.Message, target message.Message) (int, Tier) {
	return defaultMatcher.Find(msgs, target)
}

// Merge uses the default window.
func Merge(confirmed, outbox []message.Message, incoming *message.Message) []message.Message {
	return defaultMatcher.Merge(confirmed, outbox, incoming)
}

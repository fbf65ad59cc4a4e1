package dedup

import (
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/message"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func confirmed(serverID, sender, text string, at time.Time) message.Message {
	return message.Message{ConversationID: "c1", ServerID: serverID, SenderID: sender, Text: text, CreatedAt: at, Status: message.StatusConfirmed}
}

func pending(localID, sender, text string, at time.Time) message.Message {
	return message.Message{ConversationID: "c1", LocalID: localID, SenderID: sender, Text: text, CreatedAt: at, Status: message.StatusPending, IsMine: true}
}

func TestSameTiers(t *testing.T) {
	tests := []struct {
		name string
		a, b message.Message
		want Tier
	}{
		{
			"server id equal",
			confirmed("s1", "u1", "hi", t0),
			confirmed("s1", "u1", "edited", t0.Add(time.Hour)),
			ByServerID,
		},
		{
			"local id equal",
			pending("l1", "me", "hi", t0),
			message.Message{ServerID: "s9", LocalID: "l1", SenderID: "me", Text: "hi", CreatedAt: t0.Add(time.Second), Status: message.StatusConfirmed},
			ByLocalID,
		},
		{
			"content within window",
			pending("l1", "me", "hi", t0),
			confirmed("s1", "me", "hi", t0.Add(2*time.Second)),
			ByContent,
		},
		{
			"content outside window",
			pending("l1", "me", "hi", t0),
			confirmed("s1", "me", "hi", t0.Add(5*time.Second)),
			NoMatch,
		},
		{
			"different sender",
			pending("l1", "me", "hi", t0),
			confirmed("s1", "other", "hi", t0),
			NoMatch,
		},
		{
			"different server ids never fuzzy",
			confirmed("s1", "me", "ok", t0),
			confirmed("s2", "me", "ok", t0.Add(time.Second)),
			NoMatch,
		},
		{
			"different local ids never fuzzy",
			pending("l1", "me", "ok", t0),
			pending("l2", "me", "ok", t0.Add(time.Second)),
			NoMatch,
		},
		{
			"no ids is unmatchable",
			message.Message{SenderID: "me", Text: "hi", CreatedAt: t0},
			message.Message{SenderID: "me", Text: "hi", CreatedAt: t0},
			NoMatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Same(tt.a, tt.b); got != tt.want {
				t.Errorf("Same() = %s, want %s", got, tt.want)
			}
			if got := Same(tt.b, tt.a); got != tt.want {
				t.Errorf("Same() reversed = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFindPrefersMostSpecificTier(t *testing.T) {
	list := []message.Message{
		confirmed("s1", "me", "hi", t0),
		pending("l1", "me", "hi", t0),
	}
	target := message.Message{LocalID: "l1", SenderID: "me", Text: "hi", CreatedAt: t0}
	i, tier := Find(list, target)
	if i != 1 || tier != ByLocalID {
		t.Errorf("Find() = (%d, %s), want (1, local_id)", i, tier)
	}
}

func TestMergeSelfEchoCollapses(t *testing.T) {
	local := pending("l1", "me", "Hi", t0)
	echo := confirmed("s1", "me", "Hi", t0.Add(2*time.Second))

	got := Merge(nil, []message.Message{local}, &echo)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].ServerID != "s1" || got[0].LocalID != "l1" {
		t.Errorf("ids = (%q, %q), want (s1, l1)", got[0].ServerID, got[0].LocalID)
	}
	if got[0].Status != message.StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got[0].Status)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	cache := []message.Message{confirmed("s1", "u2", "hello", t0)}
	out := []message.Message{pending("l1", "me", "hey", t0.Add(time.Minute))}
	incoming := confirmed("s2", "u2", "news", t0.Add(30*time.Second))

	once := Merge(cache, out, &incoming)
	twice := Merge(once, nil, &incoming)

	if len(once) != len(twice) {
		t.Fatalf("len once = %d, twice = %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Identity() != twice[i].Identity() || once[i].Status != twice[i].Status {
			t.Errorf("index %d: once = %+v, twice = %+v", i, once[i], twice[i])
		}
	}
}

func TestMergeSortsAscending(t *testing.T) {
	cache := []message.Message{
		confirmed("s3", "u", "c", t0.Add(3*time.Second)),
		confirmed("s1", "u", "a", t0.Add(1*time.Second)),
	}
	out := []message.Message{pending("l2", "me", "b", t0.Add(2*time.Second))}

	got := Merge(cache, out, nil)
	want := []string{"s1", "l2", "s3"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].Identity() != id {
			t.Errorf("index %d = %s, want %s", i, got[i].Identity(), id)
		}
	}
}

func TestMergeKeepsUnmatchable(t *testing.T) {
	orphan := message.Message{SenderID: "me", Text: "x", CreatedAt: t0}
	got := Merge([]message.Message{orphan}, nil, &orphan)
	if len(got) != 2 {
		t.Errorf("got %d messages, want 2 (id-less messages never merge)", len(got))
	}
}

func TestCombineUnionsReadersAndPrefersConfirmed(t *testing.T) {
	a := confirmed("s1", "me", "hi", t0)
	a.ReadBy = []string{"u2"}
	b := pending("l1", "me", "hi", t0)
	b.ServerID = "s1"
	b.Status = message.StatusPending
	b.ReadBy = []string{"u3"}

	got := Combine(a, b)
	if got.Status != message.StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
	if got.LocalID != "l1" {
		t.Errorf("local id = %q, want l1", got.LocalID)
	}
	if len(got.ReadBy) != 2 || !got.HasReader("u2") || !got.HasReader("u3") {
		t.Errorf("readers = %v, want [u2 u3]", got.ReadBy)
	}
}

func TestMatcherCustomWindow(t *testing.T) {
	m := Matcher{Window: 10 * time.Second}
	if tier := m.Same(pending("l1", "me", "hi", t0), confirmed("s1", "me", "hi", t0.Add(7*time.Second))); tier != ByContent {
		t.Errorf("Same() = %s, want content with a 10s window", tier)
	}
}

package view

import (
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/message"
)

func TestAssembleOrdersRegardlessOfInsertion(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := []message.Message{
		{ServerID: "s2", Text: "second", CreatedAt: base.Add(2 * time.Minute), Status: message.StatusConfirmed},
		{ServerID: "s1", Text: "first", CreatedAt: base.Add(time.Minute), Status: message.StatusConfirmed},
	}
	outbox := []message.OutboxEntry{
		{Message: message.Message{LocalID: "l0", Text: "zero", CreatedAt: base, Status: message.StatusPending}},
	}

	got := Assemble(cache, outbox)
	want := []string{"zero", "first", "second"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Text != want[i] {
			t.Errorf("index %d = %q, want %q", i, got[i].Text, want[i])
		}
	}
}

func TestAssembleDoesNotMutateInputs(t *testing.T) {
	cache := []message.Message{{ServerID: "s1", ReadBy: []string{"a"}, Status: message.StatusConfirmed}}
	outbox := []message.OutboxEntry{{Message: message.Message{ServerID: "s1", ReadBy: []string{"b"}}}}

	got := Assemble(cache, outbox)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if len(cache[0].ReadBy) != 1 {
		t.Errorf("cache readers mutated: %v", cache[0].ReadBy)
	}
}

func TestSnapshotPending(t *testing.T) {
	s := Snapshot{Messages: []message.Message{
		{Status: message.StatusConfirmed},
		{Status: message.StatusPending},
		{Status: message.StatusFailed},
	}}
	if got := s.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
}

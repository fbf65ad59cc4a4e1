package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/realtime"
	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"go.uber.org/zap"
)

func newEngine(t *testing.T, f *fixture) *Engine {
	t.Helper()
	return NewEngine(f.reconciler, NewKeyLog(f.kv, 50, nil), f.bus, nil)
}

// A self-echo without the client id, two seconds after the local send and
// with identical text, collapses into the outbox entry.
func TestSelfEchoCollapses(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	e := newEngine(t, f)
	ctx := context.Background()
	_, _ = f.reconciler.Compose(ctx, "c1", "Hi", "")

	echo := realtime.MessageNew{ConversationID: "c1", Message: remote.WireMessage{
		ID: "s1", SenderID: "me", Text: "Hi", CreatedAt: t0.Add(2 * time.Second),
	}}
	if err := e.Handle(ctx, echo); err != nil {
		t.Fatal(err)
	}
	v := f.view(t, "c1")
	if len(v) != 1 {
		t.Fatalf("view has %d messages, want 1: %+v", len(v), v)
	}
	if v[0].ServerID != "s1" || v[0].Status != message.StatusConfirmed {
		t.Errorf("message = %+v", v[0])
	}
	entries, _ := f.outbox.List(ctx, "c1")
	if len(entries) != 0 {
		t.Errorf("outbox has %d entries, want 0", len(entries))
	}
}

func TestDuplicateDeliveryDropped(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	e := newEngine(t, f)
	ctx := context.Background()
	_ = f.confirmed.Upsert(ctx, "c1", message.Message{ServerID: "s1", SenderID: "me", Text: "a", CreatedAt: t0})

	read := realtime.MessageRead{ConversationID: "c1", MessageID: "s1", ReaderID: "u2", ReadAt: t0.Add(time.Second)}
	if err := e.Handle(ctx, read); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := e.Handle(ctx, read); !errors.Is(err, syncerr.ErrDuplicateEvent) {
			t.Fatalf("redelivery %d error = %v, want ErrDuplicateEvent", i, err)
		}
	}
	v := f.view(t, "c1")
	if len(v[0].ReadBy) != 1 {
		t.Errorf("readBy = %v, want 1 reader", v[0].ReadBy)
	}
}

func TestClearEventResetsKeys(t *testing.T) {
	f := newFixture(t, testDB(t))
	e := newEngine(t, f)
	ctx := context.Background()

	newMsg := realtime.MessageNew{ConversationID: "c1", Message: remote.WireMessage{ID: "s1", SenderID: "u2", Text: "a", CreatedAt: t0}}
	if err := e.Handle(ctx, newMsg); err != nil {
		t.Fatal(err)
	}
	_, _ = f.reconciler.Compose(ctx, "c1", "pending", "")

	cleared := realtime.ConversationCleared{ConversationID: "c1", ClearedAt: t0.Add(time.Minute)}
	if err := e.Handle(ctx, cleared); err != nil {
		t.Fatal(err)
	}
	if v := f.view(t, "c1"); len(v) != 0 {
		t.Errorf("view after clear = %+v, want empty", v)
	}

	// The old key is gone with the clear, so the server may resend history.
	if err := e.Handle(ctx, newMsg); err != nil {
		t.Errorf("message after clear error = %v", err)
	}
	// A late copy of the clear itself must not wipe it again.
	if err := e.Handle(ctx, cleared); !errors.Is(err, syncerr.ErrDuplicateEvent) {
		t.Errorf("repeated clear error = %v, want ErrDuplicateEvent", err)
	}
	if v := f.view(t, "c1"); len(v) != 1 {
		t.Errorf("view = %+v, want the resent message", v)
	}
}

func TestRepeatedClearsEachEmptyTheConversation(t *testing.T) {
	tests := []struct {
		name          string
		first, second time.Time
	}{
		{"untimed", time.Time{}, time.Time{}},
		{"same minute", t0.Add(5 * time.Second), t0.Add(40 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, store.NewMemory())
			e := newEngine(t, f)
			ctx := context.Background()

			if err := e.Handle(ctx, realtime.ConversationCleared{ConversationID: "c1", ClearedAt: tt.first}); err != nil {
				t.Fatal(err)
			}
			newMsg := realtime.MessageNew{ConversationID: "c1", Message: remote.WireMessage{ID: "s9", SenderID: "u2", Text: "after", CreatedAt: t0.Add(20 * time.Second)}}
			if err := e.Handle(ctx, newMsg); err != nil {
				t.Fatal(err)
			}
			_, _ = f.reconciler.Compose(ctx, "c1", "queued", "")

			if err := e.Handle(ctx, realtime.ConversationCleared{ConversationID: "c1", ClearedAt: tt.second}); err != nil {
				t.Fatalf("second clear error = %v", err)
			}
			if v := f.view(t, "c1"); len(v) != 0 {
				t.Errorf("view after second clear = %+v, want empty", v)
			}
			if entries, _ := f.outbox.List(ctx, "c1"); len(entries) != 0 {
				t.Errorf("outbox has %d entries, want 0", len(entries))
			}
		})
	}
}

func TestDeletedEvent(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	e := newEngine(t, f)
	ctx := context.Background()
	_ = f.confirmed.Upsert(ctx, "c1", message.Message{ServerID: "s1", SenderID: "u2", Text: "a", CreatedAt: t0})

	if err := e.Handle(ctx, realtime.MessageDeleted{ConversationID: "c1", MessageID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if v := f.view(t, "c1"); len(v) != 0 {
		t.Errorf("view = %+v, want empty", v)
	}
}

func TestAllReadEvent(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	e := newEngine(t, f)
	ctx := context.Background()
	_ = f.confirmed.Upsert(ctx, "c1",
		message.Message{ServerID: "s1", SenderID: "me", Text: "a", CreatedAt: t0},
		message.Message{ServerID: "s2", SenderID: "me", Text: "b", CreatedAt: t0.Add(time.Second)},
	)
	if err := e.Handle(ctx, realtime.AllRead{ConversationID: "c1", ReaderID: "u2", ReadAt: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	for _, m := range f.view(t, "c1") {
		if !m.HasReader("u2") {
			t.Errorf("%s not read by u2", m.ServerID)
		}
	}
}

// Two all-read marks from one reader within a minute both apply: a message
// created between them is read by the second.
func TestAllReadSameMinute(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	e := newEngine(t, f)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_ = f.confirmed.Upsert(ctx, "c1",
		message.Message{ServerID: "s1", SenderID: "me", Text: "a", CreatedAt: base},
		message.Message{ServerID: "s2", SenderID: "me", Text: "b", CreatedAt: base.Add(15 * time.Second)},
	)

	if err := e.Handle(ctx, realtime.AllRead{ConversationID: "c1", ReaderID: "u2", ReadAt: base.Add(6 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	second := realtime.AllRead{ConversationID: "c1", ReaderID: "u2", ReadAt: base.Add(25 * time.Second)}
	if err := e.Handle(ctx, second); err != nil {
		t.Fatalf("second all-read error = %v", err)
	}
	for _, m := range f.view(t, "c1") {
		if !m.HasReader("u2") {
			t.Errorf("%s not read by u2", m.ServerID)
		}
	}
	if err := e.Handle(ctx, second); !errors.Is(err, syncerr.ErrDuplicateEvent) {
		t.Errorf("redelivered all-read error = %v, want ErrDuplicateEvent", err)
	}
}

func TestKeyLogIsBounded(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	k := NewKeyLog(kv, 3, nil)
	for i := 0; i < 5; i++ {
		if err := k.Record(ctx, "c1", fmt.Sprintf("k%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range []bool{false, false, true, true, true} {
		seen, _ := k.Seen(ctx, "c1", fmt.Sprintf("k%d", i))
		if seen != want {
			t.Errorf("Seen(k%d) = %v, want %v", i, seen, want)
		}
	}

	// Persisted: a fresh log over the same kv remembers.
	again := NewKeyLog(kv, 3, nil)
	if seen, _ := again.Seen(ctx, "c1", "k4"); !seen {
		t.Error("key log not persisted")
	}
	if err := again.Reset(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if seen, _ := again.Seen(ctx, "c1", "k4"); seen {
		t.Error("key survived reset")
	}
}

// TestEngineBusSubscription verifies the engine processes events from the bus.
func TestEngineBusSubscription(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	logger, _ := zap.NewDevelopment()
	e := NewEngine(f.reconciler, NewKeyLog(f.kv, 50, nil), f.bus, logger)

	ch, unsub := f.bus.Subscribe(bus.MessageUpserted, 10)
	defer unsub()

	e.Start(context.Background())
	defer e.Stop()

	evt := realtime.MessageNew{ConversationID: "bus-test", Message: remote.WireMessage{ID: "s1", SenderID: "u2", Text: "from bus", CreatedAt: t0}}
	f.bus.Publish(bus.Event{Kind: bus.NSRealtime + string(evt.Kind()), ConversationID: "bus-test", Payload: evt})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.upserted event")
	}
	v := f.view(t, "bus-test")
	if len(v) != 1 || v[0].Text != "from bus" {
		t.Errorf("view = %+v", v)
	}
}

package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func TestChannelPublishesEventsAndSendsFrames(t *testing.T) {
	got := make(chan Frame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"message:read","conversationId":"c1","data":{"messageId":"s1","readerId":"u2"}}`))
		var f Frame
		if err := wsjson.Read(ctx, c, &f); err == nil {
			got <- f
		}
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := bus.New()
	events, unsub := b.Subscribe(bus.NSRealtime, 10)
	defer unsub()
	sm := status.NewMachine(b)
	parser, err := NewParser()
	if err != nil {
		t.Fatal(err)
	}
	ch := NewChannel(Options{URL: wsURL(srv), Token: "tok", MinBackoff: 10 * time.Millisecond}, parser, b, sm, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ch.Run(ctx)
		close(done)
	}()

	select {
	case evt := <-events:
		if evt.Kind != "rt.message:read" || evt.ConversationID != "c1" {
			t.Errorf("event = %s/%s", evt.Kind, evt.ConversationID)
		}
		if _, ok := evt.Payload.(MessageRead); !ok {
			t.Errorf("payload type = %T, want MessageRead", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	waitState(t, sm, status.Online)

	if err := ch.Typing(ctx, "c1", true); err != nil {
		t.Fatalf("Typing() error = %v", err)
	}
	select {
	case f := <-got:
		if f.Type != TypeTyping || f.ConversationID != "c1" {
			t.Errorf("frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the typing frame")
	}

	cancel()
	<-done
	if sm.Current() != status.Offline {
		t.Errorf("state after stop = %s, want OFFLINE", sm.Current())
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	accepted := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- struct{}{}
		c.Close(websocket.StatusGoingAway, "bye")
	}))
	defer srv.Close()

	ch := NewChannel(Options{URL: wsURL(srv), MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, nil, bus.New(), status.NewMachine(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ch.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-accepted:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}
}

func TestChannelOfflineWithoutURL(t *testing.T) {
	sm := status.NewMachine(nil)
	ch := NewChannel(Options{}, nil, bus.New(), sm, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = ch.Run(ctx)
	if sm.Current() != status.Offline {
		t.Errorf("state = %s, want OFFLINE", sm.Current())
	}
	if err := ch.MarkRead(context.Background(), "c1", []string{"s1"}); !errors.Is(err, syncerr.ErrOffline) {
		t.Errorf("MarkRead() error = %v, want ErrOffline", err)
	}
}

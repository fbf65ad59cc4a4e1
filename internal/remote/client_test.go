package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/syncerr"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "tok", "me", time.Second, srv.Client(), nil)
}

func TestPostMessageSuccess(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var body OutgoingMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.ClientID != "l1" || body.Text != "hi" {
			t.Errorf("body = %+v", body)
		}
		_ = json.NewEncoder(w).Encode(WireMessage{ID: "s1", ClientID: body.ClientID, SenderID: "me", Text: body.Text, CreatedAt: created})
	})

	got, err := c.PostMessage(context.Background(), "c1", message.Message{LocalID: "l1", Text: "hi", CreatedAt: created})
	if err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	if got.ServerID != "s1" || got.LocalID != "l1" || got.ConversationID != "c1" {
		t.Errorf("message = %+v", got)
	}
	if got.Status != message.StatusConfirmed || !got.IsMine {
		t.Errorf("status = %s, isMine = %v", got.Status, got.IsMine)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"forbidden", http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"nope","message":"denied"}`))
			})
			_, err := c.PostMessage(context.Background(), "c1", message.Message{LocalID: "l1", Text: "hi"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, syncerr.ErrTransient); got != tt.transient {
				t.Errorf("transient = %v, want %v (err = %v)", got, tt.transient, err)
			}
			if syncerr.IsTerminal(err) == tt.transient {
				t.Errorf("IsTerminal = %v for %v", syncerr.IsTerminal(err), err)
			}
			if !tt.transient {
				var rejected *syncerr.RejectedError
				if !errors.As(err, &rejected) || rejected.Code != "nope" || rejected.StatusCode != tt.status {
					t.Errorf("rejected = %+v", rejected)
				}
			}
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(url, "", "me", time.Second, nil, nil)
	_, err := c.PostMessage(context.Background(), "c1", message.Message{LocalID: "l1"})
	if !errors.Is(err, syncerr.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	c.timeout = 50 * time.Millisecond
	err := c.PostRead(context.Background(), "c1", []string{"s1"}, time.Now())
	if !errors.Is(err, syncerr.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestPostRead(t *testing.T) {
	var got readRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/read" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.PostRead(context.Background(), "c1", []string{"s1", "s2"}, time.Now()); err != nil {
		t.Fatalf("PostRead() error = %v", err)
	}
	if len(got.MessageIDs) != 2 {
		t.Errorf("message ids = %v", got.MessageIDs)
	}
}

func TestDeleteMessageNotFoundIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/conversations/c1/messages/s1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	})
	if err := c.DeleteMessage(context.Background(), "c1", "s1"); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
}

func TestWireMessageReaders(t *testing.T) {
	w := WireMessage{ID: "s1", SenderID: "me", ReadBy: []string{"u3", "me", "u2"}}
	m := w.ToMessage("c1", "me")
	if !m.IsMine || !m.Read {
		t.Errorf("isMine = %v, read = %v", m.IsMine, m.Read)
	}
	if len(m.ReadBy) != 2 || m.ReadBy[0] != "u2" || m.ReadBy[1] != "u3" {
		t.Errorf("readBy = %v, want [u2 u3]", m.ReadBy)
	}
}

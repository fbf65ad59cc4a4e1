package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// DefaultMinBackoff and DefaultMaxBackoff bound the reconnect delay.
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second

	readLimit = 1 << 20
)

// Outbound frame types.
const (
	TypeTyping   = "typing"
	TypeMarkRead = "mark-read"
)

// Options configures a Channel.
type Options struct {
	URL        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	HTTPClient *http.Client
}

// Channel keeps a websocket to the server open, publishes validated inbound
// events on the bus under "rt.<type>" and drives the connectivity state.
type Channel struct {
	opts   Options
	parser *Parser
	bus    *bus.Bus
	status *status.Machine
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewChannel creates a channel. It does nothing until Run.
func NewChannel(opts Options, parser *Parser, b *bus.Bus, sm *status.Machine, logger *zap.Logger) *Channel {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		opts:   opts,
		parser: parser,
		bus:    b,
		status: sm,
		logger: logger,
	}
}

// Run connects and reconnects until ctx is cancelled. Without a URL the
// profile stays offline.
func (c *Channel) Run(ctx context.Context) error {
	if c.opts.URL == "" {
		c.logger.Warn("no events url configured, staying offline")
		c.setState(status.Offline)
		<-ctx.Done()
		return nil
	}
	defer c.setState(status.Offline)

	for ctx.Err() == nil {
		b := retry.NewExponential(c.opts.MinBackoff)
		b = retry.WithCappedDuration(c.opts.MaxBackoff, b)
		b = retry.WithJitterPercent(10, b)

		err := retry.Do(ctx, b, func(ctx context.Context) error {
			c.setState(status.Connecting)
			conn, err := c.dial(ctx)
			if err != nil {
				c.logger.Warn("event channel dial failed", zap.Error(err))
				c.setState(status.Reconnecting)
				return retry.RetryableError(err)
			}
			c.serve(ctx, conn)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		// A session ended. Start a fresh backoff after a short pause so a
		// server that accepts and drops does not spin us.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.MinBackoff):
		}
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// serve reads frames until the connection drops or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(status.Online)
	c.logger.Info("event channel connected")

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("event channel dropped", zap.Error(err))
				c.setState(status.Reconnecting)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		evt, err := c.parser.Parse(data)
		if err != nil {
			c.logger.Warn("rejecting inbound frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.bus.Publish(bus.Event{
			Kind:           bus.NSRealtime + string(evt.Kind()),
			ConversationID: evt.Conversation(),
			Payload:        evt,
		})
	}
}

// Connected reports whether a websocket session is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Typing sends a typing indicator for conversationID.
func (c *Channel) Typing(ctx context.Context, conversationID string, typing bool) error {
	return c.send(ctx, TypeTyping, conversationID, map[string]bool{"typing": typing})
}

// MarkRead tells the server the local user has read messageIDs.
func (c *Channel) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return c.send(ctx, TypeMarkRead, conversationID, map[string][]string{"messageIds": messageIDs})
}

func (c *Channel) send(ctx context.Context, typ, conversationID string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return syncerr.ErrOffline
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, Frame{Type: typ, ConversationID: conversationID, Data: raw}); err != nil {
		return &syncerr.TransientError{Op: typ, Err: err}
	}
	return nil
}

func (c *Channel) setState(to status.State) {
	if c.status == nil {
		return
	}
	if err := c.status.Ensure(to); err != nil {
		// A report that does not fit the current state is noise.
		c.logger.Debug("ignoring connectivity report", zap.String("state", string(to)), zap.Error(err))
	}
}

// Package outbox drains queued messages to the server. It owns the
// pending -> sending -> confirmed/failed transitions of each entry: one
// attempt in flight per entry, bounded automatic retries with backoff for
// transient failures, and nothing at all while the profile is offline.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/schedule"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Defaults for Policy fields left zero.
const (
	DefaultMaxAttempts    = 3
	DefaultSweepInterval  = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxConcurrent  = 4
	DefaultBaseBackoff    = 2 * time.Second
)

// Policy is the retry policy. It can be swapped at runtime.
type Policy struct {
	MaxAttempts    int
	SweepInterval  time.Duration
	RequestTimeout time.Duration
	MaxConcurrent  int
	// BaseBackoff is the wait after the first failed attempt; it doubles
	// per attempt and is capped at SweepInterval.
	BaseBackoff time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = DefaultSweepInterval
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = DefaultMaxConcurrent
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	return p
}

// Backoff returns how long to wait after attempt number attempts failed.
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempts && d < p.SweepInterval; i++ {
		d *= 2
	}
	return min(d, p.SweepInterval)
}

// errBackingOff stops a pass at an entry whose last failure is too recent.
var errBackingOff = errors.New("backing off")

// Transport posts one message to the server.
type Transport interface {
	PostMessage(ctx context.Context, conversationID string, m message.Message) (message.Message, error)
}

// Ledger is the view of the reconciler the sender needs: reading queued
// entries and recording the outcome of each attempt.
type Ledger interface {
	Entry(ctx context.Context, conversationID, localID string) (message.OutboxEntry, error)
	Pending(ctx context.Context, conversationID string) ([]message.OutboxEntry, error)
	OutboxConversations(ctx context.Context) ([]string, error)
	Confirm(ctx context.Context, conversationID, localID string, server message.Message) (message.Message, error)
	RecordFailure(ctx context.Context, conversationID, localID string, sendErr error, maxAttempts int) (message.OutboxEntry, error)
}

// Connectivity reports whether sends may be attempted.
type Connectivity interface {
	Online() bool
}

// Sender drains the outbox and sends messages through the transport.
type Sender struct {
	ledger    Ledger
	transport Transport
	conn      Connectivity
	sched     *schedule.Scheduler
	bus       *bus.Bus
	logger    *zap.Logger

	flight singleflight.Group
	now    func() time.Time

	mu       sync.Mutex
	policy   Policy
	attached map[string]uint64 // attach generation per conversation
	gen      uint64
	inflight map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new outbox sender.
func NewSender(ledger Ledger, transport Transport, conn Connectivity, sched *schedule.Scheduler, b *bus.Bus, policy Policy, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		ledger:    ledger,
		transport: transport,
		conn:      conn,
		sched:     sched,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		policy:    policy.withDefaults(),
		attached:  make(map[string]uint64),
		inflight:  make(map[string]int),
	}
}

// Policy returns the active retry policy.
func (s *Sender) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy swaps the retry policy and reschedules attached sweeps.
func (s *Sender) SetPolicy(p Policy) {
	p = p.withDefaults()
	s.mu.Lock()
	old := s.policy
	s.policy = p
	convs := make([]string, 0, len(s.attached))
	for id := range s.attached {
		convs = append(convs, id)
	}
	s.mu.Unlock()
	if old.SweepInterval != p.SweepInterval {
		for _, id := range convs {
			s.scheduleSweep(id, p.SweepInterval)
		}
	}
	s.logger.Info("retry policy updated",
		zap.Int("max_attempts", p.MaxAttempts),
		zap.Duration("sweep_interval", p.SweepInterval),
		zap.Duration("request_timeout", p.RequestTimeout))
}

// Start reacts to composed and retried messages, to cleared conversations
// and to the profile coming back online.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	msgs, unsubMsgs := s.bus.Subscribe(bus.NSMessage, 256)
	convs, unsubConvs := s.bus.Subscribe(bus.NSConversation, 64)
	conn, unsubConn := s.bus.Subscribe(bus.NSConnection, 16)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubMsgs()
		defer unsubConvs()
		defer unsubConn()
		for {
			select {
			case evt := <-msgs:
				switch evt.Kind {
				case bus.MessageComposed, bus.MessageRetried:
					s.Kick(evt.ConversationID)
				}
			case evt := <-convs:
				if evt.Kind == bus.ConversationCleared {
					s.Detach(evt.ConversationID)
				}
			case evt := <-conn:
				if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Online {
					s.logger.Info("back online, sweeping outbox")
					s.wg.Add(1)
					go func() {
						defer s.wg.Done()
						if err := s.Sweep(ctx); err != nil {
							s.logger.Warn("sweep failed", zap.Error(err))
						}
					}()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sender. Sends already on the wire finish on their own
// timeout.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Attach binds a conversation's periodic sweep to the scheduler. It is
// safe to attach an attached conversation.
func (s *Sender) Attach(conversationID string) {
	s.mu.Lock()
	_, already := s.attached[conversationID]
	s.gen++
	s.attached[conversationID] = s.gen
	interval := s.policy.SweepInterval
	s.mu.Unlock()
	if !already {
		s.scheduleSweep(conversationID, interval)
	}
}

// Detach cancels the conversation's scheduled sweeps and retries. Sends
// already in flight are not interrupted.
func (s *Sender) Detach(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, conversationID)
	s.sched.Cancel(conversationID)
}

// releaseIfIdle detaches a conversation with nothing left to send, unless
// it was attached again while its queue was being checked.
func (s *Sender) releaseIfIdle(ctx context.Context, conversationID string) {
	s.mu.Lock()
	gen, ok := s.attached[conversationID]
	s.mu.Unlock()
	if !ok {
		return
	}
	pending, err := s.ledger.Pending(ctx, conversationID)
	if err != nil || len(pending) > 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached[conversationID] != gen || s.inflight[conversationID] > 0 {
		return
	}
	delete(s.attached, conversationID)
	s.sched.Cancel(conversationID)
	s.logger.Debug("conversation idle, sweep released", zap.String("conversation_id", conversationID))
}

// Attached reports whether the conversation has a scheduled sweep.
func (s *Sender) Attached(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attached[conversationID]
	return ok
}

// Kick attaches the conversation and drains it right away.
func (s *Sender) Kick(conversationID string) {
	s.Attach(conversationID)
	s.sched.After(conversationID, "kick", 0, func(ctx context.Context) {
		s.drain(ctx, conversationID)
	})
}

// Recover attaches every conversation that still has queued entries, so
// work left over from a previous run resumes.
func (s *Sender) Recover(ctx context.Context) (int, error) {
	convs, err := s.ledger.OutboxConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list outbox conversations: %w", err)
	}
	for _, id := range convs {
		s.Kick(id)
	}
	return len(convs), nil
}

// Syncing reports whether a send for the conversation is on the wire.
func (s *Sender) Syncing(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[conversationID] > 0
}

// Send makes one delivery attempt for a pending entry. Concurrent callers
// for the same entry share a single attempt. Nothing is attempted, and no
// attempt is counted, while offline.
func (s *Sender) Send(ctx context.Context, conversationID, localID string) (message.Message, error) {
	return s.send(ctx, conversationID, localID, false)
}

func (s *Sender) send(ctx context.Context, conversationID, localID string, dueOnly bool) (message.Message, error) {
	if s.conn != nil && !s.conn.Online() {
		return message.Message{}, syncerr.ErrOffline
	}
	key := conversationID + "\x00" + localID
	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.attempt(ctx, conversationID, localID, dueOnly)
	})
	if err != nil {
		return message.Message{}, err
	}
	return v.(message.Message), nil
}

// attempt posts the entry as it is stored now. With dueOnly set, an entry
// still inside its backoff window is left alone.
func (s *Sender) attempt(ctx context.Context, conversationID, localID string, dueOnly bool) (message.Message, error) {
	entry, err := s.ledger.Entry(ctx, conversationID, localID)
	if err != nil {
		return message.Message{}, err
	}
	if entry.Message.Status != message.StatusPending {
		return message.Message{}, fmt.Errorf("send %s: %w", localID, syncerr.ErrNotPending)
	}
	policy := s.Policy()
	if dueOnly && !entry.LastAttemptAt.IsZero() && s.now().Before(entry.LastAttemptAt.Add(policy.Backoff(entry.RetryCount))) {
		return message.Message{}, fmt.Errorf("send %s: %w", localID, errBackingOff)
	}

	s.setSending(conversationID, +1)
	defer s.setSending(conversationID, -1)

	// A send that reached the wire is allowed to finish even when the
	// caller goes away; only its own timeout bounds it.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), policy.RequestTimeout)
	server, err := s.transport.PostMessage(sendCtx, conversationID, entry.Message)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, syncerr.ErrTransient) {
		err = &syncerr.TransientError{Op: "post message", Err: err}
	}
	if err != nil {
		updated, recErr := s.ledger.RecordFailure(context.WithoutCancel(ctx), conversationID, localID, err, policy.MaxAttempts)
		if recErr != nil {
			s.logger.Error("failed to record send failure", zap.Error(recErr), zap.String("local_id", localID))
			return message.Message{}, err
		}
		s.logger.Warn("send attempt failed",
			zap.String("conversation_id", conversationID),
			zap.String("local_id", localID),
			zap.Int("retry_count", updated.RetryCount),
			zap.String("status", string(updated.Message.Status)),
			zap.Error(err))
		if updated.Message.Status == message.StatusPending {
			s.scheduleRetry(conversationID, policy.Backoff(updated.RetryCount))
		}
		return message.Message{}, err
	}

	confirmed, err := s.ledger.Confirm(context.WithoutCancel(ctx), conversationID, localID, server)
	if err != nil {
		return message.Message{}, fmt.Errorf("confirm %s: %w", localID, err)
	}
	s.logger.Info("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("local_id", localID),
		zap.String("server_id", confirmed.ServerID))
	return confirmed, nil
}

// SendConversation sends the due pending entries of one conversation in
// CreatedAt order. A transient failure stops the pass so later messages do
// not overtake an earlier one.
func (s *Sender) SendConversation(ctx context.Context, conversationID string) error {
	entries, err := s.ledger.Pending(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list pending %s: %w", conversationID, err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil
		}
		_, err := s.send(ctx, conversationID, e.LocalID(), true)
		switch {
		case err == nil:
		case errors.Is(err, errBackingOff):
			// Its scheduled retry picks it up.
			return nil
		case errors.Is(err, syncerr.ErrOffline):
			return nil
		case errors.Is(err, syncerr.ErrTransient):
			return nil
		default:
			// Rejected entries are failed now; entries confirmed or
			// abandoned meanwhile are simply skipped.
			s.logger.Debug("skipping entry", zap.String("local_id", e.LocalID()), zap.Error(err))
		}
	}
	return nil
}

// Sweep drains every attached conversation and every conversation with
// queued entries, a bounded number at a time.
func (s *Sender) Sweep(ctx context.Context) error {
	if s.conn != nil && !s.conn.Online() {
		return nil
	}
	convs, err := s.ledger.OutboxConversations(ctx)
	if err != nil {
		return fmt.Errorf("list outbox conversations: %w", err)
	}
	seen := make(map[string]bool, len(convs))
	for _, id := range convs {
		seen[id] = true
	}
	s.mu.Lock()
	for id := range s.attached {
		if !seen[id] {
			convs = append(convs, id)
		}
	}
	limit := s.policy.MaxConcurrent
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range convs {
		g.Go(func() error {
			if err := s.SendConversation(gctx, id); err != nil {
				s.logger.Warn("conversation sweep failed", zap.String("conversation_id", id), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Sender) drain(ctx context.Context, conversationID string) {
	if err := s.SendConversation(ctx, conversationID); err != nil {
		s.logger.Warn("conversation sweep failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *Sender) scheduleSweep(conversationID string, interval time.Duration) {
	s.sched.Every(conversationID, "sweep", interval, func(ctx context.Context) {
		s.drain(ctx, conversationID)
		s.releaseIfIdle(ctx, conversationID)
	})
}

func (s *Sender) scheduleRetry(conversationID string, delay time.Duration) {
	s.mu.Lock()
	_, attached := s.attached[conversationID]
	s.mu.Unlock()
	if !attached {
		return
	}
	s.sched.After(conversationID, "retry", delay, func(ctx context.Context) {
		s.drain(ctx, conversationID)
	})
}

func (s *Sender) setSending(conversationID string, delta int) {
	s.mu.Lock()
	before := s.inflight[conversationID]
	after := before + delta
	if after <= 0 {
		delete(s.inflight, conversationID)
	} else {
		s.inflight[conversationID] = after
	}
	s.mu.Unlock()
	if (before == 0) != (after <= 0) {
		s.bus.Emit(bus.ConversationSyncing, conversationID, after > 0)
	}
}

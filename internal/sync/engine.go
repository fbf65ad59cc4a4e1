package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/realtime"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"go.uber.org/zap"
)

// Engine applies realtime events to the reconciler exactly once per
// delivery key. It subscribes to "rt." events on the bus and handles them
// one at a time.
type Engine struct {
	reconciler *Reconciler
	keys       *KeyLog
	bus        *bus.Bus
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(r *Reconciler, keys *KeyLog, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		reconciler: r,
		keys:       keys,
		bus:        b,
		logger:     logger,
	}
}

// Start subscribes to inbound realtime events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe(bus.NSRealtime, 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event in progress.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	re, ok := evt.Payload.(realtime.Event)
	if !ok {
		e.logger.Warn("dropping realtime event with unexpected payload", zap.String("kind", evt.Kind))
		return
	}
	err := e.Handle(ctx, re)
	switch {
	case err == nil:
	case errors.Is(err, syncerr.ErrDuplicateEvent):
		e.logger.Debug("duplicate event dropped",
			zap.String("kind", string(re.Kind())),
			zap.String("conversation_id", re.Conversation()))
	default:
		e.logger.Error("failed to apply event",
			zap.String("kind", string(re.Kind())),
			zap.String("conversation_id", re.Conversation()),
			zap.Error(err))
	}
}

// Handle applies one event. A delivery whose key was already applied
// returns ErrDuplicateEvent and changes nothing.
func (e *Engine) Handle(ctx context.Context, evt realtime.Event) error {
	conv := evt.Conversation()
	key := evt.DedupKey()

	if key != "" {
		seen, err := e.keys.Seen(ctx, conv, key)
		if err != nil {
			return fmt.Errorf("check key: %w", err)
		}
		if seen {
			return fmt.Errorf("%s %s: %w", evt.Kind(), key, syncerr.ErrDuplicateEvent)
		}
	}

	switch ev := evt.(type) {
	case realtime.MessageNew:
		m := ev.Message.ToMessage(conv, e.reconciler.SelfID())
		if _, err := e.reconciler.ApplyIncoming(ctx, conv, m); err != nil {
			return fmt.Errorf("apply %s: %w", ev.Kind(), err)
		}
	case realtime.MessageRead:
		if _, err := e.reconciler.ApplyRead(ctx, conv, ev.MessageID, ev.ReaderID); err != nil {
			return fmt.Errorf("apply %s: %w", ev.Kind(), err)
		}
	case realtime.AllRead:
		if _, err := e.reconciler.ApplyAllRead(ctx, conv, ev.ReaderID, ev.ReadAt); err != nil {
			return fmt.Errorf("apply %s: %w", ev.Kind(), err)
		}
	case realtime.MessageDeleted:
		if _, err := e.reconciler.Delete(ctx, conv, ev.MessageID); err != nil {
			return fmt.Errorf("apply %s: %w", ev.Kind(), err)
		}
	case realtime.ConversationCleared:
		if err := e.reconciler.Clear(ctx, conv); err != nil {
			return fmt.Errorf("apply %s: %w", ev.Kind(), err)
		}
		if err := e.keys.Reset(ctx, conv); err != nil && !errors.Is(err, syncerr.ErrStorage) {
			return fmt.Errorf("reset keys: %w", err)
		}
	default:
		return fmt.Errorf("%w: unhandled kind %s", syncerr.ErrMalformedEvent, evt.Kind())
	}

	// A timed clear is recorded into the fresh log so a late redelivery of
	// the same clear cannot wipe messages that arrived after it.
	if key == "" {
		return nil
	}
	if err := e.keys.Record(ctx, conv, key); err != nil && !errors.Is(err, syncerr.ErrStorage) {
		return fmt.Errorf("record key: %w", err)
	}
	return nil
}

// Flush retries pending key log writes.
func (e *Engine) Flush(ctx context.Context) error {
	return e.keys.Flush(ctx)
}

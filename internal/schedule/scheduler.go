// Package schedule runs periodic and delayed tasks grouped by scope. The
// engine uses one scope per open conversation so closing a conversation
// cancels its retry sweeps without touching anyone else's.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is the unit of scheduled work. It receives a context that is
// cancelled when its scope is cancelled or the scheduler stops.
type Task func(ctx context.Context)

// Scheduler owns every timer the engine starts.
type Scheduler struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	scopes map[string]*scope
}

type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	names  map[string]context.CancelFunc
}

// New creates a running scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		scopes: make(map[string]*scope),
	}
}

// Every runs fn every interval within scope until the scope is cancelled.
// Registering a name that already runs in the scope replaces it.
func (s *Scheduler) Every(scopeID, name string, interval time.Duration, fn Task) bool {
	if interval <= 0 {
		return false
	}
	ctx, ok := s.register(scopeID, name)
	if !ok {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(ctx, scopeID, name, fn)
			case <-ctx.Done():
				return
			}
		}
	}()
	return true
}

// After runs fn once after delay unless the scope is cancelled first.
func (s *Scheduler) After(scopeID, name string, delay time.Duration, fn Task) bool {
	ctx, ok := s.register(scopeID, name)
	if !ok {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.run(ctx, scopeID, name, fn)
			s.forget(scopeID, name, ctx)
		case <-ctx.Done():
		}
	}()
	return true
}

// Cancel stops every task of scope. Tasks already running see their
// context cancelled but are not interrupted.
func (s *Scheduler) Cancel(scopeID string) {
	s.mu.Lock()
	sc, ok := s.scopes[scopeID]
	delete(s.scopes, scopeID)
	s.mu.Unlock()
	if ok {
		sc.cancel()
		s.logger.Debug("scope cancelled", zap.String("scope", scopeID))
	}
}

// Active reports whether scope has at least one task registered.
func (s *Scheduler) Active(scopeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[scopeID]
	return ok && len(sc.names) > 0
}

// Scopes lists the scopes with registered tasks.
func (s *Scheduler) Scopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.scopes))
	for id, sc := range s.scopes {
		if len(sc.names) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stop cancels every scope and waits for task goroutines to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	s.scopes = make(map[string]*scope)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) register(scopeID, name string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil, false
	}
	sc, ok := s.scopes[scopeID]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		sc = &scope{ctx: ctx, cancel: cancel, names: make(map[string]context.CancelFunc)}
		s.scopes[scopeID] = sc
	}
	if prev, ok := sc.names[name]; ok {
		prev()
	}
	ctx, cancel := context.WithCancel(sc.ctx)
	sc.names[name] = cancel
	return ctx, true
}

func (s *Scheduler) forget(scopeID, name string, ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[scopeID]
	if !ok {
		return
	}
	// Only forget the registration this task owns; it may have been replaced.
	if cancel, ok := sc.names[name]; ok && ctx.Err() == nil {
		cancel()
		delete(sc.names, name)
	}
}

func (s *Scheduler) run(ctx context.Context, scopeID, name string, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				zap.String("scope", scopeID), zap.String("task", name), zap.Any("panic", r))
		}
	}()
	fn(ctx)
}

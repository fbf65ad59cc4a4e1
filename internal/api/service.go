package api

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/status"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"github.com/matheus3301/msgsync/internal/view"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Outbound is the realtime channel as seen by the control API.
type Outbound interface {
	Connected() bool
	Typing(ctx context.Context, conversationID string, typing bool) error
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// Dispatcher is the send pipeline as seen by the control API.
type Dispatcher interface {
	Attach(conversationID string)
	Syncing(conversationID string) bool
}

// ConversationService implements the ConversationService gRPC service.
type ConversationService struct {
	profile    string
	startedAt  time.Time
	reconciler *intsync.Reconciler
	sender     Dispatcher
	outbound   Outbound
	remote     remote.Client
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time
}

// NewConversationService creates the control API service.
func NewConversationService(profile string, r *intsync.Reconciler, sender Dispatcher, outbound Outbound, rc remote.Client, m *status.Machine, b *bus.Bus, logger *zap.Logger) *ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{
		profile:    profile,
		startedAt:  time.Now(),
		reconciler: r,
		sender:     sender,
		outbound:   outbound,
		remote:     rc,
		machine:    m,
		bus:        b,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *ConversationService) Compose(ctx context.Context, req *ComposeRequest) (*ComposeResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "text is required")
	}
	m, err := s.reconciler.Compose(ctx, req.ConversationID, req.Text, req.ReplyToID)
	if err != nil {
		return nil, toStatus("compose", err)
	}
	return &ComposeResponse{Message: m}, nil
}

// View returns the conversation as the user should see it. Viewing a
// conversation attaches it to the send scheduler.
func (s *ConversationService) View(ctx context.Context, req *ViewRequest) (*ViewResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	msgs, err := s.reconciler.View(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus("view", err)
	}
	s.sender.Attach(req.ConversationID)
	return &ViewResponse{Snapshot: view.Snapshot{
		ConversationID: req.ConversationID,
		Messages:       msgs,
		Syncing:        s.sender.Syncing(req.ConversationID),
		Connection:     string(s.machine.Current()),
	}}, nil
}

func (s *ConversationService) Retry(ctx context.Context, req *RetryRequest) (*RetryResponse, error) {
	entry, err := s.reconciler.Retry(ctx, req.ConversationID, req.LocalID)
	if err != nil {
		return nil, toStatus("retry", err)
	}
	return &RetryResponse{Entry: entry}, nil
}

func (s *ConversationService) Abandon(ctx context.Context, req *AbandonRequest) (*AbandonResponse, error) {
	if err := s.reconciler.Abandon(ctx, req.ConversationID, req.LocalID); err != nil {
		return nil, toStatus("abandon", err)
	}
	return &AbandonResponse{}, nil
}

// MarkRead applies the read locally and tells the server only when
// something changed, over the realtime channel when it is up and over REST
// otherwise.
func (s *ConversationService) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	changed, err := s.reconciler.MarkReadLocal(ctx, req.ConversationID, req.MessageIDs)
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	resp := &MarkReadResponse{Changed: changed}
	if len(changed) == 0 {
		resp.Delivered = true
		return resp, nil
	}

	if s.outbound != nil && s.outbound.Connected() {
		err = s.outbound.MarkRead(ctx, req.ConversationID, changed)
		if err == nil {
			resp.Delivered = true
			return resp, nil
		}
		s.logger.Debug("mark-read frame failed, falling back to REST", zap.Error(err))
	}
	if err := s.remote.PostRead(ctx, req.ConversationID, changed, s.now().UTC()); err != nil {
		s.logger.Warn("read receipt not delivered",
			zap.String("conversation_id", req.ConversationID),
			zap.Int("count", len(changed)),
			zap.Error(err),
		)
		return resp, nil
	}
	resp.Delivered = true
	return resp, nil
}

// Delete removes a message by ServerID or LocalID. An unconfirmed message
// never reached the server and is abandoned; a confirmed one is deleted on
// the server first.
func (s *ConversationService) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	if req.ConversationID == "" || req.MessageID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id and message id are required")
	}
	msgs, err := s.reconciler.View(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus("delete", err)
	}
	idx := slices.IndexFunc(msgs, func(m message.Message) bool {
		return m.ServerID == req.MessageID || m.LocalID == req.MessageID
	})
	if idx < 0 {
		return nil, grpcstatus.Errorf(codes.NotFound, "delete: message %s not found", req.MessageID)
	}
	target := msgs[idx]

	if !target.Confirmed() {
		if err := s.reconciler.Abandon(ctx, req.ConversationID, target.LocalID); err != nil {
			return nil, toStatus("delete", err)
		}
		return &DeleteResponse{Removed: true}, nil
	}
	if err := s.remote.DeleteMessage(ctx, req.ConversationID, target.ServerID); err != nil {
		return nil, toStatus("delete", err)
	}
	removed, err := s.reconciler.Delete(ctx, req.ConversationID, target.ServerID)
	if err != nil {
		return nil, toStatus("delete", err)
	}
	return &DeleteResponse{Removed: removed}, nil
}

func (s *ConversationService) Typing(ctx context.Context, req *TypingRequest) (*TypingResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	if s.outbound == nil {
		return nil, toStatus("typing", syncerr.ErrOffline)
	}
	if err := s.outbound.Typing(ctx, req.ConversationID, req.Typing); err != nil {
		return nil, toStatus("typing", err)
	}
	return &TypingResponse{}, nil
}

func (s *ConversationService) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	convs, err := s.reconciler.OutboxConversations(ctx)
	if err != nil {
		return nil, toStatus("status", err)
	}
	resp := &StatusResponse{
		Profile:             s.profile,
		Connection:          string(s.machine.Current()),
		Since:               s.machine.Since(),
		UptimeMs:            time.Since(s.startedAt).Milliseconds(),
		OutboxConversations: convs,
		DroppedEvents:       s.bus.Dropped(),
	}
	if resp.OutboxConversations == nil {
		resp.OutboxConversations = []string{}
	}
	for _, id := range convs {
		if s.sender.Syncing(id) {
			resp.SyncingConversations = append(resp.SyncingConversations, id)
		}
	}
	return resp, nil
}

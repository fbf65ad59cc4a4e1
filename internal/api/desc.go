package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "msgsync.v1.ConversationService"

// ConversationServer is the server API for ConversationService.
type ConversationServer interface {
	Compose(context.Context, *ComposeRequest) (*ComposeResponse, error)
	View(context.Context, *ViewRequest) (*ViewResponse, error)
	Retry(context.Context, *RetryRequest) (*RetryResponse, error)
	Abandon(context.Context, *AbandonRequest) (*AbandonResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Typing(context.Context, *TypingRequest) (*TypingResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

var _ ConversationServer = (*ConversationService)(nil)

// ServiceDesc describes ConversationService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Compose", ConversationServer.Compose),
		unary("View", ConversationServer.View),
		unary("Retry", ConversationServer.Retry),
		unary("Abandon", ConversationServer.Abandon),
		unary("MarkRead", ConversationServer.MarkRead),
		unary("Delete", ConversationServer.Delete),
		unary("Typing", ConversationServer.Typing),
		unary("Status", ConversationServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "msgsync/v1/conversation.json",
}

// RegisterConversationServer registers srv on s.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(ConversationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ConversationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ConversationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

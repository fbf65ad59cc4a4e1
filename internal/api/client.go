package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a typed ConversationService client over the daemon socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Compose(ctx context.Context, req *ComposeRequest) (*ComposeResponse, error) {
	return invoke[ComposeResponse](ctx, c, "Compose", req)
}

func (c *Client) View(ctx context.Context, req *ViewRequest) (*ViewResponse, error) {
	return invoke[ViewResponse](ctx, c, "View", req)
}

func (c *Client) Retry(ctx context.Context, req *RetryRequest) (*RetryResponse, error) {
	return invoke[RetryResponse](ctx, c, "Retry", req)
}

func (c *Client) Abandon(ctx context.Context, req *AbandonRequest) (*AbandonResponse, error) {
	return invoke[AbandonResponse](ctx, c, "Abandon", req)
}

func (c *Client) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	return invoke[MarkReadResponse](ctx, c, "MarkRead", req)
}

func (c *Client) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	return invoke[DeleteResponse](ctx, c, "Delete", req)
}

func (c *Client) Typing(ctx context.Context, req *TypingRequest) (*TypingResponse, error) {
	return invoke[TypingResponse](ctx, c, "Typing", req)
}

func (c *Client) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", req)
}

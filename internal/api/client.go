package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's control socket.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials the daemon's Unix domain socket.
func NewClient(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClientFromConn wraps an existing connection.
func NewClientFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return err
	}
	return decode(out, resp)
}

func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	var out StatusReply
	return &out, c.invoke(ctx, SessionServiceName, "GetStatus", &Empty{}, &out)
}

func (c *Client) Login(ctx context.Context, token string) (*StatusReply, error) {
	var out StatusReply
	return &out, c.invoke(ctx, SessionServiceName, "Login", &LoginRequest{Token: token}, &out)
}

func (c *Client) Logout(ctx context.Context) (*StatusReply, error) {
	var out StatusReply
	return &out, c.invoke(ctx, SessionServiceName, "Logout", &Empty{}, &out)
}

func (c *Client) Reconnect(ctx context.Context, endpoint string) (*StatusReply, error) {
	var out StatusReply
	return &out, c.invoke(ctx, SessionServiceName, "Reconnect", &ReconnectRequest{Endpoint: endpoint}, &out)
}

func (c *Client) SetForeground(ctx context.Context, foreground bool) (*StatusReply, error) {
	var out StatusReply
	return &out, c.invoke(ctx, SessionServiceName, "SetForeground", &ForegroundRequest{Foreground: foreground}, &out)
}

func (c *Client) Conversations(ctx context.Context, refresh bool) (*ConversationsReply, error) {
	var out ConversationsReply
	return &out, c.invoke(ctx, ChatServiceName, "ListConversations", &ListConversationsRequest{Refresh: refresh}, &out)
}

func (c *Client) Open(ctx context.Context, conversationID string) (*ConversationState, error) {
	var out ConversationState
	return &out, c.invoke(ctx, ChatServiceName, "OpenConversation", &ConversationRequest{ConversationID: conversationID}, &out)
}

func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, ChatServiceName, "CloseConversation", &ConversationRequest{ConversationID: conversationID}, &Empty{})
}

func (c *Client) Type(ctx context.Context, conversationID, text string) (*ConversationState, error) {
	var out ConversationState
	return &out, c.invoke(ctx, ChatServiceName, "Type", &TypeRequest{ConversationID: conversationID, Text: text}, &out)
}

func (c *Client) Send(ctx context.Context, conversationID, text string) (*SendReply, error) {
	var out SendReply
	return &out, c.invoke(ctx, MessageServiceName, "Send", &SendRequest{ConversationID: conversationID, Text: text}, &out)
}

func (c *Client) Messages(ctx context.Context, conversationID string, reload bool) (*MessagesReply, error) {
	var out MessagesReply
	return &out, c.invoke(ctx, MessageServiceName, "ListMessages", &ListMessagesRequest{ConversationID: conversationID, Reload: reload}, &out)
}

// Watch streams bus events whose kind starts with prefix to fn until ctx
// ends, the daemon closes the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(*Event) error) error {
	stream, err := c.conn.NewStream(ctx, &eventServiceDesc.Streams[0], "/"+EventServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	in, err := encode(&WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt Event
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service names on the control socket. Requests and replies travel as
// google.protobuf.Struct holding the JSON form of the types in types.go.
const (
	SessionServiceName = "carchat.v1.SessionService"
	ChatServiceName    = "carchat.v1.ChatService"
	MessageServiceName = "carchat.v1.MessageService"
	EventServiceName   = "carchat.v1.EventService"
)

type unaryHandler func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// handle adapts a typed service method to the Struct wire form.
func handle[Req, Resp any](fn func(context.Context, *Req) (*Resp, error)) unaryHandler {
	return func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		req := new(Req)
		if err := decode(in, req); err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := encode(resp)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
		}
		return out, nil
	}
}

func unary(service, name string, pick func(srv any) unaryHandler) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := pick(srv)
			if interceptor == nil {
				return h(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return h(ctx, req.(*structpb.Struct))
			})
		},
	}
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetStatus", func(srv any) unaryHandler { return handle(srv.(*SessionService).GetStatus) }),
		unary(SessionServiceName, "Login", func(srv any) unaryHandler { return handle(srv.(*SessionService).Login) }),
		unary(SessionServiceName, "Logout", func(srv any) unaryHandler { return handle(srv.(*SessionService).Logout) }),
		unary(SessionServiceName, "Reconnect", func(srv any) unaryHandler { return handle(srv.(*SessionService).Reconnect) }),
		unary(SessionServiceName, "SetForeground", func(srv any) unaryHandler { return handle(srv.(*SessionService).SetForeground) }),
	},
	Metadata: "carchat/v1/control",
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "ListConversations", func(srv any) unaryHandler { return handle(srv.(*ChatService).ListConversations) }),
		unary(ChatServiceName, "OpenConversation", func(srv any) unaryHandler { return handle(srv.(*ChatService).OpenConversation) }),
		unary(ChatServiceName, "CloseConversation", func(srv any) unaryHandler { return handle(srv.(*ChatService).CloseConversation) }),
		unary(ChatServiceName, "Type", func(srv any) unaryHandler { return handle(srv.(*ChatService).Type) }),
	},
	Metadata: "carchat/v1/control",
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "Send", func(srv any) unaryHandler { return handle(srv.(*MessageService).Send) }),
		unary(MessageServiceName, "ListMessages", func(srv any) unaryHandler { return handle(srv.(*MessageService).ListMessages) }),
	},
	Metadata: "carchat/v1/control",
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: EventServiceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			var req WatchRequest
			if err := decode(in, &req); err != nil {
				return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			return srv.(*EventService).WatchEvents(&req, &eventStream{stream})
		},
	}},
	Metadata: "carchat/v1/control",
}

// Register mounts the control services on s.
func Register(s *grpc.Server, session *SessionService, chat *ChatService, message *MessageService, events *EventService) {
	s.RegisterService(&sessionServiceDesc, session)
	s.RegisterService(&chatServiceDesc, chat)
	s.RegisterService(&messageServiceDesc, message)
	s.RegisterService(&eventServiceDesc, events)
}

// EventSender is the server side of a WatchEvents stream.
type EventSender interface {
	Context() context.Context
	Send(*Event) error
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(evt *Event) error {
	out, err := encode(evt)
	if err != nil {
		return err
	}
	return s.SendMsg(out)
}

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decode(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("nil message")
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

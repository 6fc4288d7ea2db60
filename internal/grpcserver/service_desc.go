package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "payledger.v1.LedgerService"

const (
	methodGetBalance      = "GetBalance"
	methodPostTransaction = "PostTransaction"
	methodRequestPayout   = "RequestPayout"
	methodMarkDisputed    = "MarkDisputed"
	methodGetTransaction  = "GetTransaction"
)

// LedgerServiceServer is the server side of payledger.v1.LedgerService.
// Requests and responses are google.protobuf.Struct messages.
type LedgerServiceServer interface {
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PostTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestPayout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkDisputed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(LedgerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// LedgerServiceDesc registers LedgerServiceServer implementations on a grpc.Server.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, LedgerServiceServer.GetBalance)},
		{MethodName: methodPostTransaction, Handler: unaryHandler(methodPostTransaction, LedgerServiceServer.PostTransaction)},
		{MethodName: methodRequestPayout, Handler: unaryHandler(methodRequestPayout, LedgerServiceServer.RequestPayout)},
		{MethodName: methodMarkDisputed, Handler: unaryHandler(methodMarkDisputed, LedgerServiceServer.MarkDisputed)},
		{MethodName: methodGetTransaction, Handler: unaryHandler(methodGetTransaction, LedgerServiceServer.GetTransaction)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payledger/v1/ledger.proto",
}

// RegisterLedgerServiceServer attaches server to registrar.
func RegisterLedgerServiceServer(registrar grpc.ServiceRegistrar, server LedgerServiceServer) {
	registrar.RegisterService(&LedgerServiceDesc, server)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(LedgerServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(server.(LedgerServiceServer), ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// Client calls payledger.v1.LedgerService over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethod(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

func (client *Client) PostTransaction(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodPostTransaction, request, options...)
}

func (client *Client) RequestPayout(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodRequestPayout, request, options...)
}

func (client *Client) MarkDisputed(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodMarkDisputed, request, options...)
}

func (client *Client) GetTransaction(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetTransaction, request, options...)
}

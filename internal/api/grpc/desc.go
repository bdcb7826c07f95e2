package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "exchange.v1.Exchange"

	SubmitOrderMethod  = "/" + ServiceName + "/SubmitOrder"
	CancelOrderMethod  = "/" + ServiceName + "/CancelOrder"
	GetOrderBookMethod = "/" + ServiceName + "/GetOrderBook"
)

// ExchangeServer is the exchange.v1.Exchange service. Messages are JSON
// shaped google.protobuf.Struct values carrying the api/dto types.
type ExchangeServer interface {
	SubmitOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrderBook(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&ExchangeServiceDesc, srv)
}

type unaryCall func(ExchangeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExchangeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ExchangeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitOrder", Handler: unaryHandler(SubmitOrderMethod, ExchangeServer.SubmitOrder)},
		{MethodName: "CancelOrder", Handler: unaryHandler(CancelOrderMethod, ExchangeServer.CancelOrder)},
		{MethodName: "GetOrderBook", Handler: unaryHandler(GetOrderBookMethod, ExchangeServer.GetOrderBook)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "exchange/v1/exchange.proto",
}

// ExchangeClient calls exchange.v1.Exchange over a client connection.
type ExchangeClient struct {
	cc grpc.ClientConnInterface
}

func NewExchangeClient(cc grpc.ClientConnInterface) *ExchangeClient {
	return &ExchangeClient{cc: cc}
}

func (c *ExchangeClient) call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ExchangeClient) SubmitOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, SubmitOrderMethod, in, opts...)
}

func (c *ExchangeClient) CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, CancelOrderMethod, in, opts...)
}

func (c *ExchangeClient) GetOrderBook(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, GetOrderBookMethod, in, opts...)
}

package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	grpc_prom "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/olyamironova/matching-engine/internal/api/dto"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ ExchangeServer = (*GRPCServer)(nil)

type GRPCServer struct {
	Svc *service.Exchange
	log *zap.Logger
}

func NewGRPCServer(svc *service.Exchange, log *zap.Logger) *GRPCServer {
	return &GRPCServer{Svc: svc, log: log.Named("grpc")}
}

// NewServer returns a grpc.Server with the exchange and health services registered.
func NewServer(srv *GRPCServer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		grpc_prom.UnaryServerInterceptor,
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandler(srv.onPanic)),
		srv.logUnary(),
	))
	gs := grpc.NewServer(opts...)
	RegisterExchangeServer(gs, srv)
	grpc_prom.Register(gs)

	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(gs, hs)
	return gs, hs
}

type CancelOrderRequest struct {
	OrderID  string `json:"order_id"`
	TraderID string `json:"trader_id"`
}

type GetOrderBookRequest struct {
	Depth int `json:"depth"`
}

func (s *GRPCServer) SubmitOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dto.SubmitOrderRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.TraderID == "" {
		return nil, status.Error(codes.InvalidArgument, "trader_id is required")
	}
	res, err := s.Svc.Submit(ctx, req.Domain())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(dto.FromSubmit(res))
}

func (s *GRPCServer) CancelOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CancelOrderRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	o, err := s.Svc.Cancel(ctx, req.TraderID, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(dto.CancelOrderResponse{OrderID: o.ID, Cancelled: true, Order: dto.FromOrder(o)})
}

func (s *GRPCServer) GetOrderBook(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetOrderBookRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Depth < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "depth %d must be >= 0", req.Depth)
	}
	return toStruct(dto.FromDepth(s.Svc.Depth(ctx, req.Depth)))
}

// toStatus maps a domain error to a gRPC status.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrInvalidTrader),
		errors.Is(err, domain.ErrInsufficientFunds):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotOwner):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrTraderNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrOrderAlreadyTerminal),
		errors.Is(err, domain.ErrDuplicateOrder):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrEngineHalted),
		errors.Is(err, domain.ErrInvariantViolation),
		errors.Is(err, service.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func (s *GRPCServer) onPanic(p any) error {
	s.log.Error("grpc panic", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
	return status.Error(codes.Internal, "internal error")
}

func (s *GRPCServer) logUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			if st := status.Convert(err); st.Code() == codes.Internal || st.Code() == codes.Unavailable {
				s.log.Error("grpc request failed", zap.String("grpc_method", info.FullMethod), zap.Error(err))
			} else {
				s.log.Debug("grpc request rejected", zap.String("grpc_method", info.FullMethod), zap.Error(err))
			}
		}
		return resp, err
	}
}

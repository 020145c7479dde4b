package handler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/bom-stock/internal/core/domain"
)

const stockServiceName = "bomstock.v1.StockService"

// StockServiceServer is the gRPC surface. Messages travel as
// google.protobuf.Struct carrying the same JSON shapes as the HTTP API.
type StockServiceServer interface {
	Checkout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ValidateCart(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ReserveStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	LowStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(call func(StockServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + stockServiceName + "/" + method,
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(StockServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

var StockServiceDesc = grpc.ServiceDesc{
	ServiceName: stockServiceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Checkout", Handler: unaryHandler(StockServiceServer.Checkout, "Checkout")},
		{MethodName: "ValidateCart", Handler: unaryHandler(StockServiceServer.ValidateCart, "ValidateCart")},
		{MethodName: "ReserveStock", Handler: unaryHandler(StockServiceServer.ReserveStock, "ReserveStock")},
		{MethodName: "LowStock", Handler: unaryHandler(StockServiceServer.LowStock, "LowStock")},
	},
	Metadata: "bomstock/v1/stock.proto",
}

type GRPCHandler struct {
	svc    Services
	logger *zap.Logger
}

func NewGRPCHandler(svc Services, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{svc: svc, logger: logger}
}

// Register attaches the stock service and a health service to s.
func (h *GRPCHandler) Register(s *grpc.Server) *health.Server {
	s.RegisterService(&StockServiceDesc, h)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(stockServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

type ReserveGRPCRequest struct {
	Lines []domain.CartLine `json:"lines"`
}

type LowStockGRPCRequest struct {
	Threshold *int `json:"threshold"`
}

func (h *GRPCHandler) Checkout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in CheckoutHTTPRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	order, err := h.svc.Checkout.Checkout(ctx, in.RequestID, in.UserID, in.Lines)
	if err != nil {
		return nil, h.grpcError("Checkout", err)
	}
	return toStruct(CheckoutHTTPResponse{
		Success: true,
		Message: "order placed successfully",
		OrderID: order.ID,
	})
}

func (h *GRPCHandler) ValidateCart(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ValidateHTTPRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	result, err := h.svc.Validator.Validate(ctx, in.Lines)
	if err != nil {
		return nil, h.grpcError("ValidateCart", err)
	}
	return toStruct(result)
}

// ReserveStock decrements stock for the cart without constraint validation or
// order creation.
func (h *GRPCHandler) ReserveStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ReserveGRPCRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	res, err := h.svc.Stock.ReserveCart(ctx, in.Lines)
	if err != nil {
		return nil, h.grpcError("ReserveStock", err)
	}
	return toStruct(res)
}

func (h *GRPCHandler) LowStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in LowStockGRPCRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	threshold := h.svc.LowStockThreshold
	if in.Threshold != nil {
		threshold = *in.Threshold
	}

	report, err := h.svc.Reporter.LowStock(ctx, threshold)
	if err != nil {
		return nil, h.grpcError("LowStock", err)
	}
	return toStruct(report)
}

func (h *GRPCHandler) grpcError(method string, err error) error {
	code := codes.Internal
	_, message := httpStatus(err)
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrConstraintViolation):
		code = codes.FailedPrecondition
		message = err.Error()
	case errors.Is(err, domain.ErrInsufficientStock):
		code = codes.ResourceExhausted
		message = err.Error()
	case errors.Is(err, domain.ErrDuplicateRequest), errors.Is(err, domain.ErrDuplicateConstraint):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrConcurrencyConflict):
		code = codes.Aborted
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	if code == codes.Internal || code == codes.Unavailable {
		h.logger.Error("grpc call failed", zap.String("method", method), zap.Error(err))
	}
	return status.Error(code, message)
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

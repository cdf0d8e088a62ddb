package handler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

const serviceName = "commerce.v1.CommerceService"

type IssueCouponRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

type IssueCouponResponse struct {
	Success  bool   `json:"success"`
	CouponID string `json:"coupon_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

type CancelOrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CommerceServer is the server side of commerce.v1.CommerceService.
type CommerceServer interface {
	IssueCoupon(ctx context.Context, req *IssueCouponRequest) (*IssueCouponResponse, error)
	CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error)
}

func RegisterCommerceServer(s grpc.ServiceRegistrar, srv CommerceServer) {
	s.RegisterService(&commerceServiceDesc, srv)
}

var commerceServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CommerceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IssueCoupon", Handler: issueCouponHandler},
		{MethodName: "CancelOrder", Handler: cancelOrderHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "commerce/v1/commerce.proto",
}

func issueCouponHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IssueCouponRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommerceServer).IssueCoupon(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/IssueCoupon"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CommerceServer).IssueCoupon(ctx, req.(*IssueCouponRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelOrderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommerceServer).CancelOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CancelOrder"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CommerceServer).CancelOrder(ctx, req.(*CancelOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CommerceClient calls commerce.v1.CommerceService over the JSON codec.
type CommerceClient struct {
	cc grpc.ClientConnInterface
}

func NewCommerceClient(cc grpc.ClientConnInterface) *CommerceClient {
	return &CommerceClient{cc: cc}
}

func (c *CommerceClient) IssueCoupon(ctx context.Context, in *IssueCouponRequest, opts ...grpc.CallOption) (*IssueCouponResponse, error) {
	out := new(IssueCouponResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/IssueCoupon", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CommerceClient) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*CancelOrderResponse, error) {
	out := new(CancelOrderResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CancelOrder", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCHandler struct {
	orders  OrderUseCases
	coupons CouponUseCases
	log     logrus.FieldLogger
}

func NewGRPCHandler(orders OrderUseCases, coupons CouponUseCases, log logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{orders: orders, coupons: coupons, log: log.WithField("component", "grpc")}
}

// IssueCoupon answers business outcomes in the response. Only a malformed
// request is a gRPC error.
func (h *GRPCHandler) IssueCoupon(ctx context.Context, req *IssueCouponRequest) (*IssueCouponResponse, error) {
	if req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	res, err := h.coupons.TryIssue(ctx, req.UserID, req.Code)
	if err != nil {
		return nil, h.grpcError(err)
	}
	if !res.Succeeded() {
		return &IssueCouponResponse{Success: false, Reason: string(res.Reason)}, nil
	}
	return &IssueCouponResponse{Success: true, CouponID: res.CouponID}, nil
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	if req.OrderID == "" || req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id and user_id are required")
	}
	if err := h.orders.CancelOrder(ctx, req.OrderID, req.UserID, ""); err != nil {
		return nil, h.grpcError(err)
	}
	return &CancelOrderResponse{Success: true, Message: "order cancelled"}, nil
}

func (h *GRPCHandler) grpcError(err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		h.log.WithError(err).Error("rpc failed")
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrLockAcquisitionFailed):
		return codes.Unavailable
	case errors.Is(err, domain.ErrInvalidCouponCode), errors.Is(err, domain.ErrInvalidOrder):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrCouponNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrOrderOwnership):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrInvalidOrderStatus),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientStock):
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

package transport

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "pairdb.statetransfer.v1.StateTransfer"

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// serviceDesc describes the state transfer service for grpc.Server
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartStateTransfer",
			Handler: unary("StartStateTransfer", func(s Server, ctx context.Context, req *StateRequest) (*Ack, error) {
				return &Ack{}, s.StartStateTransfer(ctx, req)
			}),
		},
		{
			MethodName: "CancelStateTransfer",
			Handler: unary("CancelStateTransfer", func(s Server, ctx context.Context, req *StateRequest) (*Ack, error) {
				return &Ack{}, s.CancelStateTransfer(ctx, req)
			}),
		},
		{
			MethodName: "GetTransactions",
			Handler: unary("GetTransactions", func(s Server, ctx context.Context, req *StateRequest) (*TransactionsReply, error) {
				return s.GetTransactions(ctx, req)
			}),
		},
		{
			MethodName: "PushState",
			Handler: unary("PushState", func(s Server, ctx context.Context, req *StatePush) (*Ack, error) {
				return &Ack{}, s.PushState(ctx, req)
			}),
		},
		{
			MethodName: "InstallTopology",
			Handler: unary("InstallTopology", func(s Server, ctx context.Context, req *TopologyUpdate) (*Ack, error) {
				return &Ack{}, s.InstallTopology(ctx, req)
			}),
		},
		{
			MethodName: "ConfirmPhase",
			Handler: unary("ConfirmPhase", func(s Server, ctx context.Context, req *PhaseConfirm) (*Ack, error) {
				return &Ack{}, s.ConfirmPhase(ctx, req)
			}),
		},
		{
			MethodName: "GetStatus",
			Handler: unary("GetStatus", func(s Server, ctx context.Context, req *StatusRequest) (*NodeStatus, error) {
				return s.GetStatus(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "statetransfer",
}

// unary adapts a typed Server call into a grpc.MethodHandler
func unary[Req any, Resp any](method string, call func(Server, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := call(srv.(Server), ctx, req.(*Req))
			if err != nil {
				return nil, toStatusError(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, handler)
	}
}

func toStatusError(err error) error {
	var te *errors.TransferError
	if stderrors.As(err, &te) {
		return te.ToGRPCStatus().Err()
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// GRPCServer exposes a Server over gRPC
type GRPCServer struct {
	server *grpc.Server
	logger *zap.Logger
}

// NewGRPCServer registers handler on a new gRPC server
func NewGRPCServer(handler Server, maxStreams uint32, logger *zap.Logger) *GRPCServer {
	s := &GRPCServer{logger: logger}
	s.server = grpc.NewServer(
		grpc.MaxConcurrentStreams(maxStreams),
		grpc.ChainUnaryInterceptor(s.loggingInterceptor),
	)
	s.server.RegisterService(&serviceDesc, handler)
	return s
}

// Serve accepts connections on lis until Stop is called
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("State transfer RPC server listening", zap.String("address", lis.Addr().String()))
	return s.server.Serve(lis)
}

// GracefulStop waits for in-flight RPCs before stopping
func (s *GRPCServer) GracefulStop() {
	s.server.GracefulStop()
}

func (s *GRPCServer) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug("RPC failed",
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}
	return resp, err
}

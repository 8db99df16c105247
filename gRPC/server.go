package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	iface "DendroDetServer/interface"
	"DendroDetServer/logger"
	"DendroDetServer/monitor"
	"DendroDetServer/pipeline"
)

const transport = "grpc"

// Processor is the part of the pipeline the server needs.
type Processor interface {
	Process(ctx context.Context, data []byte) (iface.AnalysisResult, error)
	Info() pipeline.Info
}

type Server struct {
	proc    Processor
	metrics *monitor.Metrics
}

func NewServer(proc Processor, metrics *monitor.Metrics) *Server {
	return &Server{proc: proc, metrics: metrics}
}

func (s *Server) Process(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	start := time.Now()
	res, err := s.proc.Process(ctx, req.GetValue())
	if err != nil {
		s.metrics.ObserveRequest(transport, "error")
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		if errors.Is(err, pipeline.ErrInference) {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return nil, status.Error(codes.Unknown, err.Error())
	}
	s.metrics.ObserveInference(time.Since(start), len(res.Detections))
	s.metrics.ObserveRequest(transport, "ok")

	out, err := toStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(map[string]any{"status": "healthy", "model": s.proc.Info()})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// toStruct goes through JSON so the wire shape matches the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return structpb.NewStruct(m)
}

func unaryLogger(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("grpc handler panic",
				zap.String("method", info.FullMethod), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = status.Errorf(codes.Internal, "panic: %v", r)
		}
		logger.Log().Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("elapsed", time.Since(start)))
	}()
	return handler(ctx, req)
}

// NewGRPCServer builds a grpc.Server with the analysis service registered.
func NewGRPCServer(srv *Server, maxMsgBytes int) *grpc.Server {
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(unaryLogger)}
	if maxMsgBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(maxMsgBytes))
	}
	s := grpc.NewServer(opts...)
	RegisterAnalysisServer(s, srv)
	return s
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(port int, srv *Server, maxMsgBytes int) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s := NewGRPCServer(srv, maxMsgBytes)
	go func() {
		logger.Log().Info("grpc server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("grpc server failed", zap.Error(err))
		}
	}()
	return s, nil
}

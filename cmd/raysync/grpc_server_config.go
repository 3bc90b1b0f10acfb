package main

import (
	"errors"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/23skdu/raysync/internal/limiter"
)

// BuildGRPCServerOptions returns grpc.ServerOption slice for server configuration.
// Combines keepalive settings with message size, flow control and the
// interceptor chain: panic recovery, call logging, then session admission.
// Only streams the limiter names are admitted against its bucket.
func (c *Config) BuildGRPCServerOptions(rl *limiter.SessionLimiter, logger *zap.Logger) []grpc.ServerOption {
	recovery := grpc_recovery.WithRecoveryHandler(func(p any) error {
		logger.Error("recovered from panic in handler", zap.Any("panic", p))
		return status.Errorf(codes.Internal, "internal error")
	})
	return []grpc.ServerOption{
		grpc.KeepaliveParams(BuildKeepaliveParams(c)),
		grpc.KeepaliveEnforcementPolicy(BuildKeepalivePolicy(c)),

		// Each follower holds one stream for its lifetime.
		grpc.MaxConcurrentStreams(c.GRPCMaxConcurrentStreams),

		grpc.InitialWindowSize(c.GRPCInitialWindowSize),
		grpc.InitialConnWindowSize(c.GRPCInitialConnWindowSize),

		grpc.MaxRecvMsgSize(c.GRPCMaxRecvMsgSize),
		grpc.MaxSendMsgSize(c.GRPCMaxSendMsgSize),

		grpc.ChainUnaryInterceptor(
			grpc_recovery.UnaryServerInterceptor(recovery),
			grpczap.UnaryServerInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			grpc_recovery.StreamServerInterceptor(recovery),
			grpczap.StreamServerInterceptor(logger),
			rl.StreamInterceptor(),
		),
	}
}

// BuildGRPCDialOptions returns the options a follower dials its leader with.
// The client pings at the server's keepalive rate so an idle sync session is
// not torn down by the enforcement policy.
func (c *Config) BuildGRPCDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                max(c.KeepAliveTime, c.KeepAliveMinTime),
			Timeout:             c.KeepAliveTimeout,
			PermitWithoutStream: c.KeepAlivePermitWithoutStream,
		}),
		grpc.WithInitialWindowSize(c.GRPCInitialWindowSize),
		grpc.WithInitialConnWindowSize(c.GRPCInitialConnWindowSize),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.GRPCMaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(c.GRPCMaxSendMsgSize),
		),
	}
}

// ValidateGRPCConfig checks if the gRPC configuration is valid.
func (c *Config) ValidateGRPCConfig() error {
	if c.GRPCMaxConcurrentStreams == 0 {
		return errors.New("grpc_max_concurrent_streams must be > 0")
	}
	if c.GRPCInitialWindowSize < 0 {
		return errors.New("grpc_initial_window_size must be >= 0")
	}
	if c.GRPCInitialConnWindowSize < 0 {
		return errors.New("grpc_initial_conn_window_size must be >= 0")
	}
	if c.GRPCMaxRecvMsgSize < 0 {
		return errors.New("grpc_max_recv_msg_size must be >= 0")
	}
	if c.GRPCMaxSendMsgSize < 0 {
		return errors.New("grpc_max_send_msg_size must be >= 0")
	}
	return nil
}

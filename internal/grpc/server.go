// =============================================================================
// gRPC SERVER - HEALTH AND REFLECTION FOR THE DELAY STORE
// =============================================================================
//
// The delay store takes its writes from the broker in-process, so the gRPC
// listener only carries operational services:
//
//   grpc.health.v1.Health          SERVING while the delay service is started
//   grpc.reflection.v1.*           for grpcurl / grpcui (optional)
//
// PORT CONFIGURATION:
//   - HTTP admin API: :8080
//   - gRPC:           :9000
//
// =============================================================================

package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/WuJingLearn/rocketmq/internal/delay"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":9000")
	Address string

	// Keepalive settings
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// HealthInterval is how often the service state is mirrored into the
	// health server.
	HealthInterval time.Duration

	// EnableReflection enables gRPC reflection for debugging tools
	EnableReflection bool

	// TLS serves over TLS when set.
	TLS *tls.Config

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          ":9000",
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		HealthInterval:   time.Second,
		EnableReflection: true,
	}
}

// =============================================================================
// SERVER STRUCT
// =============================================================================

// Server is the gRPC server of the delay store.
type Server struct {
	config     ServerConfig
	grpcServer *grpc.Server
	health     *HealthReporter
	logger     *slog.Logger

	mu       sync.RWMutex
	running  bool
	listener net.Listener
}

// NewServer builds the server and registers its services. It does not listen.
func NewServer(svc *delay.Service, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			PermitWithoutStream: true,
			MinTime:             10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(
			unaryLoggingInterceptor(logger),
			unaryRecoveryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			streamRecoveryInterceptor(logger),
		),
	}

	if config.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(config.TLS)))
	}

	grpcServer := grpc.NewServer(opts...)

	s := &Server{
		config:     config,
		grpcServer: grpcServer,
		health:     NewHealthReporter(svc, config.HealthInterval, logger),
		logger:     logger,
	}

	healthpb.RegisterHealthServer(grpcServer, s.health.Server())
	if config.EnableReflection {
		reflection.Register(grpcServer)
	}
	return s
}

// Health returns the reporter feeding the health service.
func (s *Server) Health() *HealthReporter {
	return s.health
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start listens on the configured address and serves until Stop. It blocks.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener until Stop. It blocks.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		listener.Close()
		return errors.New("server already running")
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.health.Start()
	s.logger.Info("gRPC server starting",
		"address", listener.Addr().String(),
		"reflection", s.config.EnableReflection,
		"tls", s.config.TLS != nil,
	)

	err := s.grpcServer.Serve(listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("gRPC server stopping...")
	s.health.Stop()
	s.grpcServer.GracefulStop()
	s.logger.Info("gRPC server stopped")
}

// Address returns the bound address, or the configured one before Start.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// =============================================================================
// INTERCEPTORS
// =============================================================================
//
//   Request → Logging → Recovery → Handler
//   Response ← Logging ← Recovery ← Handler
//
// =============================================================================

func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "gRPC unary",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return resp, err
	}
}

func unaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// Health Watch is a server stream.
func streamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC stream panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

// Package ctrlplane bootstraps the coordinator's gRPC surface: a
// health-checkable listener wrapped with the same panic-recovery and
// timeout interceptor chain the rest of this stack's gRPC servers use.
// Subgraph add/remove ingestion itself flows through a coordinator.Provider
// (internal/provider/filewatcher), not through custom RPCs here.
package ctrlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	sharederrors "github.com/quangdang46/subgraph-coordinator/shared/errors"
	"github.com/quangdang46/subgraph-coordinator/shared/logging"
	"github.com/quangdang46/subgraph-coordinator/shared/metrics"
	"github.com/quangdang46/subgraph-coordinator/shared/recovery"
	"github.com/quangdang46/subgraph-coordinator/shared/timeout"
	sharedtls "github.com/quangdang46/subgraph-coordinator/shared/tls"
)

// Config configures the control-plane listener.
type Config struct {
	ListenAddr string
	RPCTimeout time.Duration

	// Metrics, when set, instruments every RPC and counts recovered panics.
	Metrics *metrics.Metrics

	TLSEnabled bool
	TLS        sharedtls.Config
}

// Server wraps a grpc.Server exposing the standard gRPC health service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        *logging.Logger
}

// New builds a Server but does not start listening.
func New(cfg Config, log *logging.Logger) (*Server, error) {
	panicHandler := recovery.NewPanicHandler(
		recovery.WithStackLogging(true),
		recovery.WithPanicCallback(func(recovered interface{}, stack []byte) {
			if cfg.Metrics != nil {
				cfg.Metrics.PanicsRecovered.Inc()
			}
			log.WithField("panic", fmt.Sprintf("%v", recovered)).
				WithField("stack", string(stack)).
				Error("recovered panic in control plane RPC")
		}),
	)

	rpcTimeout := cfg.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = 10 * time.Second
	}

	unary := []grpc.UnaryServerInterceptor{
		panicHandler.UnaryServerInterceptor(),
		timeout.TimeoutInterceptor(rpcTimeout),
		errorMappingInterceptor(),
	}
	stream := []grpc.StreamServerInterceptor{
		panicHandler.StreamServerInterceptor(),
		timeout.StreamTimeoutInterceptor(rpcTimeout),
	}
	if cfg.Metrics != nil {
		unary = append(unary, cfg.Metrics.GRPCUnaryInterceptor())
		stream = append(stream, cfg.Metrics.GRPCStreamInterceptor())
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}

	if cfg.TLSEnabled {
		creds, err := sharedtls.LoadServerCredentials(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("control plane: load tls credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	grpcServer := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{grpcServer: grpcServer, health: healthServer, log: log}, nil
}

// errorMappingInterceptor translates the shared error taxonomy into gRPC
// status codes, so any future provider RPC registered on this server gets
// the classification for free instead of leaking internal error strings.
func errorMappingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		var classified *sharederrors.Error
		if errors.As(err, &classified) {
			return resp, classified.ToGRPCError()
		}
		return resp, err
	}
}

// SetServing marks the given service (empty string for the whole server) as
// SERVING or NOT_SERVING.
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Serve listens on addr and blocks until the server stops or ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control plane: listen on %s: %w", addr, err)
	}

	s.SetServing("", true)
	errCh := make(chan error, 1)
	recovery.SafeGo(func() {
		errCh <- s.grpcServer.Serve(lis)
	})

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop gracefully drains in-flight RPCs before shutting the listener down.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

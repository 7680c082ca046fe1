// Package timeout centralizes the per-dependency deadlines the coordinator
// imposes: the walker picks a budget per call class (pointer reads against
// Postgres, cache reads against Redis, block fetches against the chain
// node), and the control plane enforces an RPC deadline via interceptor.
package timeout

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutConfig holds one deadline per dependency class.
type TimeoutConfig struct {
	Default    time.Duration
	Database   time.Duration
	Redis      time.Duration
	GRPC       time.Duration
	Blockchain time.Duration
}

// DefaultTimeoutConfig reflects each dependency's expected latency profile:
// pointer reads are single-row lookups, cache reads are sub-millisecond in
// the common case, and chain-node calls can legitimately take tens of
// seconds when the node is resolving a log-range query.
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Default:    30 * time.Second,
		Database:   5 * time.Second,
		Redis:      2 * time.Second,
		GRPC:       10 * time.Second,
		Blockchain: 60 * time.Second,
	}
}

// WithTimeout is context.WithTimeout with a fallback for non-positive values.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// TimeoutInterceptor bounds every unary control-plane RPC. The handler runs
// on its own goroutine so a handler that ignores its context still cannot
// hold the RPC open past the deadline.
func TimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if exemptFromTimeout(info.FullMethod) {
			return handler(ctx, req)
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			resp interface{}
			err  error
		}
		done := make(chan result, 1)
		go func() {
			resp, err := handler(timeoutCtx, req)
			done <- result{resp, err}
		}()

		select {
		case r := <-done:
			return r.resp, r.err
		case <-timeoutCtx.Done():
			return nil, status.Errorf(codes.DeadlineExceeded,
				"deadline (%v) exceeded for %s", timeout, info.FullMethod)
		}
	}
}

// StreamTimeoutInterceptor bounds streaming RPCs at three times the unary
// deadline; long-lived watch streams are exempted instead.
func StreamTimeoutInterceptor(timeout time.Duration) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if exemptFromTimeout(info.FullMethod) {
			return handler(srv, ss)
		}

		timeoutCtx, cancel := context.WithTimeout(ss.Context(), timeout*3)
		defer cancel()

		return handler(srv, &deadlineStream{ServerStream: ss, ctx: timeoutCtx})
	}
}

type deadlineStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *deadlineStream) Context() context.Context {
	return s.ctx
}

// exemptFromTimeout lists the streams that are open-ended on purpose.
func exemptFromTimeout(method string) bool {
	return method == "/grpc.health.v1.Health/Watch"
}

// Package recovery contains the panic isolation used throughout the
// coordinator: SafeGo guards every long-lived goroutine (watchers, the
// provider poll loop, the metrics listener), and PanicHandler guards the
// control plane's RPC handlers. A recovered panic is reported to Sentry
// when one is configured and never takes the process down.
package recovery

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PanicHandler converts handler panics into gRPC Internal errors.
type PanicHandler struct {
	onPanic  func(recovered interface{}, stack []byte)
	logStack bool
}

// Option configures a PanicHandler.
type Option func(*PanicHandler)

// WithPanicCallback registers fn to run on every recovered panic, after the
// stack is captured but before the error is returned.
func WithPanicCallback(fn func(recovered interface{}, stack []byte)) Option {
	return func(ph *PanicHandler) {
		ph.onPanic = fn
	}
}

// WithStackLogging controls whether the recovered stack is written to stderr.
func WithStackLogging(enabled bool) Option {
	return func(ph *PanicHandler) {
		ph.logStack = enabled
	}
}

// NewPanicHandler builds a handler with stack logging on by default.
func NewPanicHandler(opts ...Option) *PanicHandler {
	ph := &PanicHandler{logStack: true}
	for _, opt := range opts {
		opt(ph)
	}
	return ph
}

// UnaryServerInterceptor recovers panics in unary RPC handlers.
func (ph *PanicHandler) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = ph.handlePanic(r, info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}

// StreamServerInterceptor recovers panics in streaming RPC handlers.
func (ph *PanicHandler) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = ph.handlePanic(r, info.FullMethod)
			}
		}()
		return handler(srv, stream)
	}
}

func (ph *PanicHandler) handlePanic(recovered interface{}, method string) error {
	stack := debug.Stack()

	if ph.logStack {
		fmt.Fprintf(os.Stderr, "panic in %s: %v\n%s", method, recovered, stack)
	}
	if ph.onPanic != nil {
		ph.onPanic(recovered, stack)
	}
	reportToSentry(fmt.Errorf("rpc panic: %v", recovered), map[string]interface{}{
		"method":    method,
		"recovered": recovered,
		"stack":     string(stack),
	})

	return status.Error(codes.Internal, "internal server error")
}

// SafeGo runs fn on a new goroutine, recovering and reporting any panic.
func SafeGo(fn func()) {
	go func() {
		defer recoverGoroutine()
		fn()
	}()
}

// SafeGoWithContext is SafeGo for context-taking functions.
func SafeGoWithContext(ctx context.Context, fn func(context.Context)) {
	go func() {
		defer recoverGoroutine()
		fn(ctx)
	}()
}

func recoverGoroutine() {
	if r := recover(); r != nil {
		stack := debug.Stack()
		fmt.Fprintf(os.Stderr, "panic in goroutine: %v\n%s", r, stack)
		reportToSentry(fmt.Errorf("goroutine panic: %v", r), map[string]interface{}{
			"recovered": r,
			"stack":     string(stack),
		})
	}
}

func reportToSentry(err error, panicContext map[string]interface{}) {
	if sentry.CurrentHub() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetContext("panic", panicContext)
		sentry.CaptureException(err)
	})
}

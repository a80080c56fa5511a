package observability

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"voice-proxy-service/internal/observability/logging"
	"voice-proxy-service/internal/observability/metrics"
)

// Call kinds used as the "kind" label on gRPC metrics and logs. The voice
// session runs over websocket; the gRPC port only serves health and
// reflection for orchestrators and tooling.
const (
	CallKindHealth     = "health"
	CallKindReflection = "reflection"
	CallKindOther      = "other"
)

// CallKind classifies a full gRPC method name.
func CallKind(fullMethod string) string {
	switch {
	case strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/"):
		return CallKindHealth
	case strings.HasPrefix(fullMethod, "/grpc.reflection."):
		return CallKindReflection
	default:
		return CallKindOther
	}
}

// UnaryServerInterceptor returns a gRPC unary interceptor for metrics and logging.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	logger := logging.WithComponent("grpc")
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		record(m, logger, info.FullMethod, err, time.Since(start)).Msg("gRPC unary call")
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor for metrics and logging.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	logger := logging.WithComponent("grpc")
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		record(m, logger, info.FullMethod, err, time.Since(start)).Msg("gRPC stream completed")
		return err
	}
}

// record counts the call and returns its log event. Health probes arrive
// every few seconds from orchestrators, so they log at debug unless they
// fail.
func record(m *metrics.Metrics, logger zerolog.Logger, method string, err error, d time.Duration) *zerolog.Event {
	kind := CallKind(method)
	code := status.Code(err).String()
	m.RecordGRPCRequest(kind, method, code)

	ev := logger.Info()
	switch {
	case err != nil && kind != CallKindHealth:
		ev = logger.Warn().Err(err)
	case kind == CallKindHealth && err == nil:
		ev = logger.Debug()
	}
	return ev.
		Str("kind", kind).
		Str("method", method).
		Str("code", code).
		Dur("duration", d)
}

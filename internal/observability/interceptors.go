package observability

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"serial-voice-ingress/internal/observability/metrics"
)

// healthPrefix marks the probe traffic that is logged at debug level only.
const healthPrefix = "/grpc.health.v1.Health/"

// UnaryServerInterceptor counts unary calls by method and status code.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		finish(m, info.FullMethod, err, start, "gRPC unary call")
		return resp, err
	}
}

// StreamServerInterceptor counts streams and tracks how many are open.
// Health watchers hold a stream for the life of the client.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.GRPCStreamsActive.Inc()
		defer m.GRPCStreamsActive.Dec()

		err := handler(srv, ss)
		finish(m, info.FullMethod, err, start, "gRPC stream completed")
		return err
	}
}

func finish(m *metrics.Metrics, method string, err error, start time.Time, msg string) {
	code := status.Code(err).String()
	m.RecordGRPCCall(method, code)

	var ev *zerolog.Event
	switch {
	case err != nil:
		ev = log.Warn().Err(err)
	case strings.HasPrefix(method, healthPrefix):
		ev = log.Debug()
	default:
		ev = log.Info()
	}
	ev.Str("method", method).
		Str("code", code).
		Dur("duration", time.Since(start)).
		Msg(msg)
}

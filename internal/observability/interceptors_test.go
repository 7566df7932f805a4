package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serial-voice-ingress/internal/observability/metrics"
)

func TestUnaryServerInterceptor(t *testing.T) {
	tests := []struct {
		name   string
		method string
		err    error
		code   string
	}{
		{"health ok", "/grpc.health.v1.Health/Check", nil, "OK"},
		{"not found", "/grpc.health.v1.Health/Check", status.Error(codes.NotFound, "unknown service"), "NotFound"},
		{"plain error", "/x.Y/Z", context.Canceled, "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewMetrics(prometheus.NewRegistry())
			intercept := UnaryServerInterceptor(m)
			_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: tt.method},
				func(ctx context.Context, req any) (any, error) { return "resp", tt.err })
			if err != tt.err {
				t.Fatalf("expected handler error to pass through, got %v", err)
			}
			if got := testutil.ToFloat64(m.GRPCCalls.WithLabelValues(tt.method, tt.code)); got != 1 {
				t.Errorf("expected one call with code %s, got %v", tt.code, got)
			}
		})
	}
}

func TestStreamServerInterceptor_TracksActive(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	intercept := StreamServerInterceptor(m)

	var during float64
	err := intercept(nil, nil, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"},
		func(srv any, ss grpc.ServerStream) error {
			during = testutil.ToFloat64(m.GRPCStreamsActive)
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if during != 1 {
		t.Errorf("expected one active stream inside the handler, got %v", during)
	}
	if got := testutil.ToFloat64(m.GRPCStreamsActive); got != 0 {
		t.Errorf("expected no active streams after return, got %v", got)
	}
	if got := testutil.ToFloat64(m.GRPCCalls.WithLabelValues("/grpc.health.v1.Health/Watch", "OK")); got != 1 {
		t.Errorf("expected stream counted once, got %v", got)
	}
}

package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"serial-voice-ingress/internal/observability/metrics"
)

func TestHandler_Health(t *testing.T) {
	ready := false
	h := Handler(prometheus.NewRegistry(), func() bool { return ready })

	tests := []struct {
		path  string
		ready bool
		code  int
	}{
		{"/healthz", false, http.StatusOK},
		{"/readyz", false, http.StatusServiceUnavailable},
		{"/readyz", true, http.StatusOK},
	}

	for _, tt := range tests {
		ready = tt.ready
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s (ready=%v): expected %d, got %d", tt.path, tt.ready, tt.code, rec.Code)
		}
	}
}

func TestHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordFrame(512)

	rec := httptest.NewRecorder()
	Handler(reg, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "serial_voice_ingress_frames_decoded_total 1") {
		t.Errorf("expected frame counter in output, got:\n%s", rec.Body.String())
	}
}

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordFrame(512)
	m.RecordFrame(512)
	m.RecordFrameError("checksum")
	m.RecordBytesScanned(1032)
	m.RecordSegmentStarted()
	m.RecordSegmentCompleted("silence", 5000)
	m.RecordLabel("")
	m.RecordLabel("word-class-A")
	m.RecordKafkaPublish("voice.segments", "voice.segment.completed", errors.New("boom"), 0.01)
	m.RecordRecording(nil)
	m.RecordConfigReload(errors.New("bad yaml"))

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"frames", m.FramesDecoded, 2},
		{"samples", m.SamplesDecoded, 1024},
		{"checksum errors", m.FrameErrors.WithLabelValues("checksum"), 1},
		{"bytes", m.BytesScanned, 1032},
		{"segments started", m.SegmentsStarted, 1},
		{"segments by silence", m.SegmentsCompleted.WithLabelValues("silence"), 1},
		{"no label", m.LabelsTotal.WithLabelValues("none"), 1},
		{"label A", m.LabelsTotal.WithLabelValues("word-class-A"), 1},
		{"publish errors", m.KafkaPublishErrors.WithLabelValues("voice.segments", "voice.segment.completed"), 1},
		{"recordings", m.RecordingsTotal.WithLabelValues("ok"), 1},
		{"reload errors", m.ConfigReloads.WithLabelValues("error"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetVoiceState(2)
	m.SetRingOccupancy(4800)

	if got := testutil.ToFloat64(m.VoiceState); got != 2 {
		t.Errorf("expected voice state 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.RingOccupancy); got != 4800 {
		t.Errorf("expected occupancy 4800, got %v", got)
	}
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must not collide when registered on separate registries.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordFrame(1)
	if got := testutil.ToFloat64(b.FramesDecoded); got != 0 {
		t.Errorf("expected independent counters, got %v", got)
	}
}

// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "serial_voice_ingress"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Decoder metrics
	FramesDecoded  prometheus.Counter
	FrameErrors    *prometheus.CounterVec
	BytesScanned   prometheus.Counter
	SamplesDecoded prometheus.Counter

	// Segmentation metrics
	SegmentsStarted   prometheus.Counter
	SegmentsCompleted *prometheus.CounterVec
	SegmentSamples    prometheus.Histogram
	VoiceState        prometheus.Gauge
	RingOccupancy     prometheus.Gauge

	// Classifier metrics
	LabelsTotal *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTLatency       *prometheus.HistogramVec
	STTErrors        *prometheus.CounterVec
	TranscriptsFinal prometheus.Counter

	// Recorder metrics
	RecordingsTotal *prometheus.CounterVec

	// gRPC metrics
	GRPCCalls         *prometheus.CounterVec
	GRPCStreamsActive prometheus.Gauge

	// Config metrics
	ConfigReloads *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all Prometheus metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Decoder metrics
		FramesDecoded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Total number of frames that passed validation",
		}),
		FrameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Total number of frames dropped before validation",
		}, []string{"reason"}),
		BytesScanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_scanned_total",
			Help:      "Total bytes consumed from the byte source",
		}),
		SamplesDecoded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_decoded_total",
			Help:      "Total samples carried by valid frames",
		}),

		// Segmentation metrics
		SegmentsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_started_total",
			Help:      "Total number of voice segments opened",
		}),
		SegmentsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_completed_total",
			Help:      "Total number of voice segments closed",
		}, []string{"reason"}),
		SegmentSamples: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_samples",
			Help:      "Length of completed segments in samples",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		}),
		VoiceState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_state",
			Help:      "Current segmentation phase (0 idle, 1 active, 2 trailing)",
		}),
		RingOccupancy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_occupancy_samples",
			Help:      "Number of samples held in the display ring",
		}),

		// Classifier metrics
		LabelsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_total",
			Help:      "Total number of classified segments by label",
		}, []string{"label"}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// STT metrics
		STTLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Time from segment dispatch to final transcript",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),

		// Recorder metrics
		RecordingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Total number of segment WAV files written",
		}, []string{"result"}),

		// gRPC metrics
		GRPCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC calls handled",
		}, []string{"method", "code"}),
		GRPCStreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_streams_active",
			Help:      "Number of currently open gRPC streams",
		}),

		// Config metrics
		ConfigReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of configuration reload attempts",
		}, []string{"result"}),
	}
}

// RecordFrame records a validated frame.
func (m *Metrics) RecordFrame(samples int) {
	m.FramesDecoded.Inc()
	m.SamplesDecoded.Add(float64(samples))
}

// RecordFrameError records a dropped frame.
func (m *Metrics) RecordFrameError(reason string) {
	m.FrameErrors.WithLabelValues(reason).Inc()
}

// RecordBytesScanned adds n consumed bytes.
func (m *Metrics) RecordBytesScanned(n uint64) {
	m.BytesScanned.Add(float64(n))
}

// RecordSegmentStarted records a segment being opened.
func (m *Metrics) RecordSegmentStarted() {
	m.SegmentsStarted.Inc()
}

// RecordSegmentCompleted records a closed segment and its length.
func (m *Metrics) RecordSegmentCompleted(reason string, samples int) {
	m.SegmentsCompleted.WithLabelValues(reason).Inc()
	m.SegmentSamples.Observe(float64(samples))
}

// SetVoiceState records the current segmentation phase.
func (m *Metrics) SetVoiceState(phase int) {
	m.VoiceState.Set(float64(phase))
}

// SetRingOccupancy records the ring length.
func (m *Metrics) SetRingOccupancy(n int) {
	m.RingOccupancy.Set(float64(n))
}

// RecordLabel records a classification result. An empty label is "none".
func (m *Metrics) RecordLabel(label string) {
	if label == "" {
		label = "none"
	}
	m.LabelsTotal.WithLabelValues(label).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordFinalTranscript records a final transcript and its latency.
func (m *Metrics) RecordFinalTranscript(provider string, latencySeconds float64) {
	m.TranscriptsFinal.Inc()
	m.STTLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordRecording records a WAV write attempt.
func (m *Metrics) RecordRecording(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RecordingsTotal.WithLabelValues(result).Inc()
}

// RecordGRPCCall records a finished gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ConfigReloads.WithLabelValues(result).Inc()
}

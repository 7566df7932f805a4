package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"serial-voice-ingress/internal/models"
	"serial-voice-ingress/internal/observability/metrics"
	"serial-voice-ingress/internal/schema"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestPublisher(m *metrics.Metrics) (*Publisher, *fakeWriter, *fakeWriter, *fakeWriter) {
	seg, tr, st := &fakeWriter{}, &fakeWriter{}, &fakeWriter{}
	return &Publisher{
		writerSegments:    seg,
		writerTranscripts: tr,
		writerStats:       st,
		principal:         "test-svc",
		topicSegments:     "voice.segments",
		topicTranscripts:  "voice.transcripts",
		topicStats:        "voice.decoder.stats",
		enabled:           true,
		validator:         schema.New(),
		metrics:           m,
	}, seg, tr, st
}

func completed() models.SegmentCompleted {
	return models.SegmentCompleted{
		EventType: models.EventSegmentCompleted,
		SessionID: "capture",
		SegmentID: "capture-seg-1",
		Timestamp: 1700000000000,
		Samples:   60,
		Reason:    "silence",
		Label:     "word-class-A",
	}
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerSegments != nil || p.writerTranscripts != nil || p.writerStats != nil {
				t.Error("expected no writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Enabled:          false,
		Brokers:          []string{"localhost:9092"},
		TopicSegments:    "test.segments",
		TopicTranscripts: "test.transcripts",
		TopicStats:       "test.stats",
		Principal:        "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicSegments != "test.segments" || p.topicTranscripts != "test.transcripts" || p.topicStats != "test.stats" {
		t.Errorf("unexpected topics: %s %s %s", p.topicSegments, p.topicTranscripts, p.topicStats)
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{
		Enabled:       true,
		Brokers:       []string{"localhost:9092"},
		TopicSegments: "voice.segments",
		Metrics:       metrics.NewMetrics(prometheus.NewRegistry()),
	})
	defer p.Close()

	if !p.enabled || p.writerSegments == nil {
		t.Fatal("expected writers when enabled")
	}
	if w := p.writerSegments.(*kafka.Writer); w.Topic != "voice.segments" {
		t.Errorf("expected topic voice.segments, got %s", w.Topic)
	}
}

func TestPublisher_Disabled_LogsOnly(t *testing.T) {
	p := New(&Config{Enabled: false, Metrics: metrics.NewMetrics(prometheus.NewRegistry())})

	if err := p.PublishSegmentCompleted(context.Background(), completed()); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_SegmentCompleted(t *testing.T) {
	p, seg, tr, _ := newTestPublisher(metrics.NewMetrics(prometheus.NewRegistry()))

	if err := p.PublishSegmentCompleted(context.Background(), completed()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seg.msgs) != 1 || len(tr.msgs) != 0 {
		t.Fatalf("expected one message on the segments topic, got %d / %d", len(seg.msgs), len(tr.msgs))
	}
	msg := seg.msgs[0]
	if string(msg.Key) != "capture-seg-1" {
		t.Errorf("expected key capture-seg-1, got %s", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["eventType"] != models.EventSegmentCompleted {
		t.Errorf("expected eventType header, got %q", headers["eventType"])
	}
	if headers["principal"] != "test-svc" {
		t.Errorf("expected principal header, got %q", headers["principal"])
	}

	var decoded models.SegmentCompleted
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.Label != "word-class-A" || decoded.Samples != 60 {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestPublisher_RoutesByTopic(t *testing.T) {
	p, seg, tr, st := newTestPublisher(metrics.NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	p.PublishSegmentStarted(ctx, models.SegmentStarted{EventType: models.EventSegmentStarted, SessionID: "s", SegmentID: "s-seg-1", Timestamp: 1})
	p.PublishTranscript(ctx, models.TranscriptFinal{EventType: models.EventTranscriptFinal, SessionID: "s", SegmentID: "s-seg-1", Timestamp: 1, Provider: "mock", Confidence: 0.9})
	p.PublishStats(ctx, models.DecoderStats{EventType: models.EventDecoderStats, SessionID: "s", Timestamp: 1})

	if len(seg.msgs) != 1 || len(tr.msgs) != 1 || len(st.msgs) != 1 {
		t.Errorf("expected one message per topic, got %d %d %d", len(seg.msgs), len(tr.msgs), len(st.msgs))
	}
	if string(st.msgs[0].Key) != "s" {
		t.Errorf("stats should be keyed by session, got %s", st.msgs[0].Key)
	}
}

func TestPublisher_InvalidEventRejected(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p, seg, _, _ := newTestPublisher(m)

	e := completed()
	e.SegmentID = ""
	err := p.PublishSegmentCompleted(context.Background(), e)

	if !errors.Is(err, schema.ErrInvalidEvent) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(seg.msgs) != 0 {
		t.Error("invalid event must not be written")
	}
	if got := testutil.ToFloat64(m.KafkaPublishErrors.WithLabelValues("voice.segments", models.EventSegmentCompleted)); got != 1 {
		t.Errorf("expected one publish error, got %v", got)
	}
}

func TestPublisher_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false, Metrics: metrics.NewMetrics(prometheus.NewRegistry())})
	p.validator = nil

	// Create an unmarshalable value (channel)
	err := p.publish(context.Background(), nil, "t", "test", "k", make(chan int))
	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_WriteError(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p, seg, _, _ := newTestPublisher(m)
	seg.err = errors.New("broker down")

	if err := p.PublishSegmentCompleted(context.Background(), completed()); err == nil {
		t.Fatal("expected write error")
	}
	if got := testutil.ToFloat64(m.KafkaPublishErrors.WithLabelValues("voice.segments", models.EventSegmentCompleted)); got != 1 {
		t.Errorf("expected one publish error, got %v", got)
	}
}

func TestPublisher_Close(t *testing.T) {
	p, seg, tr, st := newTestPublisher(metrics.NewMetrics(prometheus.NewRegistry()))

	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seg.closed || !tr.closed || !st.closed {
		t.Error("expected all writers closed")
	}
}

func TestPublisher_Close_NoWriters(t *testing.T) {
	p := &Publisher{}

	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing publisher with nil writers, got %v", err)
	}
}

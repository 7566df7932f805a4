// Package events provides event publishing functionality.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"serial-voice-ingress/internal/models"
	"serial-voice-ingress/internal/observability/metrics"
	"serial-voice-ingress/internal/schema"
)

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes voice events to Kafka, one writer per topic.
type Publisher struct {
	writerSegments    messageWriter
	writerTranscripts messageWriter
	writerStats       messageWriter
	principal         string
	topicSegments     string
	topicTranscripts  string
	topicStats        string
	enabled           bool
	validator         *schema.Validator
	metrics           *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers          []string
	TopicSegments    string
	TopicTranscripts string
	TopicStats       string
	Principal        string
	Enabled          bool
	// Metrics defaults to metrics.DefaultMetrics.
	Metrics *metrics.Metrics
}

// New creates a new Kafka event publisher. Without brokers, or when
// disabled, events are only logged.
func New(cfg *Config) *Publisher {
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			validator: schema.New(),
			metrics:   metrics.DefaultMetrics,
		}
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	p := &Publisher{
		principal:        cfg.Principal,
		topicSegments:    cfg.TopicSegments,
		topicTranscripts: cfg.TopicTranscripts,
		topicStats:       cfg.TopicStats,
		validator:        schema.New(),
		metrics:          m,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	p.writerSegments = newWriter(cfg.TopicSegments)
	p.writerTranscripts = newWriter(cfg.TopicTranscripts)
	p.writerStats = newWriter(cfg.TopicStats)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicSegments", cfg.TopicSegments).
		Str("topicTranscripts", cfg.TopicTranscripts).
		Str("topicStats", cfg.TopicStats).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// PublishSegmentStarted publishes a segment start to the segments topic.
func (p *Publisher) PublishSegmentStarted(ctx context.Context, e models.SegmentStarted) error {
	return p.publish(ctx, p.writerSegments, p.topicSegments, models.EventSegmentStarted, e.SegmentID, e)
}

// PublishSegmentCompleted publishes a closed segment to the segments topic.
func (p *Publisher) PublishSegmentCompleted(ctx context.Context, e models.SegmentCompleted) error {
	return p.publish(ctx, p.writerSegments, p.topicSegments, models.EventSegmentCompleted, e.SegmentID, e)
}

// PublishTranscript publishes a final transcript to the transcripts topic.
func (p *Publisher) PublishTranscript(ctx context.Context, e models.TranscriptFinal) error {
	return p.publish(ctx, p.writerTranscripts, p.topicTranscripts, models.EventTranscriptFinal, e.SegmentID, e)
}

// PublishStats publishes decoder counters to the stats topic.
func (p *Publisher) PublishStats(ctx context.Context, e models.DecoderStats) error {
	return p.publish(ctx, p.writerStats, p.topicStats, models.EventDecoderStats, e.SessionID, e)
}

// publish validates, encodes and writes one event. Keys keep all events of
// a segment on one partition.
func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	if p.validator != nil {
		if err := p.validator.Validate(event); err != nil {
			log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Event failed validation")
			p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
			return err
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for name, w := range map[string]messageWriter{
		"segments":    p.writerSegments,
		"transcripts": p.writerTranscripts,
		"stats":       p.writerStats,
	} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("writer", name).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}

package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"serial-voice-ingress/internal/models"
	"serial-voice-ingress/internal/observability/logging"
	"serial-voice-ingress/internal/observability/metrics"
)

// ErrBusy is returned by Dispatch when every worker slot is in use.
var ErrBusy = errors.New("stt dispatcher busy")

// TranscriptPublisher receives final transcripts.
type TranscriptPublisher interface {
	PublishTranscript(ctx context.Context, e models.TranscriptFinal) error
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	Provider     string
	SessionID    string
	SampleRateHz int
	// ChunkSamples is the size of each SendAudio call.
	ChunkSamples int
	// MaxInFlight bounds concurrent recognitions. Extra segments are dropped.
	MaxInFlight int
	// Timeout bounds one recognition from Start to end of utterance.
	Timeout time.Duration
	// MaxPartials drops a recognition that streams more partials than this.
	MaxPartials int
	Metrics     *metrics.Metrics
}

// DefaultDispatcherConfig returns sensible defaults for 8 kHz audio.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Provider:     "mock",
		SessionID:    "capture",
		SampleRateHz: 8000,
		ChunkSamples: 1600, // 200ms at 8kHz
		MaxInFlight:  4,
		Timeout:      30 * time.Second,
		MaxPartials:  500,
	}
}

// Dispatcher hands finished segments to fresh adapter sessions and publishes
// the resulting final transcript. Recognition runs off the caller's
// goroutine.
type Dispatcher struct {
	cfg       DispatcherConfig
	factory   Factory
	publisher TranscriptPublisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Zero config fields take defaults.
func NewDispatcher(cfg DispatcherConfig, factory Factory, publisher TranscriptPublisher) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Provider == "" {
		cfg.Provider = def.Provider
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = def.SampleRateHz
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = def.ChunkSamples
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Dispatcher{
		cfg:       cfg,
		factory:   factory,
		publisher: publisher,
		metrics:   m,
		logger:    logging.WithComponent("stt-dispatcher").With().Str("sttProvider", cfg.Provider).Logger(),
		slots:     make(chan struct{}, cfg.MaxInFlight),
	}
}

// Dispatch starts recognition of req in the background. It never blocks;
// when all slots are busy the request is dropped with ErrBusy.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	select {
	case d.slots <- struct{}{}:
	default:
		d.metrics.RecordSTTError(d.cfg.Provider, "busy")
		d.logger.Warn().Str("segmentId", req.SegmentID).Msg("Recognizer busy, segment not transcribed")
		return ErrBusy
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		if err := d.recognize(ctx, req); err != nil {
			d.logger.Error().Err(err).Str("segmentId", req.SegmentID).Msg("Recognition failed")
		}
	}()
	return nil
}

// Wait blocks until every dispatched recognition has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Recognize runs one recognition synchronously and returns the transcript.
func (d *Dispatcher) Recognize(ctx context.Context, req Request) (models.TranscriptFinal, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	start := time.Now()

	adapter, err := d.factory(ctx, req)
	if err != nil {
		d.metrics.RecordSTTError(d.cfg.Provider, "open")
		return models.TranscriptFinal{}, fmt.Errorf("open %s adapter: %w", d.cfg.Provider, err)
	}

	s := newSession(d.cfg.MaxPartials)
	if err := adapter.Start(ctx, s); err != nil {
		adapter.Close()
		d.metrics.RecordSTTError(d.cfg.Provider, "start")
		return models.TranscriptFinal{}, fmt.Errorf("start %s stream: %w", d.cfg.Provider, err)
	}

	audio := PCMBytes(req.Samples)
	chunk := d.cfg.ChunkSamples * 2
	for off := 0; off < len(audio); off += chunk {
		end := min(off+chunk, len(audio))
		if err := adapter.SendAudio(ctx, audio[off:end]); err != nil {
			adapter.Close()
			d.metrics.RecordSTTError(d.cfg.Provider, "send")
			return models.TranscriptFinal{}, fmt.Errorf("send audio: %w", err)
		}
	}
	if err := adapter.Close(); err != nil {
		d.logger.Warn().Err(err).Str("segmentId", req.SegmentID).Msg("Error closing STT stream")
	}

	text, confidence, err := s.wait(ctx)
	if err != nil {
		d.metrics.RecordSTTError(d.cfg.Provider, errorType(err))
		return models.TranscriptFinal{}, err
	}

	d.metrics.RecordFinalTranscript(d.cfg.Provider, time.Since(start).Seconds())
	return models.TranscriptFinal{
		EventType:     models.EventTranscriptFinal,
		SessionID:     d.cfg.SessionID,
		SegmentID:     req.SegmentID,
		Timestamp:     time.Now().UnixMilli(),
		Provider:      d.cfg.Provider,
		Text:          text,
		Confidence:    confidence,
		Label:         req.Label,
		AudioOffsetMs: int64(req.StartIndex) * 1000 / int64(d.cfg.SampleRateHz),
	}, nil
}

func (d *Dispatcher) recognize(ctx context.Context, req Request) error {
	ev, err := d.Recognize(ctx, req)
	if err != nil {
		return err
	}
	logger := logging.WithSegment(d.cfg.SessionID, req.SegmentID)
	logger.Info().
		Str("text", ev.Text).
		Float64("confidence", ev.Confidence).
		Msg("Final transcript")
	if d.publisher == nil {
		return nil
	}
	// The capture context may already be cancelled at shutdown.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return d.publisher.PublishTranscript(pubCtx, ev)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, errTooManyPartials):
		return "partials_limit"
	case errors.Is(err, errNoFinal):
		return "no_final"
	default:
		return "stream"
	}
}

var (
	errNoFinal         = errors.New("stt: utterance ended without a final transcript")
	errTooManyPartials = errors.New("stt: partial transcript limit exceeded")
)

// session collects the results of one recognition. Only the first error
// counts; finals received before the end of utterance are joined.
type session struct {
	maxPartials int

	mu         sync.Mutex
	partials   int
	text       string
	confidence float64
	finals     int
	err        error
	done       chan struct{}
	closed     bool
}

func newSession(maxPartials int) *session {
	return &session{maxPartials: maxPartials, done: make(chan struct{})}
}

func (s *session) OnPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials++
	if s.maxPartials > 0 && s.partials > s.maxPartials {
		s.finish(errTooManyPartials)
	}
}

func (s *session) OnFinal(text string, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.text != "" && text != "" {
		s.text += " "
	}
	s.text += text
	// Keep the lowest confidence of the joined finals.
	if s.finals == 0 || confidence < s.confidence {
		s.confidence = confidence
	}
	s.finals++
}

func (s *session) OnEndOfUtterance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finals == 0 {
		s.finish(errNoFinal)
		return
	}
	s.finish(nil)
}

func (s *session) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish(err)
}

// finish must be called with mu held.
func (s *session) finish(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *session) wait(ctx context.Context) (string, float64, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.confidence, s.err
}

// Package pipeline drives decoding, segmentation and classification of the
// capture stream. One reader goroutine owns the byte source and hands
// frames to one consumer goroutine.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"serial-voice-ingress/internal/config"
	"serial-voice-ingress/internal/models"
	"serial-voice-ingress/internal/observability/logging"
	"serial-voice-ingress/internal/observability/metrics"
	"serial-voice-ingress/internal/protocol"
	"serial-voice-ingress/internal/service/keyword"
	"serial-voice-ingress/internal/service/ring"
	"serial-voice-ingress/internal/service/segment"
	"serial-voice-ingress/internal/service/stt"
)

// ErrRunning is returned by Run when the pipeline is already running.
var ErrRunning = errors.New("pipeline already running")

// publishTimeout bounds each event publish.
const publishTimeout = 5 * time.Second

// Publisher receives voice events.
type Publisher interface {
	PublishSegmentStarted(ctx context.Context, e models.SegmentStarted) error
	PublishSegmentCompleted(ctx context.Context, e models.SegmentCompleted) error
	PublishStats(ctx context.Context, e models.DecoderStats) error
}

// Recorder persists finished segments.
type Recorder interface {
	Write(segmentID string, samples []int16) (string, error)
}

// Recognizer transcribes finished segments in the background.
type Recognizer interface {
	Dispatch(ctx context.Context, req stt.Request) error
}

// Config holds pipeline settings.
type Config struct {
	SessionID    string
	SampleRateHz int
	// StatsInterval publishes decoder counters periodically. Zero disables.
	StatsInterval time.Duration
	// FrameBuffer is the capacity of the reader to consumer channel.
	FrameBuffer int
	Metrics     *metrics.Metrics
}

// Deps are the components the pipeline drives. Recorder and Recognizer are
// optional.
type Deps struct {
	Decoder    *protocol.Decoder
	Ring       *ring.Ring
	Engine     *segment.Engine
	Classifier *keyword.Classifier
	Publisher  Publisher
	Recorder   Recorder
	Recognizer Recognizer
}

// State is the read-only view served to UIs.
type State struct {
	Running       bool               `json:"running"`
	Voice         segment.VoiceState `json:"voice"`
	VoiceState    string             `json:"voiceState"`
	SegmentID     string             `json:"segmentId,omitempty"`
	Energy        float64            `json:"energy"`
	Position      uint64             `json:"position"`
	Segments      uint64             `json:"segments"`
	LastSegmentID string             `json:"lastSegmentId,omitempty"`
	LastLabel     keyword.Label      `json:"lastLabel"`
	LastFeatures  keyword.Features   `json:"lastFeatures"`
	RingLen       int                `json:"ringLen"`
	RingCap       int                `json:"ringCap"`
	Decoder       protocol.Stats     `json:"decoder"`
}

type transition struct {
	from, to  segment.VoiceState
	segmentID string
	energy    float64
	start     uint64
}

// Pipeline wires decoder, ring, engine and classifier together.
type Pipeline struct {
	cfg     Config
	deps    Deps
	metrics *metrics.Metrics
	logger  zerolog.Logger

	tuning  chan config.Tuning
	running atomic.Bool

	// Owned by the consumer goroutine.
	classifier  *keyword.Classifier
	transitions []transition
	lastScanned uint64

	mu    sync.RWMutex
	state State
}

// New creates a pipeline. Decoder, Ring, Engine and Publisher are required.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 8000
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 64
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if deps.Classifier == nil {
		deps.Classifier = keyword.New(keyword.DefaultConfig())
	}

	p := &Pipeline{
		cfg:        cfg,
		deps:       deps,
		metrics:    m,
		logger:     logging.WithSession(cfg.SessionID).With().Str("component", "pipeline").Logger(),
		tuning:     make(chan config.Tuning, 1),
		classifier: deps.Classifier,
	}
	p.state.Voice = segment.Idle()
	p.state.VoiceState = p.state.Voice.String()
	p.state.RingCap = deps.Ring.Cap()

	deps.Engine.SetTransitionFunc(func(from, to segment.VoiceState, segmentID string, energy float64) {
		p.transitions = append(p.transitions, transition{
			from:      from,
			to:        to,
			segmentID: segmentID,
			energy:    energy,
			start:     deps.Engine.SegmentStart(),
		})
	})
	return p
}

// Run decodes until ctx is cancelled or the source fails. The source is
// closed on return. A cancelled context is a clean stop and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer p.running.Store(false)
	p.setRunning(true)
	defer p.setRunning(false)

	var closeOnce sync.Once
	closeSource := func() {
		closeOnce.Do(func() {
			if err := p.deps.Decoder.Close(); err != nil {
				p.logger.Warn().Err(err).Msg("Error closing byte source")
			}
		})
	}
	defer closeSource()

	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan protocol.Frame, p.cfg.FrameBuffer)

	// Closing the source unblocks a pending read.
	g.Go(func() error {
		<-gctx.Done()
		closeSource()
		return nil
	})

	g.Go(func() error {
		defer close(frames)
		return p.read(gctx, frames)
	})

	g.Go(func() error {
		p.consume(ctx, frames)
		return nil
	})

	p.logger.Info().Msg("Pipeline started")
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, protocol.ErrSourceClosed) {
		err = nil
	}
	if err != nil {
		p.logger.Error().Err(err).Msg("Pipeline stopped on source fault")
	} else {
		p.logger.Info().Msg("Pipeline stopped")
	}
	return err
}

// read is the producer. It owns the decoder.
func (p *Pipeline) read(ctx context.Context, frames chan<- protocol.Frame) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := p.deps.Decoder.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch res.Status {
		case protocol.StatusFrame:
			p.metrics.RecordFrame(len(res.Frame.Samples))
			select {
			case frames <- res.Frame:
			case <-ctx.Done():
				return nil
			}
		case protocol.StatusResync:
			p.metrics.RecordFrameError(string(res.Reason))
		}
	}
}

// consume is the single consumer. It returns once frames is closed and the
// open segment has been flushed.
func (p *Pipeline) consume(ctx context.Context, frames <-chan protocol.Frame) {
	var tick <-chan time.Time
	if p.cfg.StatsInterval > 0 {
		t := time.NewTicker(p.cfg.StatsInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				p.Flush(ctx)
				p.publishStats(ctx)
				return
			}
			p.Process(ctx, f)
		case t := <-p.tuning:
			p.applyTuning(t)
		case <-tick:
			p.publishStats(ctx)
		}
	}
}

// Process runs one frame through ring, engine and classifier and returns
// the segments it completed. It must only be called from one goroutine, and
// not while Run is active.
func (p *Pipeline) Process(ctx context.Context, f protocol.Frame) []models.SegmentCompleted {
	p.deps.Ring.PushAll(f.Samples)
	p.metrics.SetRingOccupancy(p.deps.Ring.Len())

	segs := p.deps.Engine.Observe(f.Samples)
	done := p.drain(ctx, segs)
	p.updateLive()
	return done
}

// Flush closes an open segment at end of stream.
func (p *Pipeline) Flush(ctx context.Context) []models.SegmentCompleted {
	seg, ok := p.deps.Engine.Flush()
	var segs []segment.Segment
	if ok {
		segs = append(segs, seg)
	}
	done := p.drain(ctx, segs)
	p.updateLive()
	return done
}

// drain handles recorded transitions in order. Every transition to Idle
// closes the next segment in segs.
func (p *Pipeline) drain(ctx context.Context, segs []segment.Segment) []models.SegmentCompleted {
	var done []models.SegmentCompleted
	for _, t := range p.transitions {
		p.metrics.SetVoiceState(int(t.to.Phase))
		switch {
		case t.from.Phase == segment.PhaseIdle && t.to.InSegment():
			p.started(ctx, t)
		case t.to.Phase == segment.PhaseIdle && len(segs) > 0:
			done = append(done, p.completed(ctx, segs[0]))
			segs = segs[1:]
		}
	}
	p.transitions = p.transitions[:0]
	return done
}

func (p *Pipeline) started(ctx context.Context, t transition) {
	p.metrics.RecordSegmentStarted()
	logger := logging.WithSegment(p.cfg.SessionID, t.segmentID)
	logger.Debug().
		Uint64("startIndex", t.start).
		Float64("energy", t.energy).
		Msg("Segment started")

	ev := models.SegmentStarted{
		EventType:  models.EventSegmentStarted,
		SessionID:  p.cfg.SessionID,
		SegmentID:  t.segmentID,
		Timestamp:  time.Now().UnixMilli(),
		StartIndex: t.start,
		Energy:     t.energy,
	}
	pubCtx, cancel := publishContext(ctx)
	defer cancel()
	if err := p.deps.Publisher.PublishSegmentStarted(pubCtx, ev); err != nil {
		p.logger.Warn().Err(err).Str("segmentId", t.segmentID).Msg("Failed to publish segment start")
	}
}

func (p *Pipeline) completed(ctx context.Context, seg segment.Segment) models.SegmentCompleted {
	res := p.classifier.Classify(seg.Samples)
	p.metrics.RecordSegmentCompleted(string(seg.Reason), len(seg.Samples))
	p.metrics.RecordLabel(string(res.Label))

	logger := logging.WithSegment(p.cfg.SessionID, seg.ID)

	var path string
	if p.deps.Recorder != nil {
		var err error
		if path, err = p.deps.Recorder.Write(seg.ID, seg.Samples); err != nil {
			logger.Warn().Err(err).Msg("Failed to record segment")
		}
	}

	ev := models.SegmentCompleted{
		EventType:     models.EventSegmentCompleted,
		SessionID:     p.cfg.SessionID,
		SegmentID:     seg.ID,
		Timestamp:     time.Now().UnixMilli(),
		StartIndex:    seg.StartIndex,
		Samples:       len(seg.Samples),
		DurationMs:    int64(len(seg.Samples)) * 1000 / int64(p.cfg.SampleRateHz),
		Reason:        string(seg.Reason),
		PeakEnergy:    seg.PeakEnergy,
		Label:         string(res.Label),
		Classified:    res.Computed,
		Energy:        res.Features.Energy,
		ZeroCrossings: res.Features.ZeroCrossings,
		DominantHz:    res.Features.DominantHz,
		RecordingPath: path,
	}

	logger.Info().
		Str("reason", ev.Reason).
		Int("samples", ev.Samples).
		Str("label", ev.Label).
		Float64("energy", ev.Energy).
		Int("zeroCrossings", ev.ZeroCrossings).
		Msg("Segment completed")

	pubCtx, cancel := publishContext(ctx)
	defer cancel()
	if err := p.deps.Publisher.PublishSegmentCompleted(pubCtx, ev); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish segment")
	}

	if p.deps.Recognizer != nil {
		err := p.deps.Recognizer.Dispatch(context.WithoutCancel(ctx), stt.Request{
			SegmentID:  seg.ID,
			Samples:    seg.Samples,
			Label:      string(res.Label),
			StartIndex: seg.StartIndex,
		})
		if err != nil {
			logger.Debug().Err(err).Msg("Segment not handed to recognizer")
		}
	}

	p.mu.Lock()
	p.state.Segments++
	p.state.LastSegmentID = seg.ID
	p.state.LastLabel = res.Label
	p.state.LastFeatures = res.Features
	p.mu.Unlock()
	return ev
}

func (p *Pipeline) publishStats(ctx context.Context) {
	st := p.deps.Decoder.Stats()
	if st.BytesScanned > p.lastScanned {
		p.metrics.RecordBytesScanned(st.BytesScanned - p.lastScanned)
		p.lastScanned = st.BytesScanned
	}

	pubCtx, cancel := publishContext(ctx)
	defer cancel()
	err := p.deps.Publisher.PublishStats(pubCtx, models.DecoderStats{
		EventType:    models.EventDecoderStats,
		SessionID:    p.cfg.SessionID,
		Timestamp:    time.Now().UnixMilli(),
		Frames:       st.Frames,
		Errors:       st.Errors,
		BadLength:    st.BadLength,
		ShortReads:   st.ShortReads,
		Checksum:     st.Checksum,
		BytesScanned: st.BytesScanned,
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish decoder stats")
	}
}

// UpdateTuning hands new thresholds to the consumer. Only the latest
// pending value is kept.
func (p *Pipeline) UpdateTuning(t config.Tuning) {
	for {
		select {
		case p.tuning <- t:
			return
		default:
		}
		select {
		case <-p.tuning:
		default:
		}
	}
}

// ApplyPendingTuning applies a queued tuning update, if any. For callers
// driving Process directly.
func (p *Pipeline) ApplyPendingTuning() bool {
	select {
	case t := <-p.tuning:
		p.applyTuning(t)
		return true
	default:
		return false
	}
}

func (p *Pipeline) applyTuning(t config.Tuning) {
	p.deps.Engine.UpdateConfig(SegmentConfig(t.Segmentation))
	p.classifier = keyword.New(ClassifierConfig(t.Classifier, p.cfg.SampleRateHz))
	p.logger.Info().
		Float64("energyThreshold", t.Segmentation.EnergyThreshold).
		Int("silenceLimit", t.Segmentation.SilenceLimit).
		Int("zeroCrossingThreshold", t.Classifier.ZeroCrossingThreshold).
		Msg("Tuning applied")
}

// Snapshot returns a copy of the ring, oldest first. last > 0 limits it to
// the newest samples.
func (p *Pipeline) Snapshot(last int) []int16 {
	if last > 0 {
		return p.deps.Ring.Last(last)
	}
	return p.deps.Ring.Snapshot()
}

// State returns the current live view.
func (p *Pipeline) State() State {
	p.mu.RLock()
	s := p.state
	p.mu.RUnlock()
	s.RingLen = p.deps.Ring.Len()
	s.Decoder = p.deps.Decoder.Stats()
	return s
}

// Running reports whether Run is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

func (p *Pipeline) setRunning(v bool) {
	p.mu.Lock()
	p.state.Running = v
	p.mu.Unlock()
}

func (p *Pipeline) updateLive() {
	e := p.deps.Engine
	p.mu.Lock()
	p.state.Voice = e.State()
	p.state.VoiceState = e.State().String()
	p.state.SegmentID = e.CurrentID()
	p.state.Energy = e.LastEnergy()
	p.state.Position = e.Position()
	p.mu.Unlock()
}

// publishContext keeps publishing possible while the capture context is
// being cancelled at shutdown.
func publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
}

// SegmentConfig converts configuration to engine settings.
func SegmentConfig(c config.SegmentationConfig) segment.Config {
	return segment.Config{
		EnergyThreshold:   c.EnergyThreshold,
		SilenceLimit:      c.SilenceLimit,
		Window:            c.Window,
		MaxSegmentSamples: c.MaxSamples,
	}
}

// ClassifierConfig converts configuration to classifier settings.
func ClassifierConfig(c config.ClassifierConfig, sampleRate int) keyword.Config {
	return keyword.Config{
		MinSamples:            c.MinSamples,
		EnergyThreshold:       c.EnergyThreshold,
		ZeroCrossingThreshold: c.ZeroCrossingThreshold,
		LabelA:                keyword.Label(c.LabelA),
		LabelB:                keyword.Label(c.LabelB),
		SampleRate:            sampleRate,
	}
}

package segment

// CloseReason names why a segment ended.
type CloseReason string

const (
	// ReasonSilence - the trailing silence reached the configured limit.
	ReasonSilence CloseReason = "silence"
	// ReasonMaxLength - the segment hit MaxSegmentSamples.
	ReasonMaxLength CloseReason = "max_length"
	// ReasonFlush - the stream ended while a segment was open.
	ReasonFlush CloseReason = "flush"
)

// Config tunes the hysteresis state machine.
type Config struct {
	// EnergyThreshold is the mean absolute amplitude separating voice from
	// silence. Energy at or above it counts as voice.
	EnergyThreshold float64
	// SilenceLimit is the number of consecutive quiet observations that
	// close a segment.
	SilenceLimit int
	// Window is the observation size in samples. Zero treats each batch
	// passed to Observe as one observation.
	Window int
	// MaxSegmentSamples force-closes a segment at this length. Zero means
	// unbounded.
	MaxSegmentSamples int
}

// DefaultConfig returns the thresholds tuned for the capture board.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold: 1000,
		SilenceLimit:    10,
	}
}

// Segment is a finished run of voice. The receiver owns it.
type Segment struct {
	ID string
	// Samples are the accumulated samples, triggering window first.
	Samples []int16
	// StartIndex is the stream position of Samples[0].
	StartIndex uint64
	// PeakEnergy is the highest window energy seen inside the segment.
	PeakEnergy float64
	Reason     CloseReason
}

// TransitionFunc observes state changes. segmentID is the segment being
// opened, extended or closed; energy is the observation that caused it.
type TransitionFunc func(from, to VoiceState, segmentID string, energy float64)

// Engine runs the Idle/Active/Trailing machine. It has a single owner and
// is not safe for concurrent use.
type Engine struct {
	cfg          Config
	ids          *Generator
	onTransition TransitionFunc

	state      VoiceState
	currentID  string
	current    []int16
	startIndex uint64
	peak       float64
	lastEnergy float64

	pending  []int16 // samples short of a full window
	position uint64  // samples observed so far
}

// NewEngine creates an engine in the Idle state.
func NewEngine(cfg Config, ids *Generator) *Engine {
	if ids == nil {
		ids = NewGenerator("session")
	}
	return &Engine{
		cfg:   normalize(cfg),
		ids:   ids,
		state: Idle(),
	}
}

func normalize(cfg Config) Config {
	if cfg.SilenceLimit < 1 {
		cfg.SilenceLimit = 1
	}
	if cfg.Window < 0 {
		cfg.Window = 0
	}
	if cfg.MaxSegmentSamples < 0 {
		cfg.MaxSegmentSamples = 0
	}
	return cfg
}

// SetTransitionFunc registers a callback for state changes.
func (e *Engine) SetTransitionFunc(fn TransitionFunc) {
	e.onTransition = fn
}

// UpdateConfig swaps thresholds without disturbing the current state.
func (e *Engine) UpdateConfig(cfg Config) {
	e.cfg = normalize(cfg)
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the current voice state.
func (e *Engine) State() VoiceState {
	return e.state
}

// CurrentID returns the open segment's ID, or "" while Idle.
func (e *Engine) CurrentID() string {
	return e.currentID
}

// SegmentStart returns the stream position of the open segment's first
// sample. Only meaningful while in a segment.
func (e *Engine) SegmentStart() uint64 {
	return e.startIndex
}

// LastEnergy returns the energy of the most recent observation.
func (e *Engine) LastEnergy() float64 {
	return e.lastEnergy
}

// Position returns the number of samples observed so far.
func (e *Engine) Position() uint64 {
	return e.position
}

// Observe feeds a batch of samples and returns every segment completed by
// it, in order.
func (e *Engine) Observe(samples []int16) []Segment {
	if e.cfg.Window == 0 {
		if len(samples) == 0 {
			return nil
		}
		if seg, ok := e.step(samples); ok {
			return []Segment{seg}
		}
		return nil
	}

	var done []Segment
	if len(e.pending) > 0 {
		need := e.cfg.Window - len(e.pending)
		if len(samples) < need {
			e.pending = append(e.pending, samples...)
			return nil
		}
		e.pending = append(e.pending, samples[:need]...)
		samples = samples[need:]
		window := e.pending
		e.pending = nil
		if seg, ok := e.step(window); ok {
			done = append(done, seg)
		}
	}
	for len(samples) >= e.cfg.Window {
		if seg, ok := e.step(samples[:e.cfg.Window]); ok {
			done = append(done, seg)
		}
		samples = samples[e.cfg.Window:]
	}
	if len(samples) > 0 {
		e.pending = append(e.pending[:0], samples...)
	}
	return done
}

// step runs one observation.
func (e *Engine) step(window []int16) (Segment, bool) {
	energy := Energy(window)
	e.lastEnergy = energy
	from := e.state
	loud := energy >= e.cfg.EnergyThreshold

	switch e.state.Phase {
	case PhaseIdle:
		if !loud {
			e.position += uint64(len(window))
			return Segment{}, false
		}
		e.currentID = e.ids.Next()
		e.startIndex = e.position
		e.current = e.current[:0]
		e.peak = 0
		e.state = Active()
	case PhaseActive:
		if !loud {
			e.state = Trailing(1)
		}
	case PhaseTrailing:
		if loud {
			e.state = Active()
		} else {
			e.state = Trailing(e.state.Count + 1)
		}
	}

	e.current = append(e.current, window...)
	e.position += uint64(len(window))
	if energy > e.peak {
		e.peak = energy
	}

	if from != e.state {
		e.notify(from, e.state, e.currentID, energy)
	}

	if e.state.Phase == PhaseTrailing && e.state.Count >= e.cfg.SilenceLimit {
		return e.close(ReasonSilence, energy), true
	}
	if e.cfg.MaxSegmentSamples > 0 && len(e.current) >= e.cfg.MaxSegmentSamples {
		return e.close(ReasonMaxLength, energy), true
	}
	return Segment{}, false
}

// Flush closes an open segment, including any partial window, and returns
// it. It reports false when the engine was Idle.
func (e *Engine) Flush() (Segment, bool) {
	if !e.state.InSegment() {
		e.position += uint64(len(e.pending))
		e.pending = nil
		return Segment{}, false
	}
	e.current = append(e.current, e.pending...)
	e.position += uint64(len(e.pending))
	e.pending = nil
	return e.close(ReasonFlush, e.lastEnergy), true
}

// Reset drops any open segment and returns to Idle.
func (e *Engine) Reset() {
	e.state = Idle()
	e.currentID = ""
	e.current = nil
	e.pending = nil
	e.peak = 0
}

func (e *Engine) close(reason CloseReason, energy float64) Segment {
	from := e.state
	seg := Segment{
		ID:         e.currentID,
		Samples:    make([]int16, len(e.current)),
		StartIndex: e.startIndex,
		PeakEnergy: e.peak,
		Reason:     reason,
	}
	copy(seg.Samples, e.current)

	e.state = Idle()
	e.current = e.current[:0]
	e.currentID = ""
	e.peak = 0
	e.notify(from, e.state, seg.ID, energy)
	return seg
}

func (e *Engine) notify(from, to VoiceState, segmentID string, energy float64) {
	if e.onTransition != nil {
		e.onTransition(from, to, segmentID, energy)
	}
}

// Energy returns the mean absolute amplitude of samples, or 0 when empty.
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		if s < 0 {
			sum -= int64(s)
		} else {
			sum += int64(s)
		}
	}
	return float64(sum) / float64(len(samples))
}

// Package mock provides a mock STT adapter for running without cloud
// credentials. It sends progressive partial transcripts, exactly one final
// transcript per segment and then signals end of utterance. The transcript
// is chosen by the segment's coarse label so runs are reproducible.
package mock

import (
	"context"
	"sync"
	"time"

	"serial-voice-ingress/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances maps a segment label to the utterance simulated for it.
// The empty key is used for unlabelled segments.
var DefaultUtterances = map[string]SimulatedUtterance{
	"word-class-A": {
		Partials:   []string{"turn", "turn on"},
		Final:      "turn on",
		Confidence: 0.93,
	},
	"word-class-B": {
		Partials:   []string{"stop"},
		Final:      "stop",
		Confidence: 0.88,
	},
	"": {
		Partials:   []string{"un", "unknown"},
		Final:      "unknown",
		Confidence: 0.41,
	},
}

// Adapter implements stt.Adapter with mock responses.
type Adapter struct {
	cb           stt.Callback
	mu           sync.Mutex
	delay        time.Duration
	audioFrames  int                // Count of audio chunks received
	utterance    SimulatedUtterance // Utterance being simulated
	partialIndex int                // Next partial to send
	finalSent    bool               // Ensures only one final per segment
	closed       bool
	pending      sync.WaitGroup
	last         chan struct{} // closed when the latest callback has run
}

// New creates a mock adapter that simulates utt. Callbacks fire after delay.
func New(utt SimulatedUtterance, delay time.Duration) *Adapter {
	return &Adapter{
		utterance: utt,
		delay:     delay,
	}
}

// ForLabel returns the utterance simulated for label.
func ForLabel(label string) SimulatedUtterance {
	if u, ok := DefaultUtterances[label]; ok {
		return u
	}
	return DefaultUtterances[""]
}

// Factory returns an stt.Factory producing mock adapters keyed by label.
func Factory(delay time.Duration) stt.Factory {
	return func(ctx context.Context, req stt.Request) (stt.Adapter, error) {
		return New(ForLabel(req.Label), delay), nil
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	return nil
}

// SendAudio sends the next partial, one per audio chunk.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cb == nil {
		return nil
	}
	a.audioFrames++

	if a.partialIndex < len(a.utterance.Partials) {
		partial := a.utterance.Partials[a.partialIndex]
		a.partialIndex++
		a.later(func(cb stt.Callback) { cb.OnPartial(partial) })
	}
	return nil
}

// Close ends the stream. The final transcript and end of utterance follow
// asynchronously, as a real provider delivers them after CloseSend.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if !a.finalSent && a.cb != nil {
		a.finalSent = true
		utt := a.utterance
		a.later(func(cb stt.Callback) {
			cb.OnFinal(utt.Final, utt.Confidence)
			cb.OnEndOfUtterance()
		})
	}
	return nil
}

// Wait blocks until every scheduled callback has run.
func (a *Adapter) Wait() {
	a.pending.Wait()
}

// later runs fn after the configured delay, in scheduling order.
// Must be called with mu held.
func (a *Adapter) later(fn func(cb stt.Callback)) {
	cb := a.cb
	prev := a.last
	done := make(chan struct{})
	a.last = done
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		defer close(done)
		time.Sleep(a.delay)
		if prev != nil {
			<-prev
		}
		fn(cb)
	}()
}

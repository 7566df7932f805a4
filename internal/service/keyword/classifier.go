// Package keyword assigns a coarse label to a finished voice segment.
// The rule is a fixed threshold heuristic over two features (mean absolute
// amplitude and zero crossings). It is not a speech recognizer.
package keyword

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"

	"serial-voice-ingress/internal/service/segment"
)

// Label is the classification result. The empty Label means no label.
type Label string

// None is the absence of a label.
const None Label = ""

// Config holds the classifier thresholds.
type Config struct {
	// MinSamples is the shortest segment that is classified at all.
	MinSamples int
	// EnergyThreshold gates both labels.
	EnergyThreshold float64
	// ZeroCrossingThreshold splits LabelA (above) from LabelB (at or below).
	ZeroCrossingThreshold int
	LabelA                Label
	LabelB                Label
	// SampleRate converts the dominant FFT bin to hertz. Zero leaves
	// DominantHz unset.
	SampleRate int
}

// DefaultConfig returns the thresholds of the reference firmware demo.
func DefaultConfig() Config {
	return Config{
		MinSamples:            1000,
		EnergyThreshold:       1000,
		ZeroCrossingThreshold: 100,
		LabelA:                "word-class-A",
		LabelB:                "word-class-B",
		SampleRate:            8000,
	}
}

// Features are the measurements a label is derived from.
type Features struct {
	Samples       int     `json:"samples"`
	Energy        float64 `json:"energy"`
	ZeroCrossings int     `json:"zeroCrossings"`
	// DominantBin and DominantHz describe the strongest FFT component. They
	// are informational and never change the label.
	DominantBin int     `json:"dominantBin"`
	DominantHz  float64 `json:"dominantHz"`
}

// Result is the outcome of Classify. Computed is false when the segment was
// too short for features to be extracted.
type Result struct {
	Label    Label    `json:"label"`
	Features Features `json:"features"`
	Computed bool     `json:"computed"`
}

// Classifier maps segments to labels. It holds no mutable state and is safe
// for concurrent use.
type Classifier struct {
	cfg Config
}

// New creates a classifier. Empty labels fall back to the defaults.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.LabelA == None {
		cfg.LabelA = def.LabelA
	}
	if cfg.LabelB == None {
		cfg.LabelB = def.LabelB
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 1
	}
	return &Classifier{cfg: cfg}
}

// Config returns the classifier configuration.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify labels a finished segment. Segments shorter than MinSamples give
// no label and no features.
func (c *Classifier) Classify(samples []int16) Result {
	if len(samples) < c.cfg.MinSamples {
		return Result{Features: Features{Samples: len(samples)}}
	}
	f := Extract(samples, c.cfg.SampleRate)
	return Result{
		Label:    c.Label(f),
		Features: f,
		Computed: true,
	}
}

// Label applies the threshold rule to already extracted features.
func (c *Classifier) Label(f Features) Label {
	if f.Energy < c.cfg.EnergyThreshold {
		return None
	}
	if f.ZeroCrossings > c.cfg.ZeroCrossingThreshold {
		return c.cfg.LabelA
	}
	return c.cfg.LabelB
}

// Extract computes the features of samples. sampleRate is only used for
// DominantHz and may be zero.
func Extract(samples []int16, sampleRate int) Features {
	f := Features{
		Samples:       len(samples),
		Energy:        segment.Energy(samples),
		ZeroCrossings: ZeroCrossings(samples),
	}
	f.DominantBin = DominantBin(samples)
	if sampleRate > 0 && len(samples) > 0 {
		f.DominantHz = float64(f.DominantBin) * float64(sampleRate) / float64(len(samples))
	}
	return f
}

// ZeroCrossings counts sign changes between consecutive samples. Zero is
// treated as non-negative, so 0 -> -1 is a crossing and 0 -> 1 is not.
func ZeroCrossings(samples []int16) int {
	n := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			n++
		}
	}
	return n
}

// DominantBin returns the index of the strongest non-DC bin in the lower
// half of the spectrum, or 0 when the signal has no AC content.
func DominantBin(samples []int16) int {
	if len(samples) < 2 {
		return 0
	}
	x := make([]float64, len(samples))
	for i, s := range samples {
		hann := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(len(samples)-1)))
		x[i] = float64(s) / 32768.0 * hann
	}
	spectrum := fft.FFTReal(x)

	best, bestMag := 0, 1e-9
	for i := 1; i <= len(spectrum)/2; i++ {
		if m := cmplx.Abs(spectrum[i]); m > bestMag {
			best, bestMag = i, m
		}
	}
	return best
}

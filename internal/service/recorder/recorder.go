// Package recorder writes finished voice segments to WAV files.
package recorder

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/zenwerk/go-wave"

	"serial-voice-ingress/internal/observability/logging"
	"serial-voice-ingress/internal/observability/metrics"
)

// ErrEmptySegment is returned for a segment with no samples.
var ErrEmptySegment = errors.New("recorder: empty segment")

// Config holds recorder settings.
type Config struct {
	Dir          string
	SampleRateHz int
	Metrics      *metrics.Metrics
}

// Recorder stores each segment as a mono 16-bit WAV named <segmentID>.wav.
type Recorder struct {
	fs         afero.Fs
	dir        string
	sampleRate int
	metrics    *metrics.Metrics
}

// New creates the output directory on fs and returns a recorder.
func New(fs afero.Fs, cfg Config) (*Recorder, error) {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 8000
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir %s: %w", cfg.Dir, err)
	}
	return &Recorder{fs: fs, dir: cfg.Dir, sampleRate: cfg.SampleRateHz, metrics: m}, nil
}

// Dir returns the output directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// Write stores samples and returns the file path.
func (r *Recorder) Write(segmentID string, samples []int16) (path string, err error) {
	defer func() { r.metrics.RecordRecording(err) }()

	if len(samples) == 0 {
		return "", ErrEmptySegment
	}

	path = filepath.Join(r.dir, segmentID+".wav")
	f, err := r.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	w, err := wave.NewWriter(wave.WriterParam{
		Out:           f,
		Channel:       1,
		SampleRate:    r.sampleRate,
		BitsPerSample: 16,
	})
	if err != nil {
		f.Close()
		return "", fmt.Errorf("wav writer: %w", err)
	}

	if _, err := w.WriteSample16(samples); err != nil {
		w.Close()
		return "", fmt.Errorf("write samples: %w", err)
	}
	// Close writes the header and closes f.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	logger := logging.WithComponent("recorder")
	logger.Debug().
		Str("segmentId", segmentID).
		Str("path", path).
		Int("samples", len(samples)).
		Msg("Segment recorded")
	return path, nil
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"serial-voice-ingress/internal/observability/logging"
)

// Source is the byte source a Decoder reads from.
//
// Read blocks for at most the source's configured timeout. A timeout is
// reported as (0, nil). io.EOF means the source was closed. Any other error
// is a transport fault.
type Source interface {
	Read(p []byte) (int, error)
	// Available reports how many bytes can be read without blocking.
	Available() (int, error)
	Close() error
}

// Source-level faults. These are the only errors a Decoder returns.
var (
	ErrSource       = errors.New("byte source fault")
	ErrSourceClosed = fmt.Errorf("%w: closed", ErrSource)
)

// Status tags the outcome of one decode attempt.
type Status int

const (
	// StatusIdle - no sync marker arrived before the source timed out.
	StatusIdle Status = iota
	// StatusFrame - a validated frame is available.
	StatusFrame
	// StatusResync - a structural fault dropped the current frame.
	StatusResync
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusFrame:
		return "FRAME"
	case StatusResync:
		return "RESYNC"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Reason names why a frame was dropped.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonBadLength Reason = "bad_length"
	ReasonShortRead Reason = "short_read"
	ReasonChecksum  Reason = "checksum"
)

// Result is the tagged outcome of Decoder.Next.
type Result struct {
	Status Status
	Frame  Frame
	Reason Reason
}

// Config bounds the frames a Decoder accepts.
type Config struct {
	// MaxSamples rejects length fields above this value.
	MaxSamples int
	// ExpectedSamples, when non-zero, rejects every other length.
	ExpectedSamples int
}

// DefaultConfig returns the decoder limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxSamples: 4096,
	}
}

// Stats is a point-in-time copy of the decoder counters.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Errors       uint64 `json:"errors"`
	BadLength    uint64 `json:"badLength"`
	ShortReads   uint64 `json:"shortReads"`
	Checksum     uint64 `json:"checksum"`
	BytesScanned uint64 `json:"bytesScanned"`
}

// Decoder turns a byte stream into validated frames. It owns its Source.
// Next must be called from a single goroutine; Stats may be called from any.
type Decoder struct {
	src    Source
	cfg    Config
	logger zerolog.Logger

	prev    byte
	one     [1]byte
	hdr     [2]byte
	payload []byte

	frames    atomic.Uint64
	badLength atomic.Uint64
	shortRead atomic.Uint64
	checksum  atomic.Uint64
	scanned   atomic.Uint64
}

// NewDecoder creates a decoder reading from src.
func NewDecoder(src Source, cfg Config) *Decoder {
	if cfg.MaxSamples <= 0 || cfg.MaxSamples > MaxWireSamples {
		cfg.MaxSamples = MaxWireSamples
	}
	return &Decoder{
		src:    src,
		cfg:    cfg,
		logger: logging.WithComponent("decoder"),
	}
}

// Next performs one decode attempt. Protocol noise is reported through the
// Result; only faults of the source itself are returned as errors.
func (d *Decoder) Next() (Result, error) {
	found, err := d.hunt()
	if err != nil || !found {
		return Result{Status: StatusIdle}, err
	}

	ok, err := d.readFull(d.hdr[:])
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return d.drop(ReasonShortRead, 0), nil
	}
	n := int(binary.LittleEndian.Uint16(d.hdr[:]))
	if n > d.cfg.MaxSamples || (d.cfg.ExpectedSamples > 0 && n != d.cfg.ExpectedSamples) {
		return d.drop(ReasonBadLength, n), nil
	}

	if cap(d.payload) < n*2 {
		d.payload = make([]byte, n*2)
	}
	payload := d.payload[:n*2]
	ok, err = d.readFull(payload)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return d.drop(ReasonShortRead, n), nil
	}

	ok, err = d.readFull(d.hdr[:])
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return d.drop(ReasonShortRead, n), nil
	}
	want := binary.LittleEndian.Uint16(d.hdr[:])

	samples := decodeSamples(payload)
	if got := Checksum(samples); got != want {
		d.logger.Debug().
			Uint16("want", want).
			Uint16("got", got).
			Int("samples", n).
			Msg("Checksum mismatch, resyncing")
		return d.drop(ReasonChecksum, n), nil
	}

	return Result{
		Status: StatusFrame,
		Frame: Frame{
			Seq:      d.frames.Add(1),
			Samples:  samples,
			ByteLen:  len(payload),
			Checksum: want,
		},
	}, nil
}

// TryNext is Next without blocking when the source has nothing pending.
func (d *Decoder) TryNext() (Result, error) {
	n, err := d.src.Available()
	if err != nil {
		return Result{}, d.sourceErr(err)
	}
	if n == 0 {
		return Result{Status: StatusIdle}, nil
	}
	return d.Next()
}

// Stats returns the current counters.
func (d *Decoder) Stats() Stats {
	s := Stats{
		Frames:       d.frames.Load(),
		BadLength:    d.badLength.Load(),
		ShortReads:   d.shortRead.Load(),
		Checksum:     d.checksum.Load(),
		BytesScanned: d.scanned.Load(),
	}
	s.Errors = s.BadLength + s.ShortReads + s.Checksum
	return s
}

// Close closes the underlying source.
func (d *Decoder) Close() error {
	return d.src.Close()
}

// hunt consumes bytes until the sync marker has been read. It reports false
// when the source timed out first. The last byte seen is kept across calls
// so a marker split by a timeout is still found.
func (d *Decoder) hunt() (bool, error) {
	for {
		n, err := d.src.Read(d.one[:])
		if n == 1 {
			d.scanned.Add(1)
			b := d.one[0]
			if d.prev == SyncHi && b == SyncLo {
				d.prev = 0
				return true, nil
			}
			d.prev = b
		}
		if err != nil {
			return false, d.sourceErr(err)
		}
		if n == 0 {
			return false, nil
		}
	}
}

// readFull fills p. It reports false if the source timed out before p was
// full; the partial bytes are abandoned.
func (d *Decoder) readFull(p []byte) (bool, error) {
	for off := 0; off < len(p); {
		n, err := d.src.Read(p[off:])
		off += n
		d.scanned.Add(uint64(n))
		if err != nil {
			return false, d.sourceErr(err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (d *Decoder) drop(reason Reason, n int) Result {
	switch reason {
	case ReasonBadLength:
		d.badLength.Add(1)
	case ReasonShortRead:
		d.shortRead.Add(1)
	case ReasonChecksum:
		d.checksum.Add(1)
	}
	d.prev = 0
	d.logger.Debug().
		Str("reason", string(reason)).
		Int("length", n).
		Msg("Frame dropped")
	return Result{Status: StatusResync, Reason: reason}
}

func (d *Decoder) sourceErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrSourceClosed, err)
	}
	return fmt.Errorf("%w: %w", ErrSource, err)
}

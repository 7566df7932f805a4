// Package serialport adapts serial devices and capture files to the
// protocol.Source contract used by the frame decoder.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"serial-voice-ingress/internal/observability/logging"
	"serial-voice-ingress/internal/protocol"
)

// ErrOpen is wrapped by every failure to open a device.
var ErrOpen = errors.New("serial port open failed")

// Config describes a serial device. Framing is fixed at 8N1.
type Config struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// device is the part of serial.Port this package uses.
type device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// Port is a serial device implementing protocol.Source.
//
// Read blocks for at most the configured read timeout and returns (0, nil)
// when nothing arrived. After Close, Read returns io.EOF.
type Port struct {
	dev     device
	name    string
	timeout time.Duration
	logger  zerolog.Logger

	// Bytes pulled in by Available and not yet handed to Read. Only the
	// reading goroutine touches these.
	buf  []byte
	r, w int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ protocol.Source = (*Port)(nil)

// Open opens and configures the device. Stale input is discarded.
func Open(cfg Config) (*Port, error) {
	dev, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, cfg.Device, err)
	}
	p, err := newPort(dev, cfg.Device, cfg.ReadTimeout)
	if err != nil {
		dev.Close()
		return nil, err
	}
	p.logger.Info().
		Int("baudRate", cfg.BaudRate).
		Dur("readTimeout", cfg.ReadTimeout).
		Msg("Serial port opened")
	return p, nil
}

func newPort(dev device, name string, timeout time.Duration) (*Port, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := dev.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("%w: %s: set read timeout: %w", ErrOpen, name, err)
	}
	if err := dev.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: %s: reset input: %w", ErrOpen, name, err)
	}
	return &Port{
		dev:     dev,
		name:    name,
		timeout: timeout,
		logger:  logging.WithPort("serialport", name),
		buf:     make([]byte, 4096),
	}, nil
}

// Name returns the device name.
func (p *Port) Name() string {
	return p.name
}

// SendStart writes the one-shot start trigger.
func (p *Port) SendStart() error {
	if p.closed.Load() {
		return io.EOF
	}
	if _, err := p.dev.Write(protocol.StartTrigger); err != nil {
		return p.mapErr(err)
	}
	p.logger.Info().Msg("Start trigger sent")
	return nil
}

// Write sends raw bytes to the device, for loopback and simulation.
func (p *Port) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, io.EOF
	}
	n, err := p.dev.Write(b)
	if err != nil {
		return n, p.mapErr(err)
	}
	return n, nil
}

// Read implements protocol.Source.
func (p *Port) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, io.EOF
	}
	if p.r < p.w {
		n := copy(b, p.buf[p.r:p.w])
		p.r += n
		return n, nil
	}
	n, err := p.dev.Read(b)
	if err != nil {
		return n, p.mapErr(err)
	}
	return n, nil
}

// Available reports bytes that can be read without blocking. When nothing
// is buffered it polls the device once without waiting.
func (p *Port) Available() (int, error) {
	if p.closed.Load() {
		return 0, io.EOF
	}
	if p.r < p.w {
		return p.w - p.r, nil
	}
	if err := p.dev.SetReadTimeout(0); err != nil {
		return 0, p.mapErr(err)
	}
	n, err := p.dev.Read(p.buf)
	if rerr := p.dev.SetReadTimeout(p.timeout); rerr != nil && err == nil {
		err = rerr
	}
	p.r, p.w = 0, n
	if err != nil {
		return n, p.mapErr(err)
	}
	return n, nil
}

// Close closes the device. It is idempotent and makes a blocked Read return.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.dev.Close()
		p.logger.Info().Msg("Serial port closed")
	})
	return p.closeErr
}

// mapErr turns errors caused by a concurrent Close into io.EOF.
func (p *Port) mapErr(err error) error {
	if p.closed.Load() {
		return io.EOF
	}
	var perr *serial.PortError
	if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
		return io.EOF
	}
	return err
}

// List returns the names of the serial ports present on the system.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

package serialport

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"serial-voice-ingress/internal/protocol"
)

// Replay plays a captured byte stream back as a protocol.Source. It never
// times out; the end of the stream is reported as io.EOF.
type Replay struct {
	r      *bufio.Reader
	closer io.Closer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ protocol.Source = (*Replay)(nil)

// NewReplay wraps r. If r is an io.Closer it is closed by Close.
func NewReplay(r io.Reader) *Replay {
	rp := &Replay{r: bufio.NewReaderSize(r, 64*1024)}
	if c, ok := r.(io.Closer); ok {
		rp.closer = c
	}
	return rp
}

// OpenReplay opens a capture file.
func OpenReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrOpen, err)
	}
	return NewReplay(f), nil
}

// Read implements protocol.Source.
func (rp *Replay) Read(p []byte) (int, error) {
	if rp.closed.Load() {
		return 0, io.EOF
	}
	n, err := rp.r.Read(p)
	if n > 0 && errors.Is(err, io.EOF) {
		// Deliver the data now, EOF on the next call.
		return n, nil
	}
	return n, err
}

// Available reports buffered bytes. At the end of the stream it returns
// io.EOF.
func (rp *Replay) Available() (int, error) {
	if rp.closed.Load() {
		return 0, io.EOF
	}
	if n := rp.r.Buffered(); n > 0 {
		return n, nil
	}
	if _, err := rp.r.Peek(1); err != nil {
		return 0, err
	}
	return rp.r.Buffered(), nil
}

// Close releases the underlying reader. It is idempotent.
func (rp *Replay) Close() error {
	rp.closeOnce.Do(func() {
		rp.closed.Store(true)
		if rp.closer != nil {
			rp.closeErr = rp.closer.Close()
		}
	})
	return rp.closeErr
}

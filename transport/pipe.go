package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize caps the size of a single frame read from a pipe.
const MaxFrameSize = 256 << 20

// Pipe frames messages with a 4 byte little endian length prefix, the way
// the engine's driver does on its stdio.
type Pipe struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   io.Writer

	closers   []io.Closer
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = &Pipe{}

// NewPipe returns a pipe transport reading from r and writing to w.
// closers are closed, in order, when the pipe is closed.
func NewPipe(r io.Reader, w io.Writer, closers ...io.Closer) *Pipe {
	return &Pipe{
		r:       bufio.NewReader(r),
		w:       w,
		closers: closers,
		closed:  make(chan struct{}),
	}
}

// Send writes a single frame.
func (p *Pipe) Send(frame []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))

	p.wmu.Lock()
	defer p.wmu.Unlock()

	if _, err := p.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(frame) == 0 {
		return nil
	}
	if _, err := p.w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

// Recv reads a single frame.
func (p *Pipe) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, p.readErr(err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds the limit of %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, p.readErr(err)
	}

	return buf, nil
}

func (p *Pipe) readErr(err error) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("reading frame: %w", err)
}

// Close closes the underlying streams. It's safe to call more than once.
func (p *Pipe) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.closed)
		for _, c := range p.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}

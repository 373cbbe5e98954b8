package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// MaxFrameSize bounds a single newline-delimited frame.
const MaxFrameSize = 16 << 20

// Transport moves discrete JSON-RPC frames to and from a tool server.
// Send may be called from multiple goroutines; Receive is called by a
// single read loop. Frames are surfaced in the order they were written.
type Transport interface {
	// Send writes one complete frame. It fails with *TransportError if
	// the stream is closed or the write fails.
	Send(frame []byte) error

	// Receive blocks until a complete frame is available. It fails with
	// *TransportError on stream closure or malformed framing.
	Receive() ([]byte, error)

	// Close releases the stream. For stdio transports it also stops the
	// subprocess.
	Close() error
}

// StreamTransport frames messages as newline-delimited JSON over an
// arbitrary byte stream.
type StreamTransport struct {
	r  *bufio.Reader
	rc io.Closer // nil when the reader is not closable

	wmu sync.Mutex
	w   io.WriteCloser

	writeClosed atomic.Bool
	closeWrite  sync.Once
	closeRead   sync.Once
}

// NewStreamTransport frames over r and w. Close closes w, and r as well
// when it implements io.Closer.
func NewStreamTransport(r io.Reader, w io.WriteCloser) *StreamTransport {
	t := &StreamTransport{
		r: bufio.NewReaderSize(r, 1<<20), // 1 MiB buffer for large responses
		w: w,
	}
	if c, ok := r.(io.Closer); ok {
		t.rc = c
	}
	return t
}

// Send writes frame followed by a newline in a single write.
func (t *StreamTransport) Send(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return &TransportError{Op: "send", Err: fmt.Errorf("%w: frame contains a newline", ErrMalformedFrame)}
	}
	if len(frame) > MaxFrameSize {
		return &TransportError{Op: "send", Err: ErrFrameTooLarge}
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if t.writeClosed.Load() {
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := t.w.Write(buf); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive returns the next non-empty line with surrounding whitespace
// removed. Partial reads are reassembled; a trailing fragment without a
// newline at end of stream is reported as malformed.
func (t *StreamTransport) Receive() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := t.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxFrameSize+1 {
			return nil, &TransportError{Op: "receive", Err: ErrFrameTooLarge}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(buf)) > 0 {
				return nil, &TransportError{Op: "receive", Err: fmt.Errorf("%w: unterminated frame at end of stream", ErrMalformedFrame)}
			}
			return nil, &TransportError{Op: "receive", Err: io.EOF}
		case err != nil:
			return nil, &TransportError{Op: "receive", Err: err}
		}

		line := bytes.TrimSpace(buf)
		if len(line) == 0 {
			buf = buf[:0]
			continue
		}
		return line, nil
	}
}

// CloseWrite closes the outbound stream so the peer sees end of input.
// Later sends fail. Safe to call more than once.
func (t *StreamTransport) CloseWrite() error {
	var err error
	t.closeWrite.Do(func() {
		// Not under wmu: closing must unblock a Send stuck on a full pipe.
		t.writeClosed.Store(true)
		err = t.w.Close()
	})
	return err
}

// Close closes both directions, unblocking a pending Receive when the
// reader supports it.
func (t *StreamTransport) Close() error {
	err := t.CloseWrite()
	t.closeRead.Do(func() {
		if t.rc != nil {
			if rerr := t.rc.Close(); err == nil {
				err = rerr
			}
		}
	})
	return err
}

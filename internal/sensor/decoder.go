package sensor

import (
	"bytes"
	"errors"
	"io"
)

// MaxFrame is the longest accepted line, excluding the newline.
const MaxFrame = 1024

var ErrFrameTooLong = errors.New("sensor: frame too long")

// Decoder splits a byte stream into newline-delimited frames.
//
// Unlike bufio.Scanner it survives read errors: when the underlying read
// returns a deadline timeout, partial data stays buffered and Next can be
// called again. A trailing '\r' is stripped. An overlong line yields
// ErrFrameTooLong once and is discarded through its newline.
type Decoder struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	discard bool
	pending error
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 4096)}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next frame. The returned slice is owned by the caller.
// Errors from the underlying reader are returned unchanged once every
// complete frame read before them has been delivered.
func (d *Decoder) Next() ([]byte, error) {
	for {
		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			line := bytes.TrimSuffix(d.buf[:i], []byte{'\r'})
			out := append([]byte(nil), line...)
			d.buf = append(d.buf[:0], d.buf[i+1:]...)
			if d.discard {
				d.discard = false
				continue
			}
			if len(out) > MaxFrame {
				return nil, ErrFrameTooLong
			}
			return out, nil
		}
		if len(d.buf) > MaxFrame {
			d.buf = d.buf[:0]
			if !d.discard {
				d.discard = true
				return nil, ErrFrameTooLong
			}
		}
		if d.pending != nil {
			err := d.pending
			d.pending = nil
			return nil, err
		}

		n, err := d.r.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		if err != nil {
			if n > 0 {
				d.pending = err
				continue
			}
			return nil, err
		}
	}
}

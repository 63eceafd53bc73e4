// Package ndjson reads and writes newline-delimited JSON streams such as the
// stdio channel of an agent CLI.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// DefaultMaxLineSize bounds a single line. Agents occasionally emit very large
// tool results, so this is generous.
const DefaultMaxLineSize = 16 << 20

// ErrLineTooLong is returned when a line exceeds the reader's maximum size.
// The oversized line is consumed, so the next ReadLine continues with the
// following line.
var ErrLineTooLong = errors.New("ndjson: line exceeds maximum size")

// Reader splits a byte stream into lines. Reads may arrive in arbitrary
// chunks; a partial line is held until its terminator arrives.
type Reader struct {
	br      *bufio.Reader
	maxSize int
}

// NewReader returns a Reader with DefaultMaxLineSize.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxLineSize)
}

// NewReaderSize returns a Reader that rejects lines longer than maxSize bytes.
func NewReaderSize(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxLineSize
	}
	return &Reader{br: bufio.NewReader(r), maxSize: maxSize}
}

// ReadLine returns the next non-blank line without its line terminator.
// A final line that is not newline-terminated is returned when the stream
// ends; the call after that returns io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, err := r.readRaw()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (r *Reader) readRaw() ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		frag, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(frag) > r.maxSize {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, ErrLineTooLong
			}
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// Writer serializes values as compact JSON lines. It is safe for concurrent
// use; each value is written with a single Write call.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteJSON marshals v and writes it followed by a newline.
func (w *Writer) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteLine(data)
}

// WriteLine writes line followed by a newline. line must not contain a
// newline itself.
func (w *Writer) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(buf)
	return err
}

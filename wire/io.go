package wire

import (
	"errors"
	"fmt"
	"io"
)

const readChunkSize = 32 * 1024

// ErrFrameTooLarge is returned when an outbound frame exceeds the max_frame limit
var ErrFrameTooLarge = errors.New("wire: frame exceeds max_frame limit")

// FrameReader reads whole msgpack values from a byte stream
type FrameReader struct {
	reader  io.Reader
	decoder *StreamDecoder
	queue   []Value
	buf     []byte
}

// NewFrameReader creates a new FrameReader
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader:  r,
		decoder: NewStreamDecoder(DefaultLimits(), nil),
		buf:     make([]byte, readChunkSize),
	}
}

// SetLimits updates the reader's limits
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.decoder.SetLimits(limits)
}

// ReadFrame reads a single top-level value from the stream. It returns the
// underlying read error (io.EOF at end of stream) once no complete value is
// left; a partial value at EOF is reported as io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() (Value, error) {
	for len(fr.queue) == 0 {
		n, err := fr.reader.Read(fr.buf)
		if n > 0 {
			fr.queue = append(fr.queue, fr.decoder.Feed(fr.buf[:n])...)
		}
		if err != nil {
			if len(fr.queue) > 0 {
				break
			}
			if err == io.EOF && fr.decoder.Buffered() > 0 {
				return Value{}, io.ErrUnexpectedEOF
			}
			return Value{}, err
		}
	}

	frame := fr.queue[0]
	fr.queue = fr.queue[1:]
	return frame, nil
}

// FrameWriter writes msgpack values to a stream
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

// NewFrameWriter creates a new FrameWriter
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the writer's limits
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits
}

// WriteFrame encodes and writes a single value
func (fw *FrameWriter) WriteFrame(v Value) error {
	return fw.WriteRaw(Encode(v))
}

// WriteRaw writes an already encoded frame
func (fw *FrameWriter) WriteRaw(frame []byte) error {
	// Enforce max_frame limit
	if len(frame) > fw.limits.Effective() {
		return fmt.Errorf("%w: encoded size %d, limit %d", ErrFrameTooLarge, len(frame), fw.limits.Effective())
	}

	if _, err := fw.writer.Write(frame); err != nil {
		return err
	}
	return nil
}

package wire

import (
	"go.uber.org/zap"
)

// StreamDecoder turns arbitrarily chunked bytes into complete top-level values.
// A value is only decoded once every byte it announces has arrived; until then
// the tail is buffered.
//
// A StreamDecoder is not safe for concurrent use. Each byte stream needs its
// own decoder.
//
// Framing is incremental: the walk through a partial value resumes where the
// previous chunk left it, so a value arriving in many chunks is walked once.
type StreamDecoder struct {
	limits Limits
	buf    []byte
	sink   func(Value)
	scan   scanState // progress through the partial value at the head of buf
	steps  int       // tags walked while framing
}

// NewStreamDecoder creates a StreamDecoder. sink, if not nil, receives every
// complete value when the decoder is used as an io.Writer.
func NewStreamDecoder(limits Limits, sink func(Value)) *StreamDecoder {
	return &StreamDecoder{
		limits: limits,
		sink:   sink,
	}
}

// SetLimits updates the decoder's limits
func (d *StreamDecoder) SetLimits(limits Limits) {
	d.limits = limits
}

// Feed appends p to the buffered bytes and returns all values that are now
// complete, in stream order.
func (d *StreamDecoder) Feed(p []byte) []Value {
	d.buf = append(d.buf, p...)

	var out []Value
	consumed := 0
	for consumed < len(d.buf) {
		rest := d.buf[consumed:]
		if d.scan.pending == 0 {
			d.scan = scanState{pending: 1}
		}
		scan, steps := measure(rest, d.scan)
		d.steps += steps
		if scan.pending > 0 {
			d.scan = scan
			// Incomplete: wait for more bytes unless the frame can never fit
			if len(rest) > d.limits.Effective() {
				Logger().Warn("discarding oversized partial frame",
					zap.Int("buffered", len(rest)),
					zap.Int("max_frame", d.limits.Effective()))
				consumed = len(d.buf)
				d.scan = scanState{}
			}
			break
		}

		d.scan = scanState{}
		frame := rest[:scan.off]
		v, _ := Decode(frame, Start(frame))
		out = append(out, v)
		consumed += scan.off
	}

	switch {
	case consumed == len(d.buf):
		d.buf = d.buf[:0]
	case consumed > 0:
		// Keep only the unconsumed tail so the backing array does not grow forever
		d.buf = append([]byte(nil), d.buf[consumed:]...)
	}
	return out
}

// Write feeds p and hands each complete value to the sink. It always consumes
// all of p.
func (d *StreamDecoder) Write(p []byte) (int, error) {
	for _, v := range d.Feed(p) {
		if d.sink != nil {
			d.sink(v)
		}
	}
	return len(p), nil
}

// Buffered returns the number of bytes held for an incomplete value
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any buffered partial value
func (d *StreamDecoder) Reset() {
	d.buf = d.buf[:0]
	d.scan = scanState{}
}

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// MaxDepth bounds container nesting in Decode. Neovim never nests more than a
// handful of levels; anything deeper is treated as garbage.
const MaxDepth = 512

// Cursor is a read position over a byte buffer. Decode never mutates a cursor,
// it returns the next one.
type Cursor struct {
	Pos       int
	Remaining int
}

// Start returns a cursor covering all of buf
func Start(buf []byte) Cursor {
	return Cursor{Pos: 0, Remaining: len(buf)}
}

// Advance returns the cursor n bytes further on, never past the end
func (c Cursor) Advance(n int) Cursor {
	if n > c.Remaining {
		n = c.Remaining
	}
	return Cursor{Pos: c.Pos + n, Remaining: c.Remaining - n}
}

// Done reports whether no bytes remain
func (c Cursor) Done() bool {
	return c.Remaining <= 0
}

// clamp keeps the cursor inside buf
func (c Cursor) clamp(buf []byte) Cursor {
	if c.Pos < 0 {
		c.Pos = 0
	}
	if c.Pos > len(buf) {
		c.Pos = len(buf)
	}
	if c.Remaining < 0 {
		c.Remaining = 0
	}
	if c.Pos+c.Remaining > len(buf) {
		c.Remaining = len(buf) - c.Pos
	}
	return c
}

// Decode decodes the value at cursor c and returns it with the cursor just past
// the consumed bytes.
//
// Decode never fails: an unrecognized tag byte yields a KindUnknown value and
// consumes that single byte; a value the buffer cannot hold yields
// KindTruncated and consumes the rest of the buffer. Both are logged.
//
// A map that repeats a key keeps the first position of that key and the last
// value decoded for it.
func Decode(buf []byte, c Cursor) (Value, Cursor) {
	return decode(buf, c.clamp(buf), 0)
}

func decode(buf []byte, c Cursor, depth int) (Value, Cursor) {
	tag, err := ReadTag(buf, c)
	if err != nil {
		return truncated(c, "header")
	}

	switch tag.Kind {
	case TagFixArray, TagArray:
		return decodeArray(buf, c, tag, depth)
	case TagFixMap, TagMap:
		return decodeMap(buf, c, tag, depth)
	}

	size := tag.Header + tag.Payload
	if size > c.Remaining {
		return truncated(c, tag.Kind.String())
	}
	payload := buf[c.Pos+tag.Header : c.Pos+size]
	next := c.Advance(size)

	switch tag.Kind {
	case TagNil:
		return Nil(), next
	case TagBool:
		return Bool(tag.Byte == 0xc3), next
	case TagPosFixInt:
		return Int(int64(tag.Byte)), next
	case TagNegFixInt:
		return Int(int64(int8(tag.Byte))), next
	case TagUint:
		return Uint(readUint(payload)), next
	case TagInt:
		return Int(readInt(payload)), next
	case TagFloat:
		if tag.Width == 4 {
			return Float(float64(math.Float32frombits(binary.BigEndian.Uint32(payload)))), next
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(payload))), next
	case TagFixStr, TagStr:
		return Str(string(payload)), next
	case TagBin:
		return Bin(clone(payload)), next
	case TagFixExt, TagExt:
		return Ext(tag.ExtType, clone(payload)), next
	}

	Logger().Warn("unrecognized tag byte",
		zap.String("byte", fmt.Sprintf("0x%02x", tag.Byte)),
		zap.Int("pos", c.Pos))
	return Value{Kind: KindUnknown, Raw: tag.Byte}, next
}

func decodeArray(buf []byte, c Cursor, tag Tag, depth int) (Value, Cursor) {
	if depth >= MaxDepth {
		return truncated(c, "nesting too deep")
	}
	next := c.Advance(tag.Header)
	// Every element takes at least one byte
	if tag.Length > next.Remaining {
		return truncated(c, "array")
	}
	if tag.Length == 0 {
		return Array(), next
	}

	items := make([]Value, 0, tag.Length)
	for i := 0; i < tag.Length; i++ {
		var item Value
		item, next = decode(buf, next, depth+1)
		if item.Kind == KindTruncated {
			return item, next
		}
		items = append(items, item)
	}
	return Value{Kind: KindArray, Items: items}, next
}

func decodeMap(buf []byte, c Cursor, tag Tag, depth int) (Value, Cursor) {
	if depth >= MaxDepth {
		return truncated(c, "nesting too deep")
	}
	next := c.Advance(tag.Header)
	if tag.Length > next.Remaining/2 {
		return truncated(c, "map")
	}
	if tag.Length == 0 {
		return Map(), next
	}

	pairs := make([]Pair, 0, tag.Length)
	byString := make(map[string]int, tag.Length)
	for i := 0; i < tag.Length; i++ {
		var key, val Value
		key, next = decode(buf, next, depth+1)
		if key.Kind == KindTruncated {
			return key, next
		}
		val, next = decode(buf, next, depth+1)
		if val.Kind == KindTruncated {
			return val, next
		}

		// Last write wins for repeated keys
		if key.Kind == KindString {
			if idx, ok := byString[key.Str]; ok {
				pairs[idx].Value = val
				continue
			}
			byString[key.Str] = len(pairs)
		} else if idx := indexOfKey(pairs, key); idx >= 0 {
			pairs[idx].Value = val
			continue
		}
		pairs = append(pairs, Pair{Key: key, Value: val})
	}
	return Value{Kind: KindMap, Pairs: pairs}, next
}

func indexOfKey(pairs []Pair, key Value) int {
	for i := range pairs {
		if Equal(pairs[i].Key, key) {
			return i
		}
	}
	return -1
}

func truncated(c Cursor, what string) (Value, Cursor) {
	Logger().Debug("truncated value",
		zap.String("in", what),
		zap.Int("pos", c.Pos),
		zap.Int("remaining", c.Remaining))
	return Value{Kind: KindTruncated}, c.Advance(c.Remaining)
}

func readUint(p []byte) uint64 {
	switch len(p) {
	case 1:
		return uint64(p[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(p))
	case 4:
		return uint64(binary.BigEndian.Uint32(p))
	default:
		return binary.BigEndian.Uint64(p)
	}
}

func readInt(p []byte) int64 {
	switch len(p) {
	case 1:
		return int64(int8(p[0]))
	case 2:
		return int64(int16(binary.BigEndian.Uint16(p)))
	case 4:
		return int64(int32(binary.BigEndian.Uint32(p)))
	default:
		return int64(binary.BigEndian.Uint64(p))
	}
}

func clone(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// Measure returns the encoded size of the value at cursor c, including all
// nested values, without decoding it. It returns ErrShortBuffer when the
// buffer ends before the value does, so it can be used speculatively on a
// partially received stream. Unknown tag bytes measure as one byte, matching
// Decode.
func Measure(buf []byte, c Cursor) (int, error) {
	c = c.clamp(buf)
	scan, _ := measure(buf[c.Pos:c.Pos+c.Remaining], scanState{pending: 1})
	if scan.pending > 0 {
		return 0, ErrShortBuffer
	}
	return scan.off, nil
}

// scanState is how far a measure got through one value: off bytes walked and
// pending values still to walk. A zero pending count means the value is complete.
type scanState struct {
	off     int
	pending int
}

// measure walks buf from scan until the value is complete or the next tag does
// not fit. The returned state always sits on a tag boundary, so walking can
// resume there once more bytes arrive. steps counts the tags walked.
func measure(buf []byte, scan scanState) (scanState, int) {
	steps := 0
	for scan.pending > 0 {
		c := Cursor{Pos: scan.off, Remaining: len(buf) - scan.off}
		tag, err := ReadTag(buf, c)
		if err != nil {
			return scan, steps
		}
		size := tag.Header + tag.Payload
		if size > c.Remaining {
			return scan, steps
		}

		steps++
		scan.off += size
		scan.pending--
		switch tag.Kind {
		case TagFixArray, TagArray:
			scan.pending += tag.Length
		case TagFixMap, TagMap:
			scan.pending += 2 * tag.Length
		}
	}
	return scan, steps
}

// ErrTrailingBytes is returned by Unmarshal when bytes follow the first value
var ErrTrailingBytes = errors.New("wire: trailing bytes after value")

// Unmarshal decodes exactly one value occupying all of buf
func Unmarshal(buf []byte) (Value, error) {
	v, next := Decode(buf, Start(buf))
	switch {
	case v.Kind == KindTruncated:
		return v, ErrShortBuffer
	case !v.Valid():
		return v, fmt.Errorf("wire: malformed value %s", v)
	case !next.Done():
		return v, ErrTrailingBytes
	}
	return v, nil
}

package wire

import (
	"encoding/binary"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode returns the msgpack encoding of v using the smallest width for every
// integer, string, binary, array and map header.
func Encode(v Value) []byte {
	return AppendValue(nil, v)
}

// AppendValue appends the encoding of v to dst
func AppendValue(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindNil:
		return append(dst, 0xc0)
	case KindBool:
		if v.Bool {
			return append(dst, 0xc3)
		}
		return append(dst, 0xc2)
	case KindInt:
		return appendInt(dst, v.Int)
	case KindUint:
		return appendUint(dst, v.Uint)
	case KindFloat:
		dst = append(dst, 0xcb)
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float))
	case KindString:
		dst = appendSized(dst, len(v.Str), 0xa0, 31, 0xd9, 0xda, 0xdb)
		return append(dst, v.Str...)
	case KindBinary:
		dst = appendSized(dst, len(v.Bytes), 0, -1, 0xc4, 0xc5, 0xc6)
		return append(dst, v.Bytes...)
	case KindExt:
		return appendExt(dst, v.ExtType, v.Bytes)
	case KindArray:
		dst = appendSized(dst, len(v.Items), 0x90, 15, 0, 0xdc, 0xdd)
		for _, item := range v.Items {
			dst = AppendValue(dst, item)
		}
		return dst
	case KindMap:
		dst = appendSized(dst, len(v.Pairs), 0x80, 15, 0, 0xde, 0xdf)
		for _, p := range v.Pairs {
			dst = AppendValue(dst, p.Key)
			dst = AppendValue(dst, p.Value)
		}
		return dst
	case KindUnknown:
		return append(dst, v.Raw)
	}
	// Truncated values have no encoding
	return dst
}

func appendInt(dst []byte, i int64) []byte {
	switch {
	case i >= 0:
		return appendUint(dst, uint64(i))
	case i >= -32:
		return append(dst, byte(int8(i)))
	case i >= math.MinInt8:
		return append(dst, 0xd0, byte(int8(i)))
	case i >= math.MinInt16:
		dst = append(dst, 0xd1)
		return binary.BigEndian.AppendUint16(dst, uint16(int16(i)))
	case i >= math.MinInt32:
		dst = append(dst, 0xd2)
		return binary.BigEndian.AppendUint32(dst, uint32(int32(i)))
	default:
		dst = append(dst, 0xd3)
		return binary.BigEndian.AppendUint64(dst, uint64(i))
	}
}

func appendUint(dst []byte, u uint64) []byte {
	switch {
	case u <= 0x7f:
		return append(dst, byte(u))
	case u <= math.MaxUint8:
		return append(dst, 0xcc, byte(u))
	case u <= math.MaxUint16:
		dst = append(dst, 0xcd)
		return binary.BigEndian.AppendUint16(dst, uint16(u))
	case u <= math.MaxUint32:
		dst = append(dst, 0xce)
		return binary.BigEndian.AppendUint32(dst, uint32(u))
	default:
		dst = append(dst, 0xcf)
		return binary.BigEndian.AppendUint64(dst, u)
	}
}

// appendSized writes a header for a length-prefixed family. fixBase/fixMax
// describe the fix form (fixMax < 0 when the family has none); tag8 is zero
// when the family has no 8-bit form.
func appendSized(dst []byte, n int, fixBase byte, fixMax int, tag8, tag16, tag32 byte) []byte {
	switch {
	case n <= fixMax:
		return append(dst, fixBase|byte(n))
	case tag8 != 0 && n <= math.MaxUint8:
		return append(dst, tag8, byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, tag16)
		return binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, tag32)
		return binary.BigEndian.AppendUint32(dst, uint32(n))
	}
}

func appendExt(dst []byte, typ int8, data []byte) []byte {
	switch len(data) {
	case 1:
		dst = append(dst, 0xd4, byte(typ))
	case 2:
		dst = append(dst, 0xd5, byte(typ))
	case 4:
		dst = append(dst, 0xd6, byte(typ))
	case 8:
		dst = append(dst, 0xd7, byte(typ))
	case 16:
		dst = append(dst, 0xd8, byte(typ))
	default:
		dst = appendSized(dst, len(data), 0, -1, 0xc7, 0xc8, 0xc9)
		dst = append(dst, byte(typ))
	}
	return append(dst, data...)
}

var _ msgpack.CustomEncoder = Value{}

// EncodeMsgpack lets a Value be passed anywhere a msgpack encoder accepts an
// arbitrary Go value, such as RPC parameters.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	_, err := enc.Writer().Write(Encode(v))
	return err
}

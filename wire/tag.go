package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when the bytes at a cursor end before the value
// they announce does.
var ErrShortBuffer = errors.New("wire: short buffer")

// TagKind identifies the type family announced by a tag byte
type TagKind uint8

const (
	TagUnknown  TagKind = iota // Not a msgpack tag (0xc1)
	TagNil                     // 0xc0
	TagBool                    // 0xc2, 0xc3
	TagPosFixInt               // 0x00-0x7f
	TagNegFixInt               // 0xe0-0xff
	TagUint                    // 0xcc-0xcf
	TagInt                     // 0xd0-0xd3
	TagFloat                   // 0xca, 0xcb
	TagFixArray                // 0x90-0x9f
	TagArray                   // 0xdc, 0xdd
	TagFixMap                  // 0x80-0x8f
	TagMap                     // 0xde, 0xdf
	TagFixStr                  // 0xa0-0xbf
	TagStr                     // 0xd9-0xdb
	TagBin                     // 0xc4-0xc6
	TagFixExt                  // 0xd4-0xd8
	TagExt                     // 0xc7-0xc9
)

// String returns the tag kind name
func (k TagKind) String() string {
	switch k {
	case TagNil:
		return "nil"
	case TagBool:
		return "bool"
	case TagPosFixInt:
		return "positive fixint"
	case TagNegFixInt:
		return "negative fixint"
	case TagUint:
		return "uint"
	case TagInt:
		return "int"
	case TagFloat:
		return "float"
	case TagFixArray:
		return "fixarray"
	case TagArray:
		return "array"
	case TagFixMap:
		return "fixmap"
	case TagMap:
		return "map"
	case TagFixStr:
		return "fixstr"
	case TagStr:
		return "str"
	case TagBin:
		return "bin"
	case TagFixExt:
		return "fixext"
	case TagExt:
		return "ext"
	default:
		return "unknown"
	}
}

// IsContainer reports whether values of this kind hold nested values
func (k TagKind) IsContainer() bool {
	switch k {
	case TagFixArray, TagArray, TagFixMap, TagMap:
		return true
	}
	return false
}

// tagInfo is the static part of a tag: everything derivable from the first byte.
type tagInfo struct {
	kind TagKind
	// width is the payload width for numbers, the length-field width for
	// sized str/bin/array/map/ext, or the data size for fixext.
	width int
}

// tagTable maps every possible leading byte to its tag. Built once so that the
// mapping is total: a byte no rule claims stays TagUnknown.
var tagTable [256]tagInfo

func init() {
	set := func(lo, hi int, kind TagKind, width int) {
		for b := lo; b <= hi; b++ {
			if tagTable[b].kind != TagUnknown {
				panic(fmt.Sprintf("wire: tag byte 0x%02x claimed twice", b))
			}
			tagTable[b] = tagInfo{kind: kind, width: width}
		}
	}

	set(0x00, 0x7f, TagPosFixInt, 0)
	set(0x80, 0x8f, TagFixMap, 0)
	set(0x90, 0x9f, TagFixArray, 0)
	set(0xa0, 0xbf, TagFixStr, 0)
	set(0xc0, 0xc0, TagNil, 0)
	// 0xc1 is never used
	set(0xc2, 0xc3, TagBool, 0)
	set(0xc4, 0xc4, TagBin, 1)
	set(0xc5, 0xc5, TagBin, 2)
	set(0xc6, 0xc6, TagBin, 4)
	set(0xc7, 0xc7, TagExt, 1)
	set(0xc8, 0xc8, TagExt, 2)
	set(0xc9, 0xc9, TagExt, 4)
	set(0xca, 0xca, TagFloat, 4)
	set(0xcb, 0xcb, TagFloat, 8)
	set(0xcc, 0xcc, TagUint, 1)
	set(0xcd, 0xcd, TagUint, 2)
	set(0xce, 0xce, TagUint, 4)
	set(0xcf, 0xcf, TagUint, 8)
	set(0xd0, 0xd0, TagInt, 1)
	set(0xd1, 0xd1, TagInt, 2)
	set(0xd2, 0xd2, TagInt, 4)
	set(0xd3, 0xd3, TagInt, 8)
	set(0xd4, 0xd4, TagFixExt, 1)
	set(0xd5, 0xd5, TagFixExt, 2)
	set(0xd6, 0xd6, TagFixExt, 4)
	set(0xd7, 0xd7, TagFixExt, 8)
	set(0xd8, 0xd8, TagFixExt, 16)
	set(0xd9, 0xd9, TagStr, 1)
	set(0xda, 0xda, TagStr, 2)
	set(0xdb, 0xdb, TagStr, 4)
	set(0xdc, 0xdc, TagArray, 2)
	set(0xdd, 0xdd, TagArray, 4)
	set(0xde, 0xde, TagMap, 2)
	set(0xdf, 0xdf, TagMap, 4)
	set(0xe0, 0xff, TagNegFixInt, 0)
}

// KindOf returns the tag kind of a leading byte
func KindOf(b byte) TagKind {
	return tagTable[b].kind
}

// Tag describes the encoded value starting at a cursor position.
//
// The encoded size of a scalar or string-like value is Header+Payload.
// Containers announce Length nested values (Length pairs for maps) that follow
// the Header bytes.
type Tag struct {
	Kind    TagKind
	Byte    byte // leading byte
	Width   int  // number width, or width of the length field
	Header  int  // tag byte plus any length field and ext type byte
	Payload int  // bytes following the header that belong to this value itself
	Length  int  // element count, pair count, or byte length
	ExtType int8 // for TagFixExt/TagExt
}

// ReadTag resolves the tag at cursor c. Only the header bytes need to be
// present; payload and nested values are not inspected. Returns ErrShortBuffer
// when the header itself is incomplete. An unrecognized byte yields a
// TagUnknown tag with a one byte header and no error.
func ReadTag(buf []byte, c Cursor) (Tag, error) {
	c = c.clamp(buf)
	if c.Remaining < 1 {
		return Tag{}, ErrShortBuffer
	}

	b := buf[c.Pos]
	info := tagTable[b]
	tag := Tag{Kind: info.kind, Byte: b, Width: info.width, Header: 1}

	switch info.kind {
	case TagUnknown, TagNil, TagBool, TagPosFixInt, TagNegFixInt:
		return tag, nil

	case TagUint, TagInt, TagFloat:
		tag.Payload = info.width
		return tag, nil

	case TagFixArray, TagFixMap:
		tag.Length = int(b & 0x0f)
		return tag, nil

	case TagFixStr:
		tag.Length = int(b & 0x1f)
		tag.Payload = tag.Length
		return tag, nil

	case TagFixExt:
		if c.Remaining < 2 {
			return Tag{}, ErrShortBuffer
		}
		tag.Header = 2
		tag.ExtType = int8(buf[c.Pos+1])
		tag.Length = info.width
		tag.Payload = info.width
		return tag, nil
	}

	// Sized kinds carry a big-endian length field after the tag byte
	if c.Remaining < 1+info.width {
		return Tag{}, ErrShortBuffer
	}
	n, ok := readLength(buf[c.Pos+1:c.Pos+1+info.width], info.width)
	if !ok {
		return Tag{}, ErrShortBuffer
	}
	tag.Header = 1 + info.width
	tag.Length = n

	switch info.kind {
	case TagStr, TagBin:
		tag.Payload = n
	case TagExt:
		if c.Remaining < tag.Header+1 {
			return Tag{}, ErrShortBuffer
		}
		tag.ExtType = int8(buf[c.Pos+tag.Header])
		tag.Header++
		tag.Payload = n
	}
	return tag, nil
}

// readLength decodes a 1, 2 or 4 byte big-endian length field.
// Reports false if the value does not fit an int on this platform.
func readLength(p []byte, width int) (int, bool) {
	switch width {
	case 1:
		return int(p[0]), true
	case 2:
		return int(binary.BigEndian.Uint16(p)), true
	case 4:
		n := binary.BigEndian.Uint32(p)
		if uint64(n) > uint64(maxInt) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

const maxInt = int(^uint(0) >> 1)

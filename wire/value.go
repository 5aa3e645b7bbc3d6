package wire

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind discriminates the variants of a decoded Value
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt  // any integer that fits int64
	KindUint // unsigned integers above math.MaxInt64
	KindFloat
	KindString
	KindBinary
	KindExt
	KindArray
	KindMap
	KindUnknown   // unrecognized tag byte, kept in Raw
	KindTruncated // the buffer ended inside the value
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindExt:
		return "ext"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindUnknown:
		return "unknown"
	case KindTruncated:
		return "truncated"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Pair is one key/value entry of a map value
type Pair struct {
	Key   Value
	Value Value
}

// Value is a decoded msgpack value. Only the fields matching Kind are set.
// Map entries keep wire order.
type Value struct {
	Kind    Kind
	Bool    bool
	Int     int64
	Uint    uint64
	Float   float64
	Str     string
	Bytes   []byte // KindBinary and KindExt data
	ExtType int8
	Items   []Value
	Pairs   []Pair
	Raw     byte // offending byte for KindUnknown
}

// Nil returns the nil value
func Nil() Value { return Value{Kind: KindNil} }

// Bool returns a boolean value
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int returns an integer value
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Uint returns an unsigned integer value. Values that fit int64 are
// normalized to KindInt so equal integers compare equal regardless of origin.
func Uint(u uint64) Value {
	if u <= math.MaxInt64 {
		return Value{Kind: KindInt, Int: int64(u)}
	}
	return Value{Kind: KindUint, Uint: u}
}

// Float returns a floating point value
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Str returns a string value
func Str(s string) Value { return Value{Kind: KindString, Str: s} }

// Bin returns a binary value
func Bin(b []byte) Value {
	if len(b) == 0 {
		b = nil
	}
	return Value{Kind: KindBinary, Bytes: b}
}

// Ext returns an extension value
func Ext(typ int8, data []byte) Value {
	if len(data) == 0 {
		data = nil
	}
	return Value{Kind: KindExt, ExtType: typ, Bytes: data}
}

// Array returns an array value
func Array(items ...Value) Value {
	if len(items) == 0 {
		items = nil
	}
	return Value{Kind: KindArray, Items: items}
}

// Map returns a map value with entries in the given order
func Map(pairs ...Pair) Value {
	if len(pairs) == 0 {
		pairs = nil
	}
	return Value{Kind: KindMap, Pairs: pairs}
}

// KV builds a map entry
func KV(key, value Value) Pair {
	return Pair{Key: key, Value: value}
}

// IsNil reports whether v is the nil value
func (v Value) IsNil() bool {
	return v.Kind == KindNil
}

// AsInt returns the integer held by v
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindUint:
		return 0, false
	}
	return 0, false
}

// AsBool returns the boolean held by v
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.Bool, true
}

// AsString returns the string held by v. Binary values are accepted as well,
// since some producers send text as bin.
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case KindString:
		return v.Str, true
	case KindBinary:
		return string(v.Bytes), true
	}
	return "", false
}

// Len returns the element count of an array, the pair count of a map, or the
// byte length of a string or binary value.
func (v Value) Len() int {
	switch v.Kind {
	case KindArray:
		return len(v.Items)
	case KindMap:
		return len(v.Pairs)
	case KindString:
		return len(v.Str)
	case KindBinary, KindExt:
		return len(v.Bytes)
	}
	return 0
}

// Index returns element i of an array value
func (v Value) Index(i int) (Value, bool) {
	if v.Kind != KindArray || i < 0 || i >= len(v.Items) {
		return Value{}, false
	}
	return v.Items[i], true
}

// Lookup finds the entry with a string key in a map value
func (v Value) Lookup(key string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	for _, p := range v.Pairs {
		if k, ok := p.Key.AsString(); ok && k == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Valid reports whether v and everything nested in it decoded cleanly
func (v Value) Valid() bool {
	switch v.Kind {
	case KindUnknown, KindTruncated:
		return false
	case KindArray:
		for _, item := range v.Items {
			if !item.Valid() {
				return false
			}
		}
	case KindMap:
		for _, p := range v.Pairs {
			if !p.Key.Valid() || !p.Value.Valid() {
				return false
			}
		}
	}
	return true
}

// ExtValue is the native form of an extension value
type ExtValue struct {
	Type int8
	Data []byte
}

// Interface converts v to plain Go values: nil, bool, int64, uint64, float64,
// string, []byte, ExtValue, []any, and map[string]any. Maps with any non-string
// key become map[any]any; keys that are not comparable are rendered with String.
// Unknown and truncated values become nil.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindUint:
		return v.Uint
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBinary:
		return v.Bytes
	case KindExt:
		return ExtValue{Type: v.ExtType, Data: v.Bytes}
	case KindArray:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		stringKeys := true
		for _, p := range v.Pairs {
			if p.Key.Kind != KindString {
				stringKeys = false
				break
			}
		}
		if stringKeys {
			out := make(map[string]any, len(v.Pairs))
			for _, p := range v.Pairs {
				out[p.Key.Str] = p.Value.Interface()
			}
			return out
		}
		out := make(map[any]any, len(v.Pairs))
		for _, p := range v.Pairs {
			var key any
			switch p.Key.Kind {
			case KindArray, KindMap, KindBinary, KindExt:
				key = p.Key.String()
			default:
				key = p.Key.Interface()
			}
			out[key] = p.Value.Interface()
		}
		return out
	}
	return nil
}

// Equal reports whether a and b hold the same value. Map entries must match in
// order.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNil, KindTruncated:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindUint:
		return a.Uint == b.Uint
	case KindFloat:
		return a.Float == b.Float || (math.IsNaN(a.Float) && math.IsNaN(b.Float))
	case KindString:
		return a.Str == b.Str
	case KindBinary:
		return bytes.Equal(a.Bytes, b.Bytes)
	case KindExt:
		return a.ExtType == b.ExtType && bytes.Equal(a.Bytes, b.Bytes)
	case KindUnknown:
		return a.Raw == b.Raw
	case KindArray:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !Equal(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Pairs) != len(b.Pairs) {
			return false
		}
		for i := range a.Pairs {
			if !Equal(a.Pairs[i].Key, b.Pairs[i].Key) || !Equal(a.Pairs[i].Value, b.Pairs[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v for diagnostics
func (v Value) String() string {
	var sb strings.Builder
	v.render(&sb)
	return sb.String()
}

func (v Value) render(sb *strings.Builder) {
	switch v.Kind {
	case KindNil:
		sb.WriteString("nil")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.Int, 10))
	case KindUint:
		sb.WriteString(strconv.FormatUint(v.Uint, 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.Float, 'g', -1, 64))
	case KindString:
		sb.WriteString(strconv.Quote(v.Str))
	case KindBinary:
		fmt.Fprintf(sb, "bin(%x)", v.Bytes)
	case KindExt:
		fmt.Fprintf(sb, "ext(%d, %x)", v.ExtType, v.Bytes)
	case KindArray:
		sb.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				sb.WriteString(", ")
			}
			item.render(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, p := range v.Pairs {
			if i > 0 {
				sb.WriteString(", ")
			}
			p.Key.render(sb)
			sb.WriteString(": ")
			p.Value.render(sb)
		}
		sb.WriteByte('}')
	case KindUnknown:
		fmt.Fprintf(sb, "unknown(0x%02x)", v.Raw)
	case KindTruncated:
		sb.WriteString("truncated")
	default:
		sb.WriteString(v.Kind.String())
	}
}

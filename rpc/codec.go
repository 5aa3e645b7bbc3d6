package rpc

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// newEncoder returns an encoder that writes integers in their smallest form,
// the way neovim itself does.
func newEncoder(buf *bytes.Buffer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(buf)
	enc.UseCompactInts(true)
	return enc
}

// EncodeRequest serializes [0, id, method, params]
func EncodeRequest(id uint32, method string, params []any) ([]byte, error) {
	var buf bytes.Buffer
	enc := newEncoder(&buf)
	if err := enc.EncodeArrayLen(4); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(MessageTypeRequest)); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(uint64(id)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(method); err != nil {
		return nil, err
	}
	if err := encodeParams(enc, params); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeResponse serializes [1, id, error, result]. A nil errValue encodes as nil.
func EncodeResponse(id uint32, errValue any, result any) ([]byte, error) {
	var buf bytes.Buffer
	enc := newEncoder(&buf)
	if err := enc.EncodeArrayLen(4); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(MessageTypeResponse)); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(uint64(id)); err != nil {
		return nil, err
	}
	if err := enc.Encode(errValue); err != nil {
		return nil, err
	}
	if err := enc.Encode(result); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeNotification serializes [2, method, params]
func EncodeNotification(method string, params []any) ([]byte, error) {
	var buf bytes.Buffer
	enc := newEncoder(&buf)
	if err := enc.EncodeArrayLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(MessageTypeNotification)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(method); err != nil {
		return nil, err
	}
	if err := encodeParams(enc, params); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeParams always writes an array, so a call without arguments sends []
func encodeParams(enc *msgpack.Encoder, params []any) error {
	if err := enc.EncodeArrayLen(len(params)); err != nil {
		return err
	}
	for _, p := range params {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	return nil
}

package rpc

import (
	"fmt"

	"github.com/touchX/veonim/wire"
)

// MessageType is the discriminant in the first element of every frame
type MessageType int64

const (
	MessageTypeRequest      MessageType = 0
	MessageTypeResponse     MessageType = 1
	MessageTypeNotification MessageType = 2
)

// String returns the message type name
func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeNotification:
		return "notification"
	default:
		return fmt.Sprintf("MessageType(%d)", int64(t))
	}
}

// Message is one of *Request, *Response or *Notification
type Message interface {
	Type() MessageType
}

// Request is [0, id, method, params]
type Request struct {
	ID     uint32
	Method string
	Params []wire.Value
}

// Type implements Message
func (*Request) Type() MessageType { return MessageTypeRequest }

// Response is [1, id, error, result]. Error is nil on success.
type Response struct {
	ID     uint32
	Error  wire.Value
	Result wire.Value
}

// Type implements Message
func (*Response) Type() MessageType { return MessageTypeResponse }

// Notification is [2, method, params]
type Notification struct {
	Method string
	Params []wire.Value
}

// Type implements Message
func (*Notification) Type() MessageType { return MessageTypeNotification }

// ParseMessage interprets a decoded frame as an RPC message
func ParseMessage(frame wire.Value) (Message, error) {
	if frame.Kind != wire.KindArray || len(frame.Items) == 0 {
		return nil, fmt.Errorf("frame is not a non-empty array: %s", frame.Kind)
	}
	discriminant, ok := frame.Items[0].AsInt()
	if !ok {
		return nil, fmt.Errorf("message type is %s, not an integer", frame.Items[0].Kind)
	}

	items := frame.Items
	switch MessageType(discriminant) {
	case MessageTypeRequest:
		if len(items) != 4 {
			return nil, fmt.Errorf("request has %d elements, want 4", len(items))
		}
		id, err := parseID(items[1])
		if err != nil {
			return nil, err
		}
		method, ok := items[2].AsString()
		if !ok {
			return nil, fmt.Errorf("request method is %s, not a string", items[2].Kind)
		}
		return &Request{ID: id, Method: method, Params: paramsOf(items[3])}, nil

	case MessageTypeResponse:
		if len(items) != 4 {
			return nil, fmt.Errorf("response has %d elements, want 4", len(items))
		}
		id, err := parseID(items[1])
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, Error: items[2], Result: items[3]}, nil

	case MessageTypeNotification:
		if len(items) != 3 {
			return nil, fmt.Errorf("notification has %d elements, want 3", len(items))
		}
		method, ok := items[1].AsString()
		if !ok {
			return nil, fmt.Errorf("notification method is %s, not a string", items[1].Kind)
		}
		return &Notification{Method: method, Params: paramsOf(items[2])}, nil
	}

	return nil, fmt.Errorf("unknown message type %d", discriminant)
}

func parseID(v wire.Value) (uint32, error) {
	id, ok := v.AsInt()
	if !ok || id < 0 || id > int64(^uint32(0)) {
		return 0, fmt.Errorf("message id %s is not a uint32", v)
	}
	return uint32(id), nil
}

// paramsOf accepts a params array; any other value is treated as a single argument
func paramsOf(v wire.Value) []wire.Value {
	if v.Kind == wire.KindArray {
		return v.Items
	}
	return []wire.Value{v}
}

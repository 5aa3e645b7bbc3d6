package rpc

import (
	"errors"
	"fmt"

	"github.com/touchX/veonim/wire"
)

// ErrClosed is returned for calls issued on, or still pending when closing, a closed Conn
var ErrClosed = errors.New("rpc: connection closed")

// ErrorType classifies local RPC failures
type ErrorType int

const (
	ErrorTypeEncode ErrorType = iota
	ErrorTypeWrite
	ErrorTypeClosed
)

// Error is a local failure to issue a call or notification
type Error struct {
	Type   ErrorType
	Method string
	Err    error
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeEncode:
		return fmt.Sprintf("rpc: encoding %s: %v", e.Method, e.Err)
	case ErrorTypeWrite:
		return fmt.Sprintf("rpc: writing %s: %v", e.Method, e.Err)
	case ErrorTypeClosed:
		return fmt.Sprintf("rpc: %s: connection closed", e.Method)
	default:
		return fmt.Sprintf("rpc: %s: %v", e.Method, e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e.Type == ErrorTypeClosed {
		return ErrClosed
	}
	return e.Err
}

// ResponseError is an error returned by the remote side. Neovim reports
// errors as [type, message].
type ResponseError struct {
	Code    int64
	Message string
	Value   wire.Value
}

func (e *ResponseError) Error() string {
	return e.Message
}

func newResponseError(v wire.Value) *ResponseError {
	re := &ResponseError{Value: v}
	if v.Kind == wire.KindArray && len(v.Items) == 2 {
		code, codeOK := v.Items[0].AsInt()
		msg, msgOK := v.Items[1].AsString()
		if codeOK && msgOK {
			re.Code = code
			re.Message = msg
			return re
		}
	}
	if msg, ok := v.AsString(); ok {
		re.Message = msg
		return re
	}
	re.Message = v.String()
	return re
}

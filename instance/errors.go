package instance

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Spawn after the router has been closed
var ErrClosed = errors.New("instance: router closed")

// ErrorType classifies router failures
type ErrorType int

const (
	ErrorTypeSpawn ErrorType = iota
	ErrorTypeClosed
	ErrorTypeUnknownInstance
	ErrorTypeKill
)

// Error represents errors from the instance router
type Error struct {
	Type    ErrorType
	ID      int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeSpawn:
		return fmt.Sprintf("spawning instance: %v", e.Err)
	case ErrorTypeClosed:
		return "router is closed"
	case ErrorTypeUnknownInstance:
		return fmt.Sprintf("unknown instance %d", e.ID)
	case ErrorTypeKill:
		return fmt.Sprintf("killing instance %d: %v", e.ID, e.Err)
	default:
		return fmt.Sprintf("instance error: %s", e.Message)
	}
}

func (e *Error) Unwrap() error {
	if e.Type == ErrorTypeClosed {
		return ErrClosed
	}
	return e.Err
}

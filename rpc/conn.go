package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/touchX/veonim/wire"
)

// NotificationHandler receives the params of a notification. Handlers run on
// the goroutine delivering inbound frames and must not block.
type NotificationHandler func(params []wire.Value)

// RequestHandler answers a request issued by the remote side
type RequestHandler func(params []wire.Value) (any, error)

// Call is an outstanding request. It completes exactly once, when a response
// with its id arrives or when the call fails locally.
type Call struct {
	ID     uint32
	Method string

	done   chan struct{}
	once   sync.Once
	result wire.Value
	err    error
}

// Done is closed when the call completes
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call completes and returns its outcome
func (c *Call) Result() (wire.Value, error) {
	<-c.done
	return c.result, c.err
}

func (c *Call) finish(result wire.Value, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

type subscription struct {
	fn NotificationHandler
}

// Conn correlates requests with responses and routes notifications over one
// msgpack-RPC transport. Outbound frames go to the writer given to NewConn,
// bounded by the transport frame limit; inbound frames are fed through Dispatch.
type Conn struct {
	logger *zap.Logger
	w      *wire.FrameWriter

	writeMu sync.Mutex

	mu              sync.Mutex
	nextID          uint32
	pending         map[uint32]*Call
	handlers        map[string][]*subscription
	requestHandlers map[string]RequestHandler
	closed          bool
}

// Option configures a Conn
type Option func(c *Conn)

// WithLogger sets the logger for correlation diagnostics
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		c.logger = l.Named("rpc")
	}
}

// WithLimits bounds the size of outbound frames. A request or notification
// that encodes larger fails with an ErrorTypeWrite error instead of being sent.
func WithLimits(limits wire.Limits) Option {
	return func(c *Conn) {
		c.w.SetLimits(limits)
	}
}

// NewConn creates a Conn writing frames to w
func NewConn(w io.Writer, opts ...Option) *Conn {
	c := &Conn{
		logger:          zap.NewNop(),
		w:               wire.NewFrameWriter(w),
		pending:         make(map[uint32]*Call),
		handlers:        make(map[string][]*subscription),
		requestHandlers: make(map[string]RequestHandler),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Go issues a request and returns immediately. The returned Call completes
// when the matching response is dispatched. There is no built-in timeout: if
// the remote side never answers, the call never completes.
func (c *Conn) Go(method string, params ...any) *Call {
	call := &Call{Method: method, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.finish(wire.Value{}, &Error{Type: ErrorTypeClosed, Method: method})
		return call
	}
	call.ID = c.allocateIDLocked()
	c.pending[call.ID] = call
	c.mu.Unlock()

	frame, err := EncodeRequest(call.ID, method, params)
	if err != nil {
		c.forget(call.ID)
		call.finish(wire.Value{}, &Error{Type: ErrorTypeEncode, Method: method, Err: err})
		return call
	}

	if err := c.write(frame); err != nil {
		c.forget(call.ID)
		call.finish(wire.Value{}, &Error{Type: ErrorTypeWrite, Method: method, Err: err})
		return call
	}

	c.logger.Debug("request sent", zap.Uint32("id", call.ID), zap.String("method", method))
	return call
}

// Call issues a request and waits for its response or for ctx to end. When ctx
// ends first the request is abandoned: a late response is dropped.
func (c *Conn) Call(ctx context.Context, method string, params ...any) (wire.Value, error) {
	call := c.Go(method, params...)
	select {
	case <-call.Done():
		return call.result, call.err
	case <-ctx.Done():
		c.Abandon(call, ctx.Err())
		return wire.Value{}, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Abandon stops waiting for call and completes it with err. A response that
// arrives later is dropped.
func (c *Conn) Abandon(call *Call, err error) {
	c.forget(call.ID)
	call.finish(wire.Value{}, err)
}

// Notify sends a notification; no response is expected
func (c *Conn) Notify(method string, params ...any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &Error{Type: ErrorTypeClosed, Method: method}
	}

	frame, err := EncodeNotification(method, params)
	if err != nil {
		return &Error{Type: ErrorTypeEncode, Method: method, Err: err}
	}
	if err := c.write(frame); err != nil {
		return &Error{Type: ErrorTypeWrite, Method: method, Err: err}
	}
	return nil
}

// Subscribe registers a handler for notifications named method. Handlers for
// the same method run in registration order. The returned func removes the
// handler.
func (c *Conn) Subscribe(method string, fn NotificationHandler) func() {
	sub := &subscription{fn: fn}

	c.mu.Lock()
	c.handlers[method] = append(c.handlers[method], sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.handlers[method]
		for i, s := range subs {
			if s == sub {
				c.handlers[method] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(c.handlers[method]) == 0 {
			delete(c.handlers, method)
		}
	}
}

// Handle registers the handler answering requests named method
func (c *Conn) Handle(method string, fn RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandlers[method] = fn
}

// Dispatch routes one inbound frame. It never panics; anomalies are logged
// and dropped. Frames must be dispatched in wire order.
func (c *Conn) Dispatch(frame wire.Value) {
	if !frame.Valid() {
		c.logger.Warn("dropping malformed frame", zap.Stringer("frame", frame))
		return
	}

	msg, err := ParseMessage(frame)
	if err != nil {
		c.logger.Warn("dropping unrecognized frame", zap.Error(err), zap.Stringer("frame", frame))
		return
	}

	switch m := msg.(type) {
	case *Response:
		c.handleResponse(m)
	case *Notification:
		c.handleNotification(m)
	case *Request:
		c.handleRequest(m)
	}
}

func (c *Conn) handleResponse(m *Response) {
	c.mu.Lock()
	call, ok := c.pending[m.ID]
	if ok {
		delete(c.pending, m.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", zap.Uint32("id", m.ID))
		return
	}

	if !m.Error.IsNil() {
		call.finish(wire.Value{}, newResponseError(m.Error))
		return
	}
	call.finish(m.Result, nil)
}

func (c *Conn) handleNotification(m *Notification) {
	c.mu.Lock()
	subs := append([]*subscription(nil), c.handlers[m.Method]...)
	c.mu.Unlock()

	for _, s := range subs {
		c.invoke(m.Method, s.fn, m.Params)
	}
}

func (c *Conn) invoke(method string, fn NotificationHandler, params []wire.Value) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked", zap.String("method", method), zap.Any("panic", r))
		}
	}()
	fn(params)
}

func (c *Conn) handleRequest(m *Request) {
	c.mu.Lock()
	fn, ok := c.requestHandlers[m.Method]
	c.mu.Unlock()

	var result any
	var errValue any
	if !ok {
		c.logger.Debug("request for unhandled method", zap.String("method", m.Method))
		errValue = []any{0, fmt.Sprintf("unknown method %q", m.Method)}
	} else {
		res, err := c.runRequestHandler(fn, m)
		if err != nil {
			errValue = []any{1, err.Error()}
		} else {
			result = res
		}
	}

	frame, err := EncodeResponse(m.ID, errValue, result)
	if err != nil {
		c.logger.Error("encoding response", zap.String("method", m.Method), zap.Error(err))
		return
	}
	if err := c.write(frame); err != nil {
		c.logger.Warn("writing response", zap.String("method", m.Method), zap.Error(err))
	}
}

func (c *Conn) runRequestHandler(fn RequestHandler, m *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", m.Method, r)
		}
	}()
	return fn(m.Params)
}

// Pending returns the number of calls waiting for a response
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending call with ErrClosed and rejects new ones
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint32]*Call)
	c.mu.Unlock()

	for _, call := range pending {
		call.finish(wire.Value{}, &Error{Type: ErrorTypeClosed, Method: call.Method})
	}
	return nil
}

// allocateIDLocked returns the next request id, skipping ids still in flight
// after the counter wraps. Caller must hold mu.
func (c *Conn) allocateIDLocked() uint32 {
	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, busy := c.pending[c.nextID]; !busy {
			return c.nextID
		}
	}
}

func (c *Conn) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.w.WriteRaw(frame)
}

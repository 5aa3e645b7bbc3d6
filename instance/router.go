package instance

import (
	"errors"
	"io"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/touchX/veonim/wire"
)

const readBufferSize = 64 * 1024

// ExitHandler is called with the id and exit code of an instance that exited
type ExitHandler func(id int, code int)

// Router owns every spawned instance and binds exactly one of them, the
// active instance, to the shared transport. Writes go to the active
// instance's stdin; only the active instance's stdout is read and decoded.
//
// Lock order: deliverMu, then writeMu, then mu. Handle.mu is a leaf.
type Router struct {
	logger    *zap.Logger
	spawner   Spawner
	sink      func(wire.Value)
	limits    wire.Limits
	refresher func(Dimensions)
	attacher  func(*Handle, Dimensions)

	// deliverMu serializes hand-off of decoded frames to the sink
	deliverMu sync.Mutex
	// writeMu makes switching atomic with respect to writes
	writeMu sync.Mutex

	mu           sync.Mutex
	cond         *sync.Cond
	instances    map[int]*Handle
	active       int
	nextID       int
	dims         Dimensions
	exitHandlers []ExitHandler
	closed       bool
}

// RouterOption configures a Router
type RouterOption func(r *Router)

// WithLogger sets the router logger
func WithLogger(l *zap.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l.Named("router")
	}
}

// WithLimits sets the frame limits for every instance's decoder
func WithLimits(limits wire.Limits) RouterOption {
	return func(r *Router) {
		r.limits = limits
	}
}

// WithRefresher sets the callback asking the active instance to redraw at the
// given dimensions. It runs after a switch to an attached instance and after
// every resize while an instance is active.
func WithRefresher(fn func(Dimensions)) RouterOption {
	return func(r *Router) {
		r.refresher = fn
	}
}

// WithAttacher sets the callback run the first time an instance is attached
func WithAttacher(fn func(*Handle, Dimensions)) RouterOption {
	return func(r *Router) {
		r.attacher = fn
	}
}

// NewRouter creates a router. Frames decoded from the active instance are
// handed to sink in wire order from a pump goroutine.
func NewRouter(spawner Spawner, sink func(wire.Value), opts ...RouterOption) *Router {
	r := &Router{
		logger:    zap.NewNop(),
		spawner:   spawner,
		sink:      sink,
		limits:    wire.DefaultLimits(),
		instances: make(map[int]*Handle),
	}
	r.cond = sync.NewCond(&r.mu)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Spawn starts a new instance. It is registered but not active.
func (r *Router) Spawn() (*Handle, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, &Error{Type: ErrorTypeClosed}
	}

	proc, err := r.spawner.Spawn()
	if err != nil {
		return nil, &Error{Type: ErrorTypeSpawn, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		proc.Kill()
		return nil, &Error{Type: ErrorTypeClosed}
	}
	r.nextID++
	h := newHandle(r.nextID, proc, r.limits)
	r.instances[h.ID] = h
	r.mu.Unlock()

	r.logger.Info("instance spawned", zap.Int("id", h.ID))

	go r.pump(h)
	go r.watch(h)
	return h, nil
}

// SwitchActive makes id the active instance. Writes issued after it returns
// reach only the new instance. Unknown or dead ids are ignored and false is
// returned.
func (r *Router) SwitchActive(id int) bool {
	r.writeMu.Lock()
	r.mu.Lock()
	h, ok := r.instances[id]
	if !ok || !h.Alive() {
		r.mu.Unlock()
		r.writeMu.Unlock()
		r.logger.Debug("switch to unknown instance ignored", zap.Int("id", id))
		return false
	}
	prev := r.active
	r.active = id
	dims := r.dims
	r.cond.Broadcast()
	r.mu.Unlock()
	r.writeMu.Unlock()

	r.logger.Info("active instance switched", zap.Int("from", prev), zap.Int("to", id))

	if h.Attached() && r.refresher != nil {
		r.refresher(dims)
	}
	return true
}

// Attach records dims and runs the attacher the first time id is attached.
// Only the active instance can be attached, since the attacher talks to
// whichever instance is active. Repeated calls, and calls for an inactive id,
// have no effect and return false.
func (r *Router) Attach(id int, dims Dimensions) bool {
	r.mu.Lock()
	h, ok := r.instances[id]
	active := r.active == id
	r.mu.Unlock()
	if !ok || !h.Alive() {
		r.logger.Debug("attach to unknown instance ignored", zap.Int("id", id))
		return false
	}
	if !active {
		r.logger.Debug("attach to inactive instance ignored", zap.Int("id", id))
		return false
	}
	if !h.markAttached() {
		return false
	}

	r.mu.Lock()
	r.dims = dims
	r.mu.Unlock()

	r.logger.Info("instance attached", zap.Int("id", id), zap.Int("width", dims.Width), zap.Int("height", dims.Height))
	if r.attacher != nil {
		r.attacher(h, dims)
	}
	return true
}

// Resize records the UI dimensions and forwards them to the active instance
func (r *Router) Resize(width, height int) {
	dims := Dimensions{Width: width, Height: height}

	r.mu.Lock()
	r.dims = dims
	active := r.active != 0
	r.mu.Unlock()

	if active && r.refresher != nil {
		r.refresher(dims)
	}
}

// Dimensions returns the last recorded UI dimensions
func (r *Router) Dimensions() Dimensions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dims
}

// Write sends p to the active instance's stdin. With no active instance, or
// when the instance has gone away underneath the write, the bytes are dropped
// and the write reports success; the exit is surfaced through OnExit.
func (r *Router) Write(p []byte) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	h := r.instances[r.active]
	r.mu.Unlock()

	if h == nil {
		r.logger.Debug("write with no active instance dropped", zap.Int("bytes", len(p)))
		return len(p), nil
	}

	if _, err := h.process.Stdin().Write(p); err != nil {
		r.logger.Warn("write to instance failed", zap.Int("id", h.ID), zap.Error(err))
	}
	return len(p), nil
}

// OnExit registers a handler for instance exits. Handlers run in
// registration order on the goroutine that observed the exit.
func (r *Router) OnExit(fn ExitHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitHandlers = append(r.exitHandlers, fn)
}

// SetAddress records the server address reported by an instance
func (r *Router) SetAddress(id int, addr string) bool {
	h, ok := r.Get(id)
	if !ok {
		return false
	}
	h.setAddress(addr)
	return true
}

// Get returns the live instance with the given id
func (r *Router) Get(id int) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.instances[id]
	return h, ok
}

// Active returns the active instance, if any
func (r *Router) Active() (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.instances[r.active]
	return h, ok
}

// ActiveID returns the active instance id, or 0 when none is active
func (r *Router) ActiveID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Handles returns every live instance ordered by id
func (r *Router) Handles() []*Handle {
	r.mu.Lock()
	hs := make([]*Handle, 0, len(r.instances))
	for _, h := range r.instances {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	sort.Slice(hs, func(i, j int) bool { return hs[i].ID < hs[j].ID })
	return hs
}

// Kill terminates the instance. It stops being active, and cannot be switched
// to, as soon as Kill returns; its exit is reported through OnExit once the
// process is gone.
func (r *Router) Kill(id int) error {
	h, ok := r.Get(id)
	if !ok {
		return &Error{Type: ErrorTypeUnknownInstance, ID: id}
	}
	if err := h.process.Kill(); err != nil {
		return &Error{Type: ErrorTypeKill, ID: id, Err: err}
	}
	h.markKilled()

	r.writeMu.Lock()
	r.mu.Lock()
	if r.active == id {
		r.active = 0
	}
	r.cond.Broadcast()
	r.mu.Unlock()
	r.writeMu.Unlock()

	r.logger.Info("instance killed", zap.Int("id", id))
	return nil
}

// Close kills every instance and rejects further spawns
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	hs := make([]*Handle, 0, len(r.instances))
	for _, h := range r.instances {
		hs = append(hs, h)
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	var err error
	for _, h := range hs {
		if kerr := h.process.Kill(); kerr != nil {
			err = multierr.Append(err, &Error{Type: ErrorTypeKill, ID: h.ID, Err: kerr})
		}
	}
	return err
}

// pump reads the instance's stdout while it is active. While inactive the
// pump parks and the subprocess output stays unread.
func (r *Router) pump(h *Handle) {
	defer closeQuietly(h.process.Stdout())

	buf := make([]byte, readBufferSize)
	for {
		if !r.waitActive(h) {
			return
		}
		// frames read before the last deactivation go out first
		r.deliver(h, nil)

		n, err := h.process.Stdout().Read(buf)
		if n > 0 {
			r.deliver(h, h.decoder.Feed(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				r.logger.Warn("reading instance output", zap.Int("id", h.ID), zap.Error(err))
			}
			if n := h.decoder.Buffered(); n > 0 {
				r.logger.Debug("discarding partial frame", zap.Int("id", h.ID), zap.Int("bytes", n))
			}
			return
		}
	}
}

// waitActive blocks until h is the active instance. It returns false once h
// is dead or the router is closed.
func (r *Router) waitActive(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.active != h.ID {
		if r.closed || !h.Alive() {
			return false
		}
		r.cond.Wait()
	}
	return true
}

// deliver hands held frames and then frames to the sink while h stays active.
// Whatever is left when h is deactivated is held for its next activation.
func (r *Router) deliver(h *Handle, frames []wire.Value) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	queue := frames
	if len(h.held) > 0 {
		queue = append(h.held, frames...)
		h.held = nil
	}

	for i, f := range queue {
		if !r.isActive(h.ID) {
			h.held = append([]wire.Value(nil), queue[i:]...)
			r.logger.Debug("holding frames for inactive instance", zap.Int("id", h.ID), zap.Int("frames", len(h.held)))
			return
		}
		if r.sink != nil {
			r.sink(f)
		}
	}
}

func (r *Router) isActive(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active == id
}

func (r *Router) watch(h *Handle) {
	code, err := h.process.Wait()
	if err != nil {
		r.logger.Debug("waiting for instance", zap.Int("id", h.ID), zap.Error(err))
	}
	r.handleExit(h, code)
}

// handleExit unbinds and forgets a dead instance. Calls still pending against
// it are left alone.
func (r *Router) handleExit(h *Handle, code int) {
	h.markDead(code)

	r.mu.Lock()
	delete(r.instances, h.ID)
	wasActive := r.active == h.ID
	if wasActive {
		r.active = 0
	}
	r.cond.Broadcast()
	handlers := append([]ExitHandler(nil), r.exitHandlers...)
	r.mu.Unlock()

	closeQuietly(h.process.Stdin())
	r.logger.Info("instance exited", zap.Int("id", h.ID), zap.Int("code", code), zap.Bool("active", wasActive))

	for _, fn := range handlers {
		fn(h.ID, code)
	}
	close(h.exited)
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}

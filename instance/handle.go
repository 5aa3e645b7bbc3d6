package instance

import (
	"sync"

	"github.com/touchX/veonim/wire"
)

// Dimensions is the UI grid size in cells
type Dimensions struct {
	Width  int
	Height int
}

// Handle represents one spawned instance
type Handle struct {
	// ID is assigned by the router, starting at 1
	ID int

	process Process
	// decoder is only touched by the pump goroutine
	decoder *wire.StreamDecoder
	// held frames were read but not yet delivered; guarded by Router.deliverMu
	held   []wire.Value
	exited chan struct{}

	mu       sync.Mutex
	attached bool
	alive    bool
	killed   bool
	address  string
	exitCode int
}

func newHandle(id int, p Process, limits wire.Limits) *Handle {
	return &Handle{
		ID:      id,
		process: p,
		decoder: wire.NewStreamDecoder(limits, nil),
		exited:  make(chan struct{}),
		alive:   true,
	}
}

// Process returns the underlying subprocess
func (h *Handle) Process() Process {
	return h.process
}

// Attached reports whether the UI has been attached to this instance
func (h *Handle) Attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached
}

// Alive reports whether the instance can still be used. It turns false as
// soon as the instance is killed, before the process has actually exited.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive && !h.killed
}

// Address is the server address the instance reported, empty until known
func (h *Handle) Address() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.address
}

// ExitCode is valid once Exited is closed
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Exited is closed after the exit handlers for this instance have run
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// markAttached returns false if the handle was already attached
func (h *Handle) markAttached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attached {
		return false
	}
	h.attached = true
	return true
}

func (h *Handle) setAddress(addr string) {
	h.mu.Lock()
	h.address = addr
	h.mu.Unlock()
}

func (h *Handle) markKilled() {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
}

func (h *Handle) markDead(code int) {
	h.mu.Lock()
	h.alive = false
	h.exitCode = code
	h.mu.Unlock()
}

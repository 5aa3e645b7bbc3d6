// Package veonim multiplexes several embedded Neovim instances behind one
// msgpack-RPC connection. One instance is active at a time; the UI attaches
// to it and every call goes to it.
package veonim

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/touchX/veonim/config"
	"github.com/touchX/veonim/instance"
	"github.com/touchX/veonim/rpc"
	"github.com/touchX/veonim/wire"
)

// NewInstance describes a freshly created instance
type NewInstance struct {
	ID      int
	Address string
}

// StartupErrorHandler receives the errors an instance printed while starting
type StartupErrorHandler func(id int, err error)

// ActionHandler receives the arguments of a :Veonim user command
type ActionHandler func(args []wire.Value)

// Manager creates instances, tracks which one is active and exposes the
// editor API against it.
type Manager struct {
	cfg    *config.Config
	base   *zap.Logger
	logger *zap.Logger

	spawner instance.Spawner
	router  *instance.Router
	conn    *rpc.Conn

	// switchMu keeps a switch and the catch-up of the new active instance together
	switchMu sync.Mutex

	mu              sync.Mutex
	startupHandlers []StartupErrorHandler
	actions         map[string][]ActionHandler
	// events every instance is subscribed to
	events map[string]struct{}
	// definitions are ex commands every instance runs once, in order
	definitions []string
	synced      map[int]*syncState
}

// syncState is how much of the shared setup an instance has received
type syncState struct {
	definitions int
	events      map[string]bool
}

// Option configures a Manager
type Option func(m *Manager)

// WithLogger sets the logger shared by the manager and its router and connection
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.base = l
		m.logger = l.Named("manager")
	}
}

// WithSpawner replaces the default editor spawner
func WithSpawner(s instance.Spawner) Option {
	return func(m *Manager) {
		m.spawner = s
	}
}

// New creates a Manager. A nil cfg means config.Default().
func New(cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &Manager{
		cfg:     cfg,
		base:    zap.NewNop(),
		logger:  zap.NewNop(),
		actions: make(map[string][]ActionHandler),
		events:  map[string]struct{}{actionEvent: {}},
		synced:  make(map[int]*syncState),
	}
	for _, o := range opts {
		o(m)
	}
	if m.spawner == nil {
		m.spawner = &editorSpawner{cfg: cfg}
	}

	m.router = instance.NewRouter(m.spawner, m.dispatch,
		instance.WithLogger(m.base),
		instance.WithLimits(cfg.Transport),
		instance.WithRefresher(m.refresh),
		instance.WithAttacher(m.attach),
	)
	m.conn = rpc.NewConn(m.router, rpc.WithLogger(m.base), rpc.WithLimits(cfg.Transport))
	m.conn.Subscribe(actionEvent, m.handleAction)
	m.router.OnExit(m.forget)

	// seed the dimensions used until the UI reports its own
	m.router.Resize(cfg.UI.Width, cfg.UI.Height)
	return m
}

func (m *Manager) dispatch(frame wire.Value) {
	m.conn.Dispatch(frame)
}

// refresh forces a redraw; a resize, even to the same size, makes the
// instance repaint the whole screen
func (m *Manager) refresh(d instance.Dimensions) {
	if err := m.conn.Notify("nvim_ui_try_resize", d.Width, d.Height); err != nil {
		m.logger.Warn("resizing instance", zap.Error(err))
	}
}

func (m *Manager) attach(h *instance.Handle, d instance.Dimensions) {
	if err := m.conn.Notify("nvim_ui_attach", d.Width, d.Height, m.cfg.UI.AttachOptions()); err != nil {
		m.logger.Warn("attaching ui", zap.Int("id", h.ID), zap.Error(err))
	}
}

// Create spawns an instance, makes it active and waits for it to finish
// starting. Errors the instance printed during startup go to the
// OnStartupError handlers; they do not fail Create. When startup fails the
// instance is killed and the previously active instance, if any, is made
// active again.
func (m *Manager) Create(ctx context.Context) (*NewInstance, error) {
	prev := m.router.ActiveID()
	h, err := m.router.Spawn()
	if err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}
	m.switchMu.Lock()
	m.router.SwitchActive(h.ID)
	m.switchMu.Unlock()

	if timeout := m.cfg.Neovim.StartupTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr, err := m.start(ctx, h.ID)
	if err != nil {
		m.abandon(h.ID, prev)
		return nil, fmt.Errorf("instance %d startup: %w", h.ID, err)
	}
	m.router.SetAddress(h.ID, addr)

	m.logger.Info("instance created", zap.Int("id", h.ID), zap.String("address", addr))
	return &NewInstance{ID: h.ID, Address: addr}, nil
}

// start brings the freshly activated instance id up to date and returns its
// server address
func (m *Manager) start(ctx context.Context, id int) (string, error) {
	messages, err := m.unblock(ctx)
	if err != nil {
		return "", err
	}
	if len(messages) > 0 {
		m.reportStartupErrors(id, startupErrors(messages))
	}

	if err := m.Command("let g:vn_loaded=1"); err != nil {
		return "", err
	}
	if err := m.syncActive(); err != nil {
		return "", err
	}

	addr, err := m.evalString(ctx, "v:servername")
	if err != nil {
		return "", fmt.Errorf("servername: %w", err)
	}
	return addr, nil
}

// abandon kills an instance that failed to start and restores prev
func (m *Manager) abandon(id, prev int) {
	if err := m.router.Kill(id); err != nil {
		m.logger.Warn("killing failed instance", zap.Int("id", id), zap.Error(err))
	}
	if prev != 0 && !m.Switch(prev) {
		m.logger.Debug("previous instance gone", zap.Int("id", prev))
	}
}

// Switch makes id the active instance and sends it any subscriptions and
// definitions registered while it was inactive. Unknown ids are ignored.
func (m *Manager) Switch(id int) bool {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	if !m.router.SwitchActive(id) {
		return false
	}
	if err := m.syncActiveLocked(); err != nil {
		m.logger.Warn("catching up instance", zap.Int("id", id), zap.Error(err))
	}
	return true
}

// Attach attaches the UI to id at the given dimensions, switching to it
// first. Attaching an already attached instance does nothing.
func (m *Manager) Attach(id int, dims instance.Dimensions) bool {
	if m.router.ActiveID() != id && !m.Switch(id) {
		return false
	}
	return m.router.Attach(id, dims)
}

// Resize records the UI size and forwards it to the active instance
func (m *Manager) Resize(width, height int) {
	m.router.Resize(width, height)
}

// OnExit registers a handler for instance exits
func (m *Manager) OnExit(fn instance.ExitHandler) {
	m.router.OnExit(fn)
}

// OnStartupError registers a handler for errors printed during startup
func (m *Manager) OnStartupError(fn StartupErrorHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startupHandlers = append(m.startupHandlers, fn)
}

// OnRedraw registers a handler for redraw batches
func (m *Manager) OnRedraw(fn func(batch []wire.Value)) func() {
	return m.conn.Subscribe("redraw", rpc.NotificationHandler(fn))
}

// Subscribe registers fn for event and asks the active instance to send it.
// Other instances are subscribed when they are created or next become active.
func (m *Manager) Subscribe(event string, fn rpc.NotificationHandler) (func(), error) {
	unsubscribe := m.conn.Subscribe(event, fn)

	m.mu.Lock()
	m.events[event] = struct{}{}
	m.mu.Unlock()

	return unsubscribe, m.syncActive()
}

// Instances returns the live instances ordered by id
func (m *Manager) Instances() []*instance.Handle {
	return m.router.Handles()
}

// Active returns the id of the active instance, 0 when none is active
func (m *Manager) Active() int {
	return m.router.ActiveID()
}

// Kill terminates an instance
func (m *Manager) Kill(id int) error {
	return m.router.Kill(id)
}

// Conn exposes the shared connection for calls not wrapped by the manager
func (m *Manager) Conn() *rpc.Conn {
	return m.conn
}

// Close fails pending calls and kills every instance
func (m *Manager) Close() error {
	return multierr.Combine(m.conn.Close(), m.router.Close())
}

// define records an ex command every instance runs once and runs it on the
// active instance
func (m *Manager) define(cmd string) error {
	m.mu.Lock()
	m.definitions = append(m.definitions, cmd)
	m.mu.Unlock()
	return m.syncActive()
}

func (m *Manager) syncActive() error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	return m.syncActiveLocked()
}

// syncActiveLocked sends the active instance the definitions and subscriptions
// it has not received yet. Caller must hold switchMu.
func (m *Manager) syncActiveLocked() error {
	id := m.router.ActiveID()
	if id == 0 {
		return nil
	}

	m.mu.Lock()
	st := m.synced[id]
	if st == nil {
		st = &syncState{events: make(map[string]bool)}
		m.synced[id] = st
	}
	definitions := append([]string(nil), m.definitions[st.definitions:]...)
	st.definitions = len(m.definitions)
	var events []string
	for e := range m.events {
		if !st.events[e] {
			st.events[e] = true
			events = append(events, e)
		}
	}
	m.mu.Unlock()
	sort.Strings(events)

	var err error
	for _, cmd := range definitions {
		err = multierr.Append(err, m.Command(cmd))
	}
	for _, e := range events {
		err = multierr.Append(err, m.conn.Notify("nvim_subscribe", e))
	}
	return err
}

func (m *Manager) forget(id, _ int) {
	m.mu.Lock()
	delete(m.synced, id)
	m.mu.Unlock()
}

func (m *Manager) reportStartupErrors(id int, err error) {
	m.logger.Warn("instance reported startup errors", zap.Int("id", id), zap.Errors("errors", multierr.Errors(err)))

	m.mu.Lock()
	handlers := append([]StartupErrorHandler(nil), m.startupHandlers...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(id, err)
	}
}

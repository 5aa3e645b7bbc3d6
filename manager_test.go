package veonim

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/touchX/veonim/config"
	"github.com/touchX/veonim/instance"
	"github.com/touchX/veonim/rpc"
	"github.com/touchX/veonim/wire"
)

const eventually = 2 * time.Second

// fakeNvim answers the subset of the editor API the manager uses
type fakeNvim struct {
	n        int
	blocking bool
	messages string
	// silent instances read requests but never answer them
	silent bool

	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter

	outMu sync.Mutex

	mu       sync.Mutex
	notes    []*rpc.Notification
	requests []string

	exit chan int
	once sync.Once
}

func newFakeNvim(n int) *fakeNvim {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	f := &fakeNvim{n: n, inR: inR, inW: inW, outR: outR, outW: outW, exit: make(chan int, 1)}
	go f.serve()
	return f
}

func (f *fakeNvim) Stdin() io.Writer  { return f.inW }
func (f *fakeNvim) Stdout() io.Reader { return f.outR }

func (f *fakeNvim) Wait() (int, error) {
	return <-f.exit, nil
}

func (f *fakeNvim) Kill() error {
	f.exitWith(-1)
	return nil
}

func (f *fakeNvim) exitWith(code int) {
	f.once.Do(func() {
		f.inR.Close()
		f.outW.Close()
		f.exit <- code
	})
}

func (f *fakeNvim) address() string {
	return fmt.Sprintf("/tmp/fake-%d.sock", f.n)
}

func (f *fakeNvim) serve() {
	r := wire.NewFrameReader(f.inR)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		msg, err := rpc.ParseMessage(frame)
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case *rpc.Notification:
			f.mu.Lock()
			f.notes = append(f.notes, m)
			f.mu.Unlock()
		case *rpc.Request:
			f.mu.Lock()
			f.requests = append(f.requests, m.Method)
			f.mu.Unlock()
			if f.silent {
				continue
			}

			errValue, result := f.answer(m)
			resp, err := rpc.EncodeResponse(m.ID, errValue, result)
			if err != nil {
				panic(err)
			}
			f.write(resp)
		}
	}
}

func (f *fakeNvim) answer(m *rpc.Request) (any, any) {
	arg := func(i int) string {
		if i >= len(m.Params) {
			return ""
		}
		s, _ := m.Params[i].AsString()
		return s
	}

	switch m.Method {
	case "nvim_get_mode":
		return nil, map[string]any{"mode": "n", "blocking": f.blocking}
	case "nvim_command_output":
		if arg(0) == "messages" {
			return nil, f.messages
		}
		return nil, "output of " + arg(0)
	case "nvim_eval":
		expr := arg(0)
		switch {
		case expr == "v:servername":
			return nil, f.address()
		case expr == "throw":
			return []any{0, "Vim:E121: Undefined variable: throw"}, nil
		case strings.Contains(expr, `"fg#"`):
			return nil, "#c0ffee"
		case strings.Contains(expr, `"bg#"`):
			return nil, "#101010"
		}
		return nil, expr
	case "nvim_get_var":
		return nil, arg(0) + "-value"
	case "nvim_call_function":
		return nil, wire.Array(m.Params...)
	case "nvim_get_current_line":
		return nil, "current line"
	}
	return []any{0, "unknown method " + m.Method}, nil
}

func (f *fakeNvim) write(p []byte) error {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	_, err := f.outW.Write(p)
	return err
}

// emit sends a notification; it blocks until the instance is read from
func (f *fakeNvim) emit(method string, params ...any) {
	frame, err := rpc.EncodeNotification(method, params)
	if err != nil {
		panic(err)
	}
	go f.write(frame)
}

// sawNote reports whether a notification with the given rendered params arrived
func (f *fakeNvim) sawNote(method, params string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notes {
		if n.Method == method && wire.Array(n.Params...).String() == params {
			return true
		}
	}
	return false
}

func (f *fakeNvim) notesFor(method string) [][]wire.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]wire.Value
	for _, n := range f.notes {
		if n.Method == method {
			out = append(out, n.Params)
		}
	}
	return out
}

type testEnv struct {
	manager *Manager

	mu    sync.Mutex
	fakes []*fakeNvim
	// setup runs on each fake before it starts serving requests
	setup func(f *fakeNvim)
}

func newTestEnv(t *testing.T, setup func(f *fakeNvim)) *testEnv {
	t.Helper()
	env := &testEnv{setup: setup}

	cfg := config.Default()
	cfg.Neovim.StartupTimeout = eventually
	cfg.UI.Width, cfg.UI.Height = 100, 40

	spawner := instance.SpawnerFunc(func() (instance.Process, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		f := newFakeNvim(len(env.fakes) + 1)
		if env.setup != nil {
			env.setup(f)
		}
		env.fakes = append(env.fakes, f)
		return f, nil
	})
	env.manager = New(cfg, WithSpawner(spawner))
	t.Cleanup(func() { env.manager.Close() })
	return env
}

func (e *testEnv) fake(i int) *fakeNvim {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fakes[i]
}

func (e *testEnv) create(t *testing.T) *NewInstance {
	t.Helper()
	inst, err := e.manager.Create(context.Background())
	require.NoError(t, err)
	return inst
}

// TEST601: Create switches to the new instance, marks it loaded and records its address
func Test601_create(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.create(t)

	assert.Equal(t, 1, inst.ID)
	assert.Equal(t, "/tmp/fake-1.sock", inst.Address)
	assert.Equal(t, 1, env.manager.Active())

	handles := env.manager.Instances()
	require.Len(t, handles, 1)
	assert.Equal(t, inst.Address, handles[0].Address())

	f := env.fake(0)
	require.Eventually(t, func() bool {
		return f.sawNote("nvim_command", `["let g:vn_loaded=1"]`) && f.sawNote("nvim_subscribe", `["veonim"]`)
	}, eventually, 5*time.Millisecond)
}

// TEST602: a blocked startup is unblocked and its messages reported as errors
func Test602_create_reports_startup_errors(t *testing.T) {
	env := newTestEnv(t, func(f *fakeNvim) {
		f.blocking = true
		f.messages = "\nError detected while processing init.vim:\nE492: Not an editor command: bogus\n"
	})

	var gotID int
	var gotErr error
	env.manager.OnStartupError(func(id int, err error) {
		gotID, gotErr = id, err
	})

	inst := env.create(t)
	assert.Equal(t, inst.ID, gotID)
	require.Error(t, gotErr)

	errs := multierr.Errors(gotErr)
	require.Len(t, errs, 2)
	assert.Equal(t, "Error detected while processing init.vim:", errs[0].Error())
	assert.Equal(t, "E492: Not an editor command: bogus", errs[1].Error())

	f := env.fake(0)
	require.Eventually(t, func() bool { return f.sawNote("nvim_input", `["<Enter>"]`) }, eventually, 5*time.Millisecond)
}

// TEST603: calls go to whichever instance is active
func Test603_calls_follow_active_instance(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t)
	b := env.create(t)
	ctx := context.Background()

	assert.Equal(t, b.ID, env.manager.Active())
	name, err := env.manager.evalString(ctx, "v:servername")
	require.NoError(t, err)
	assert.Equal(t, b.Address, name)

	require.True(t, env.manager.Switch(a.ID))
	name, err = env.manager.evalString(ctx, "v:servername")
	require.NoError(t, err)
	assert.Equal(t, a.Address, name)

	assert.False(t, env.manager.Switch(42))
	assert.Equal(t, a.ID, env.manager.Active())
}

// TEST604: attach sends nvim_ui_attach once and switching back refreshes the screen
func Test604_attach_and_refresh(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t)
	b := env.create(t)
	fa := env.fake(0)

	require.True(t, env.manager.Attach(a.ID, instance.Dimensions{Width: 120, Height: 50}))
	assert.False(t, env.manager.Attach(a.ID, instance.Dimensions{Width: 1, Height: 1}))
	assert.Equal(t, a.ID, env.manager.Active())

	require.Eventually(t, func() bool { return len(fa.notesFor("nvim_ui_attach")) == 1 }, eventually, 5*time.Millisecond)
	params := fa.notesFor("nvim_ui_attach")[0]
	require.Len(t, params, 3)
	assert.True(t, wire.Equal(wire.Int(120), params[0]))
	assert.True(t, wire.Equal(wire.Int(50), params[1]))
	rgb, ok := params[2].Lookup("rgb")
	require.True(t, ok)
	assert.True(t, wire.Equal(wire.Bool(true), rgb))
	cmdline, ok := params[2].Lookup("ext_cmdline")
	require.True(t, ok)
	assert.True(t, wire.Equal(wire.Bool(false), cmdline))

	require.True(t, env.manager.Switch(b.ID))
	require.True(t, env.manager.Switch(a.ID))
	require.Eventually(t, func() bool { return fa.sawNote("nvim_ui_try_resize", "[120, 50]") }, eventually, 5*time.Millisecond)
	assert.Len(t, fa.notesFor("nvim_ui_attach"), 1)
}

// TEST605: resize is forwarded to the active instance
func Test605_resize(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	env.manager.Resize(90, 30)
	f := env.fake(0)
	require.Eventually(t, func() bool { return f.sawNote("nvim_ui_try_resize", "[90, 30]") }, eventually, 5*time.Millisecond)
}

// TEST606: redraw notifications reach OnRedraw handlers
func Test606_on_redraw(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	got := make(chan []wire.Value, 1)
	env.manager.OnRedraw(func(batch []wire.Value) { got <- batch })

	env.fake(0).emit("redraw", []any{"flush"})

	select {
	case batch := <-got:
		assert.Equal(t, `[["flush"]]`, wire.Array(batch...).String())
	case <-time.After(eventually):
		t.Fatal("redraw not delivered")
	}
}

// TEST607: API helpers map to the editor methods
func Test607_api_helpers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	ctx := context.Background()
	f := env.fake(0)

	out, err := env.manager.CommandOutput(ctx, "version")
	require.NoError(t, err)
	assert.Equal(t, "output of version", out)

	v, err := env.manager.CallFunction(ctx, "abs", -3)
	require.NoError(t, err)
	assert.Equal(t, `["abs", [-3]]`, v.String())

	v, err = env.manager.CallFunction(ctx, "localtime")
	require.NoError(t, err)
	assert.Equal(t, `["localtime", []]`, v.String())

	v, err = env.manager.GetVar(ctx, "colors_name")
	require.NoError(t, err)
	assert.True(t, wire.Equal(wire.Str("colors_name-value"), v))

	line, err := env.manager.GetCurrentLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "current line", line)

	require.NoError(t, env.manager.SetVar("vn_cmd_completions", "a\nb"))
	require.NoError(t, env.manager.Input("ihello<Esc>"))
	require.Eventually(t, func() bool {
		return f.sawNote("nvim_set_var", `["vn_cmd_completions", "a\nb"]`) && f.sawNote("nvim_input", `["ihello<Esc>"]`)
	}, eventually, 5*time.Millisecond)
}

// TEST608: GetColor resolves both halves of a highlight group
func Test608_get_color(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	color, err := env.manager.GetColor(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, Color{Fg: "#c0ffee", Bg: "#101010"}, color)
}

// TEST609: an error response surfaces as a ResponseError
func Test609_error_response(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	_, err := env.manager.Eval(context.Background(), "throw")
	var rerr *rpc.ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Message, "E121")
}

// TEST610: exits are reported and the instance is forgotten
func Test610_exit(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t)
	b := env.create(t)

	exits := make(chan [2]int, 1)
	env.manager.OnExit(func(id, code int) { exits <- [2]int{id, code} })

	env.fake(1).exitWith(0)
	select {
	case e := <-exits:
		assert.Equal(t, [2]int{b.ID, 0}, e)
	case <-time.After(eventually):
		t.Fatal("exit not reported")
	}

	assert.Equal(t, 0, env.manager.Active())
	handles := env.manager.Instances()
	require.Len(t, handles, 1)
	assert.Equal(t, a.ID, handles[0].ID)
	assert.False(t, env.manager.Switch(b.ID))
	assert.True(t, env.manager.Switch(a.ID))
}

// TEST611: :Veonim commands reach OnAction handlers with their arguments
func Test611_actions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	got := make(chan []wire.Value, 1)
	env.manager.OnAction("files", func(args []wire.Value) { got <- args })

	env.fake(0).emit("veonim", "files", []any{"src", 2})

	select {
	case args := <-got:
		assert.Equal(t, `["src", 2]`, wire.Array(args...).String())
	case <-time.After(eventually):
		t.Fatal("action not delivered")
	}
}

// TEST612: subscriptions are replayed on instances created later
func Test612_subscriptions_replayed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	_, err := env.manager.Subscribe("buffer:changed", func([]wire.Value) {})
	require.NoError(t, err)
	fa := env.fake(0)
	require.Eventually(t, func() bool { return fa.sawNote("nvim_subscribe", `["buffer:changed"]`) }, eventually, 5*time.Millisecond)

	env.create(t)
	fb := env.fake(1)
	require.Eventually(t, func() bool {
		return fb.sawNote("nvim_subscribe", `["buffer:changed"]`) && fb.sawNote("nvim_subscribe", `["veonim"]`)
	}, eventually, 5*time.Millisecond)
}

// TEST613: DefineFunction and Autocmd reach the active instance and every instance created later
func Test613_define_and_autocmd(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	require.NoError(t, env.manager.DefineFunction("vn-hello", "echo \"hi\"\nreturn 1\n"))
	_, err := env.manager.Autocmd("buf-enter", func([]wire.Value) {})
	require.NoError(t, err)

	want := `exe ":fun! VnHello(...) range\necho \"hi\"\nreturn 1\nendfun"`
	defined := func(f *fakeNvim) bool {
		for _, p := range f.notesFor("nvim_command") {
			if s, _ := p[0].AsString(); s == want {
				return f.sawNote("nvim_command", `["au Veonim BufEnter * call rpcnotify(0, 'autocmd:BufEnter')"]`) &&
					f.sawNote("nvim_subscribe", `["autocmd:BufEnter"]`)
			}
		}
		return false
	}
	fa := env.fake(0)
	require.Eventually(t, func() bool { return defined(fa) }, eventually, 5*time.Millisecond)

	env.create(t)
	fb := env.fake(1)
	require.Eventually(t, func() bool { return defined(fb) }, eventually, 5*time.Millisecond)

	// each definition runs once per instance
	require.True(t, env.manager.Switch(1))
	require.True(t, env.manager.Switch(2))
	_, err = env.manager.CommandOutput(context.Background(), "echo")
	require.NoError(t, err)
	assert.Len(t, fb.notesFor("nvim_command"), 3)
}

// TEST614: startup messages become one error per non-empty line
func Test614_startup_errors(t *testing.T) {
	err := startupErrors([]string{"E1", "E2"})
	assert.Len(t, multierr.Errors(err), 2)
	assert.NoError(t, startupErrors(nil))
	assert.Equal(t, "BufEnter", pascalCase("buf-enter"))
	assert.Equal(t, "CursorMovedI", pascalCase("cursorMovedI"))
}

// TEST615: the default spawner passes the startup commands and a fresh socket
func Test615_startup_args(t *testing.T) {
	cfg := config.Default()
	args := append(startupArgs(), cfg.CommandArgs(cfg.ListenAddress())...)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "let g:vn_loaded = 0")
	assert.Contains(t, joined, "--embed --listen ")
	assert.Contains(t, joined, "com! -nargs=* Plug 1")
}

// TEST616: an instance that never finishes starting is killed and the previous one restored
func Test616_create_timeout_restores_previous(t *testing.T) {
	env := newTestEnv(t, func(f *fakeNvim) { f.silent = f.n == 2 })
	a := env.create(t)
	env.manager.cfg.Neovim.StartupTimeout = 100 * time.Millisecond

	exited := make(chan int, 1)
	env.manager.OnExit(func(id, _ int) { exited <- id })

	_, err := env.manager.Create(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, a.ID, env.manager.Active())

	select {
	case id := <-exited:
		assert.Equal(t, 2, id)
	case <-time.After(eventually):
		t.Fatal("failed instance was not killed")
	}
	handles := env.manager.Instances()
	require.Len(t, handles, 1)
	assert.Equal(t, a.ID, handles[0].ID)
	assert.Equal(t, 0, env.manager.Conn().Pending())

	name, err := env.manager.evalString(context.Background(), "v:servername")
	require.NoError(t, err)
	assert.Equal(t, a.Address, name)
}

// TEST617: with no previous instance a failed create leaves nothing active
func Test617_create_timeout_first_instance(t *testing.T) {
	env := newTestEnv(t, func(f *fakeNvim) { f.silent = true })
	env.manager.cfg.Neovim.StartupTimeout = 100 * time.Millisecond

	_, err := env.manager.Create(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, env.manager.Active())
	require.Eventually(t, func() bool { return len(env.manager.Instances()) == 0 }, eventually, 5*time.Millisecond)
}

// TEST618: a subscription made while an instance is inactive reaches it when it becomes active
func Test618_subscription_reaches_inactive_instance(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t)
	env.create(t)
	fa, fb := env.fake(0), env.fake(1)

	_, err := env.manager.Subscribe("buffer:changed", func([]wire.Value) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fb.sawNote("nvim_subscribe", `["buffer:changed"]`) }, eventually, 5*time.Millisecond)
	assert.False(t, fa.sawNote("nvim_subscribe", `["buffer:changed"]`))

	require.True(t, env.manager.Switch(a.ID))
	require.Eventually(t, func() bool { return fa.sawNote("nvim_subscribe", `["buffer:changed"]`) }, eventually, 5*time.Millisecond)

	// switching again does not repeat it
	require.True(t, env.manager.Switch(2))
	require.True(t, env.manager.Switch(a.ID))
	_, err = env.manager.CommandOutput(context.Background(), "echo")
	require.NoError(t, err)
	n := 0
	for _, p := range fa.notesFor("nvim_subscribe") {
		if s, _ := p[0].AsString(); s == "buffer:changed" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

package veonim

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/touchX/veonim/rpc"
	"github.com/touchX/veonim/wire"
)

// Color holds the gui colors of a highlight group as "#rrggbb", empty when unset
type Color struct {
	Fg string
	Bg string
}

// Input sends keys to the active instance
func (m *Manager) Input(keys string) error {
	return m.conn.Notify("nvim_input", keys)
}

// Command runs an ex command without waiting for it
func (m *Manager) Command(cmd string) error {
	return m.conn.Notify("nvim_command", cmd)
}

// CommandOutput runs an ex command and returns what it printed
func (m *Manager) CommandOutput(ctx context.Context, cmd string) (string, error) {
	v, err := m.conn.Call(ctx, "nvim_command_output", cmd)
	if err != nil {
		return "", err
	}
	s, _ := v.AsString()
	return s, nil
}

// Eval evaluates a vimscript expression
func (m *Manager) Eval(ctx context.Context, expr string) (wire.Value, error) {
	return m.conn.Call(ctx, "nvim_eval", expr)
}

// CallFunction calls a vimscript function
func (m *Manager) CallFunction(ctx context.Context, name string, args ...any) (wire.Value, error) {
	if args == nil {
		args = []any{}
	}
	return m.conn.Call(ctx, "nvim_call_function", name, args)
}

// GetVar reads a global variable
func (m *Manager) GetVar(ctx context.Context, name string) (wire.Value, error) {
	return m.conn.Call(ctx, "nvim_get_var", name)
}

// SetVar sets a global variable without waiting
func (m *Manager) SetVar(name string, value any) error {
	return m.conn.Notify("nvim_set_var", name, value)
}

// GetCurrentLine returns the line under the cursor
func (m *Manager) GetCurrentLine(ctx context.Context) (string, error) {
	v, err := m.conn.Call(ctx, "nvim_get_current_line")
	if err != nil {
		return "", err
	}
	s, _ := v.AsString()
	return s, nil
}

// GetColor looks up the foreground and background of highlight group id.
// Both lookups run concurrently. A failed lookup leaves its field empty and
// the first failure is returned.
func (m *Manager) GetColor(ctx context.Context, id int) (Color, error) {
	var color Color
	var g errgroup.Group
	for _, part := range []struct {
		attr string
		dst  *string
	}{
		{"fg#", &color.Fg},
		{"bg#", &color.Bg},
	} {
		part := part
		g.Go(func() error {
			v, err := m.Eval(ctx, fmt.Sprintf(`synIDattr(synIDtrans(%d), "%s")`, id, part.attr))
			if err != nil {
				return err
			}
			*part.dst, _ = v.AsString()
			return nil
		})
	}
	err := g.Wait()
	return color, err
}

// OnAction registers a handler for ":Veonim <event> args..." commands
func (m *Manager) OnAction(event string, fn ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[event] = append(m.actions[event], fn)
}

func (m *Manager) handleAction(params []wire.Value) {
	if len(params) == 0 {
		return
	}
	event, ok := params[0].AsString()
	if !ok {
		m.logger.Debug("action without a name", zap.Stringer("params", wire.Array(params...)))
		return
	}

	var args []wire.Value
	if len(params) > 1 {
		args = params[1].Items
	}

	m.mu.Lock()
	handlers := append([]ActionHandler(nil), m.actions[event]...)
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.logger.Debug("no handler for action", zap.String("event", event))
	}
	for _, fn := range handlers {
		fn(args)
	}
}

// DefineFunction defines a range function on every instance, now on the
// active one and on the others when they are created or next become active.
// The name is converted to PascalCase as vimscript requires for global
// functions.
func (m *Manager) DefineFunction(name, body string) error {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	expr := strings.ReplaceAll(strings.Join(lines, `\n`), `"`, `\"`)
	return m.define(fmt.Sprintf(`exe ":fun! %s(...) range\n%s\nendfun"`, pascalCase(name), expr))
}

// Autocmd runs fn whenever the autocommand event fires on any instance. Like
// DefineFunction, the autocommand reaches every instance.
func (m *Manager) Autocmd(event string, fn rpc.NotificationHandler) (func(), error) {
	ev := pascalCase(event)
	method := "autocmd:" + ev
	if err := m.define(fmt.Sprintf("au Veonim %s * call rpcnotify(0, '%s')", ev, method)); err != nil {
		return nil, err
	}
	return m.Subscribe(method, fn)
}

func pascalCase(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if r == '-' || r == '_' || r == ' ' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

package veonim

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/touchX/veonim/config"
	"github.com/touchX/veonim/instance"
)

const actionEvent = "veonim"

// startupCommands run before any user config is sourced
var startupCommands = []string{
	"let g:veonim = 1",
	"let g:vn_loaded = 0",
	"let g:vn_cmd_completions = ''",
	"let g:vn_rpc_buf = []",
	"let g:vn_platform = '" + runtime.GOOS + "'",
	"let g:vn_events = {}",
	"augroup Veonim",
	"augroup END",
}

func startupArgs() []string {
	return []string{
		"--cmd", strings.Join(startupCommands, " | "),
		"--cmd", `exe ":fun! Veonim(...)\n call rpcnotify(0, 'veonim', a:1, a:000[1:])\nendfun"`,
		"--cmd", `exe ":fun! VeonimCmdCompletions(...)\n return g:vn_cmd_completions\nendfun"`,
		"--cmd", "com! -nargs=* Plug 1",
		"--cmd", "com! -nargs=+ -range -complete=custom,VeonimCmdCompletions Veonim if g:vn_loaded | call Veonim(<f-args>) | else | call add(g:vn_rpc_buf, [<f-args>]) | endif",
	}
}

// editorSpawner starts nvim with its own server socket
type editorSpawner struct {
	cfg *config.Config
}

func (s *editorSpawner) Spawn() (instance.Process, error) {
	addr := s.cfg.ListenAddress()
	cmd := &instance.CommandSpawner{
		Path: s.cfg.Neovim.Path,
		Args: append(startupArgs(), s.cfg.CommandArgs(addr)...),
		Dir:  s.cfg.Neovim.Dir,
		Env:  s.cfg.Neovim.Env,
	}
	return cmd.Spawn()
}

// unblock gets a freshly started instance past a hit-enter prompt. When the
// instance was blocked, the lines it printed are returned.
func (m *Manager) unblock(ctx context.Context) ([]string, error) {
	mode, err := m.conn.Call(ctx, "nvim_get_mode")
	if err != nil {
		return nil, err
	}

	blocking := false
	if v, ok := mode.Lookup("blocking"); ok {
		blocking, _ = v.AsBool()
	}
	if !blocking {
		return nil, nil
	}

	m.logger.Debug("instance blocked during startup")

	// nvim_input is handled while blocked, a command is not
	if err := m.Input("<Enter>"); err != nil {
		return nil, err
	}

	out, err := m.CommandOutput(ctx, "messages")
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		lines = []string{"instance blocked during startup"}
	}
	return lines, nil
}

// startupErrors aggregates startup messages, one error per line
func startupErrors(lines []string) error {
	var err error
	for _, line := range lines {
		err = multierr.Append(err, errors.New(line))
	}
	return err
}

func (m *Manager) evalString(ctx context.Context, expr string) (string, error) {
	v, err := m.Eval(ctx, expr)
	if err != nil {
		return "", err
	}
	s, ok := v.AsString()
	if !ok {
		m.logger.Debug("eval returned a non-string", zap.String("expr", expr), zap.Stringer("value", v))
		return "", fmt.Errorf("%s: expected a string, got %s", expr, v)
	}
	return s, nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/touchX/veonim/wire"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veonim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TEST501: defaults are valid and carry the ui attach options
func Test501_defaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nvim", cfg.Neovim.Path)
	assert.Equal(t, wire.DefaultMaxFrame, cfg.Transport.Effective())
	assert.Equal(t, map[string]any{
		"rgb":           true,
		"ext_popupmenu": true,
		"ext_tabline":   true,
		"ext_wildmenu":  false,
		"ext_cmdline":   false,
	}, cfg.UI.AttachOptions())
}

// TEST502: a file overrides only the fields it names
func Test502_load_file_merges_defaults(t *testing.T) {
	t.Setenv("VEONIM_TEST_DIR", "/srv/sockets")
	path := writeConfig(t, `
neovim:
  path: /opt/nvim/bin/nvim
  args: ["-u", "NONE"]
  listen_dir: ${VEONIM_TEST_DIR}
  startup_timeout: 3s
ui:
  width: 120
transport:
  max_frame: 1024
log:
  level: debug
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/nvim/bin/nvim", cfg.Neovim.Path)
	assert.Equal(t, []string{"-u", "NONE"}, cfg.Neovim.Args)
	assert.Equal(t, "/srv/sockets", cfg.Neovim.ListenDir)
	assert.Equal(t, 3*time.Second, cfg.Neovim.StartupTimeout)
	assert.Equal(t, 120, cfg.UI.Width)
	assert.Equal(t, 24, cfg.UI.Height)
	assert.True(t, cfg.UI.RGB)
	assert.Equal(t, 1024, cfg.Transport.MaxFrame)
	assert.Equal(t, "debug", cfg.Log.Level)
}

// TEST503: Load falls back to VEONIM_CONFIG, then to defaults
func Test503_load_sources(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := writeConfig(t, "ui:\n  height: 50\n")
	t.Setenv(EnvConfig, path)
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.UI.Height)
}

// TEST504: Validate reports every problem at once
func Test504_validate_collects_errors(t *testing.T) {
	cfg := Default()
	cfg.Neovim.Path = ""
	cfg.UI.Width = 0
	cfg.Log.Level = "loud"
	cfg.Transport.MaxFrame = wire.MaxFrameHardLimit + 1

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"neovim.path", "ui dimensions", "log.level", "transport.max_frame"} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}

// TEST505: malformed yaml and missing files are errors
func Test505_load_errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFile(writeConfig(t, "ui: [unclosed"))
	assert.Error(t, err)
}

// TEST506: every instance gets its own socket under the listen dir
func Test506_listen_address(t *testing.T) {
	cfg := Default()
	cfg.Neovim.ListenDir = "/run/veonim"
	cfg.Neovim.Args = []string{"--clean"}

	a := cfg.ListenAddress()
	b := cfg.ListenAddress()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "/run/veonim/veonim-"))
	assert.True(t, strings.HasSuffix(a, ".sock"))

	assert.Equal(t, []string{"--embed", "--listen", a, "--clean"}, cfg.CommandArgs(a))
}

// TEST507: NewLogger honours level and rejects unknown names
func Test507_new_logger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn", Development: true})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger(LogConfig{Level: "chatty"})
	assert.Error(t, err)
}

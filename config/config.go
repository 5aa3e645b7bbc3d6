// Package config loads the veonim configuration.
//
// The file is read from the path given with --config, or from the
// VEONIM_CONFIG environment variable. Without either the defaults are used.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/touchX/veonim/wire"
)

// EnvConfig names the environment variable holding the config file path
const EnvConfig = "VEONIM_CONFIG"

// Config is the complete veonim configuration.
type Config struct {
	// Neovim configures how instances are started.
	Neovim NeovimConfig `yaml:"neovim"`

	// UI configures the attached UI.
	UI UIConfig `yaml:"ui"`

	// Transport bounds the frames exchanged with instances.
	Transport wire.Limits `yaml:"transport"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log"`
}

// NeovimConfig configures the spawned editor processes.
type NeovimConfig struct {
	// Path is the editor executable.
	// Default: nvim
	Path string `yaml:"path"`

	// Args are passed after --embed and --listen.
	Args []string `yaml:"args"`

	// Dir is the working directory of spawned instances.
	Dir string `yaml:"dir"`

	// Env entries (KEY=VALUE) are added to the inherited environment.
	Env []string `yaml:"env"`

	// ListenDir holds the per-instance server sockets.
	// Default: the system temp directory
	ListenDir string `yaml:"listen_dir"`

	// StartupTimeout bounds the startup exchange of a new instance.
	// Default: 10s
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// UIConfig holds the dimensions and ui options sent with nvim_ui_attach.
type UIConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	RGB          bool `yaml:"rgb"`
	ExtPopupmenu bool `yaml:"ext_popupmenu"`
	ExtTabline   bool `yaml:"ext_tabline"`
	ExtWildmenu  bool `yaml:"ext_wildmenu"`
	ExtCmdline   bool `yaml:"ext_cmdline"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Development selects the human readable console encoder.
	Development bool `yaml:"development"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Neovim: NeovimConfig{
			Path:           "nvim",
			ListenDir:      os.TempDir(),
			StartupTimeout: 10 * time.Second,
		},
		UI: UIConfig{
			Width:        80,
			Height:       24,
			RGB:          true,
			ExtPopupmenu: true,
			ExtTabline:   true,
			ExtWildmenu:  false,
			ExtCmdline:   false,
		},
		Transport: wire.DefaultLimits(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, falling back to VEONIM_CONFIG. With
// neither set the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merged over the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Neovim.Path = os.ExpandEnv(c.Neovim.Path)
	c.Neovim.Dir = os.ExpandEnv(c.Neovim.Dir)
	c.Neovim.ListenDir = os.ExpandEnv(c.Neovim.ListenDir)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var err error

	if c.Neovim.Path == "" {
		err = multierr.Append(err, fmt.Errorf("neovim.path is required"))
	}
	if c.Neovim.ListenDir == "" {
		err = multierr.Append(err, fmt.Errorf("neovim.listen_dir is required"))
	}
	if c.Neovim.StartupTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("neovim.startup_timeout must not be negative"))
	}
	if c.UI.Width <= 0 || c.UI.Height <= 0 {
		err = multierr.Append(err, fmt.Errorf("ui dimensions must be positive, got %dx%d", c.UI.Width, c.UI.Height))
	}
	if c.Transport.MaxFrame > wire.MaxFrameHardLimit {
		err = multierr.Append(err, fmt.Errorf("transport.max_frame %d exceeds hard limit %d", c.Transport.MaxFrame, wire.MaxFrameHardLimit))
	}
	if _, lerr := zap.ParseAtomicLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}

	return err
}

// ListenAddress returns a fresh server socket path for a new instance
func (c *Config) ListenAddress() string {
	return filepath.Join(c.Neovim.ListenDir, "veonim-"+uuid.NewString()+".sock")
}

// CommandArgs returns the editor arguments for an instance listening on addr
func (c *Config) CommandArgs(addr string) []string {
	args := []string{"--embed", "--listen", addr}
	return append(args, c.Neovim.Args...)
}

// AttachOptions returns the option map sent with nvim_ui_attach
func (u UIConfig) AttachOptions() map[string]any {
	return map[string]any{
		"rgb":           u.RGB,
		"ext_popupmenu": u.ExtPopupmenu,
		"ext_tabline":   u.ExtTabline,
		"ext_wildmenu":  u.ExtWildmenu,
		"ext_cmdline":   u.ExtCmdline,
	}
}

// NewLogger builds a zap logger for the configured level and encoding
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level := "info"
	if c.Level != "" {
		level = c.Level
	}
	atom, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = atom

	return zc.Build()
}

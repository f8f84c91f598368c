// Package config loads micad.toml. Keys the file leaves out keep the values
// from Default.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/micad/internal/faults"
	"github.com/danmuck/micad/internal/protocol"
)

const (
	BackendShell    = "shell"
	BackendPedestal = "pedestal"

	DefaultRuntimeDir   = "/run/mica"
	DefaultCreateSocket = "mica-create.socket"

	socketSuffix = ".socket"
)

type Config struct {
	RuntimeDir   string
	CreateSocket string
	Backend      string
	WireLayout   string
	Backlog      int
	WaitTimeout  time.Duration
	ConnTimeout  time.Duration
	GracePeriod  time.Duration
	PollInterval time.Duration
	GdbPort      int
	DevAliasDir  string

	Shell    ShellConfig
	Pedestal PedestalConfig
	Log      LogConfig
}

type ShellConfig struct {
	Command []string
}

type PedestalConfig struct {
	XL             string
	Jailhouse      string
	Gdbsx          string
	XenstoreRead   string
	RemoteprocRoot string
}

type LogConfig struct {
	Level     string
	Timestamp *bool
	NoColor   *bool
}

func Default() Config {
	return Config{
		RuntimeDir:   DefaultRuntimeDir,
		CreateSocket: DefaultCreateSocket,
		Backend:      BackendPedestal,
		WireLayout:   protocol.CurrentLayout.Name,
		Backlog:      16,
		WaitTimeout:  200 * time.Millisecond,
		ConnTimeout:  5 * time.Second,
		GracePeriod:  time.Second,
		PollInterval: 100 * time.Millisecond,
		GdbPort:      protocol.DefaultGdbPort,
		Shell:        ShellConfig{Command: []string{"/bin/sh", "-i"}},
		Pedestal: PedestalConfig{
			XL:             "xl",
			Jailhouse:      "jailhouse",
			Gdbsx:          "gdbsx",
			XenstoreRead:   "xenstore-read",
			RemoteprocRoot: "/sys/class/remoteproc",
		},
	}
}

// micad.toml key mapping.
type fileConfig struct {
	RuntimeDir   string `toml:"runtime_dir"`
	CreateSocket string `toml:"create_socket"`
	Backend      string `toml:"backend"`
	WireLayout   string `toml:"wire_layout"`
	Backlog      int    `toml:"listen_backlog"`
	WaitTimeout  string `toml:"wait_timeout"`
	ConnTimeout  string `toml:"conn_timeout"`
	GracePeriod  string `toml:"grace_period"`
	PollInterval string `toml:"poll_interval"`
	GdbPort      int    `toml:"gdb_port"`
	DevAliasDir  string `toml:"dev_alias_dir"`

	Shell struct {
		Command []string `toml:"command"`
	} `toml:"shell"`
	Pedestal struct {
		XL             string `toml:"xl"`
		Jailhouse      string `toml:"jailhouse"`
		Gdbsx          string `toml:"gdbsx"`
		XenstoreRead   string `toml:"xenstore_read"`
		RemoteprocRoot string `toml:"remoteproc_root"`
	} `toml:"pedestal"`
	Log struct {
		Level     string `toml:"level"`
		Timestamp bool   `toml:"timestamp"`
		NoColor   bool   `toml:"no_color"`
	} `toml:"log"`
}

// Load overlays path onto Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w: %v", path, faults.ErrInvalidConfig, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %q: %w", path, undecoded[0].String(), faults.ErrInvalidConfig)
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("runtime_dir", &cfg.RuntimeDir, raw.RuntimeDir)
	setString("create_socket", &cfg.CreateSocket, raw.CreateSocket)
	setString("backend", &cfg.Backend, raw.Backend)
	setString("wire_layout", &cfg.WireLayout, raw.WireLayout)
	setString("dev_alias_dir", &cfg.DevAliasDir, raw.DevAliasDir)
	setString("pedestal.xl", &cfg.Pedestal.XL, raw.Pedestal.XL)
	setString("pedestal.jailhouse", &cfg.Pedestal.Jailhouse, raw.Pedestal.Jailhouse)
	setString("pedestal.gdbsx", &cfg.Pedestal.Gdbsx, raw.Pedestal.Gdbsx)
	setString("pedestal.xenstore_read", &cfg.Pedestal.XenstoreRead, raw.Pedestal.XenstoreRead)
	setString("pedestal.remoteproc_root", &cfg.Pedestal.RemoteprocRoot, raw.Pedestal.RemoteprocRoot)
	setString("log.level", &cfg.Log.Level, raw.Log.Level)

	if meta.IsDefined("listen_backlog") {
		cfg.Backlog = raw.Backlog
	}
	if meta.IsDefined("gdb_port") {
		cfg.GdbPort = raw.GdbPort
	}
	if meta.IsDefined("shell", "command") {
		cfg.Shell.Command = raw.Shell.Command
	}
	if meta.IsDefined("log", "timestamp") {
		v := raw.Log.Timestamp
		cfg.Log.Timestamp = &v
	}
	if meta.IsDefined("log", "no_color") {
		v := raw.Log.NoColor
		cfg.Log.NoColor = &v
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"wait_timeout", raw.WaitTimeout, &cfg.WaitTimeout},
		{"conn_timeout", raw.ConnTimeout, &cfg.ConnTimeout},
		{"grace_period", raw.GracePeriod, &cfg.GracePeriod},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %s: %w: %v", path, d.key, faults.ErrInvalidConfig, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), faults.ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RuntimeDir) == "" {
		return invalid("runtime_dir is required")
	}
	if !filepath.IsAbs(c.RuntimeDir) || filepath.Clean(c.RuntimeDir) == "/" {
		return invalid("runtime_dir %q must be an absolute directory below /", c.RuntimeDir)
	}
	if strings.ContainsRune(c.CreateSocket, '/') || c.CreateEndpointName() == "" || !strings.HasSuffix(c.CreateSocket, socketSuffix) {
		return invalid("create_socket %q must be a plain <name>%s file name", c.CreateSocket, socketSuffix)
	}
	switch c.Backend {
	case BackendShell, BackendPedestal:
	default:
		return invalid("backend %q (expected %s or %s)", c.Backend, BackendShell, BackendPedestal)
	}
	if _, err := protocol.LayoutByName(c.WireLayout); err != nil {
		return err
	}
	if c.Backlog <= 0 {
		return invalid("listen_backlog must be positive")
	}
	for name, d := range map[string]time.Duration{
		"wait_timeout":  c.WaitTimeout,
		"grace_period":  c.GracePeriod,
		"poll_interval": c.PollInterval,
	} {
		if d <= 0 {
			return invalid("%s must be positive", name)
		}
	}
	if c.ConnTimeout < 0 {
		return invalid("conn_timeout must not be negative")
	}
	if c.GdbPort <= 0 || c.GdbPort > 65535 {
		return invalid("gdb_port %d out of range", c.GdbPort)
	}
	if c.Backend == BackendShell && len(c.Shell.Command) == 0 {
		return invalid("shell.command is empty")
	}
	return nil
}

// CreateEndpointName is the listener name of the creation endpoint.
func (c Config) CreateEndpointName() string {
	return strings.TrimSuffix(c.CreateSocket, socketSuffix)
}

// CreateSocketPath is the full path of the creation endpoint.
func (c Config) CreateSocketPath() string {
	return filepath.Join(c.RuntimeDir, c.CreateSocket)
}

// Layout resolves the configured wire layout.
func (c Config) Layout() protocol.Layout {
	l, err := protocol.LayoutByName(c.WireLayout)
	if err != nil {
		return protocol.CurrentLayout
	}
	return l
}

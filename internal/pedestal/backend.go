package pedestal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danmuck/micad/internal/faults"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/danmuck/micad/internal/provision"
	"github.com/danmuck/micad/internal/tools"
)

const (
	Kind = "pedestal"

	PedestalXen       = "xen"
	PedestalJailhouse = "jailhouse"
	PedestalBareMetal = "bare-metal"

	DefaultRemoteprocRoot     = "/sys/class/remoteproc"
	DefaultRemoteprocInstance = "remoteproc0"
)

// Runner is what the backend needs from the host.
type Runner interface {
	tools.CommandRunner
	tools.ProcessStarter
}

type Options struct {
	XL             string
	Jailhouse      string
	Gdbsx          string
	XenstoreRead   string
	RemoteprocRoot string
	GdbPort        int
	// PollSlice paces Wait on guests that have no reapable process.
	PollSlice time.Duration
	// CommandTimeout bounds every external command.
	CommandTimeout time.Duration
	// KillAttempts bounds destroy retries for a cell that refuses to go.
	KillAttempts int
}

func (o Options) withDefaults() Options {
	if o.XL == "" {
		o.XL = "xl"
	}
	if o.Jailhouse == "" {
		o.Jailhouse = "jailhouse"
	}
	if o.Gdbsx == "" {
		o.Gdbsx = "gdbsx"
	}
	if o.XenstoreRead == "" {
		o.XenstoreRead = "xenstore-read"
	}
	if o.RemoteprocRoot == "" {
		o.RemoteprocRoot = DefaultRemoteprocRoot
	}
	if o.GdbPort <= 0 {
		o.GdbPort = 5678
	}
	if o.PollSlice <= 0 {
		o.PollSlice = provision.DefaultSlice
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.KillAttempts <= 0 {
		o.KillAttempts = 50
	}
	return o
}

// Backend routes every provisioning call to the client's pedestal.
type Backend struct {
	runner Runner
	opts   Options
}

func New(runner Runner, opts Options) *Backend {
	return &Backend{runner: runner, opts: opts.withDefaults()}
}

func (b *Backend) Kind() string { return Kind }

// Normalize maps the create message's pedestal field to a known pedestal.
func Normalize(ped string) string {
	switch ped {
	case PedestalXen, PedestalJailhouse:
		return ped
	default:
		return PedestalBareMetal
	}
}

func (b *Backend) Prepare(_ context.Context, spec provision.Spec) error {
	switch Normalize(spec.Pedestal) {
	case PedestalXen, PedestalJailhouse:
		if spec.PedestalConfig == "" {
			return fmt.Errorf("pedestal: %s: %s needs a pedestal config: %w", spec.Name, spec.Pedestal, faults.ErrInvalidConfig)
		}
		if _, err := os.Stat(spec.PedestalConfig); err != nil {
			return fmt.Errorf("pedestal: %s: config %q: %w: %v", spec.Name, spec.PedestalConfig, faults.ErrInvalidConfig, err)
		}
	default:
		dir := b.remoteprocDir(spec)
		if _, err := os.Stat(filepath.Join(dir, "state")); err != nil {
			return fmt.Errorf("pedestal: %s: remoteproc %q: %w: %v", spec.Name, dir, faults.ErrInvalidConfig, err)
		}
	}
	logs.Debugf("pedestal.Backend.Prepare name=%q pedestal=%s", spec.Name, Normalize(spec.Pedestal))
	return nil
}

func (b *Backend) Release(_ context.Context, spec provision.Spec) error {
	logs.Debugf("pedestal.Backend.Release name=%q", spec.Name)
	return nil
}

func (b *Backend) Launch(ctx context.Context, spec provision.Spec) (provision.Handle, error) {
	switch Normalize(spec.Pedestal) {
	case PedestalXen:
		return b.launchXen(ctx, spec)
	case PedestalJailhouse:
		return b.launchJailhouse(ctx, spec)
	default:
		return b.launchRemoteproc(spec)
	}
}

func (b *Backend) Reconfigure(ctx context.Context, spec provision.Spec, h provision.Handle, key, value string) error {
	if Normalize(spec.Pedestal) != PedestalXen {
		return fmt.Errorf("pedestal: %s: %s does not support set: %w", spec.Name, Normalize(spec.Pedestal), faults.ErrBackend)
	}
	if h == nil {
		return fmt.Errorf("pedestal: %s: set needs a running domain: %w", spec.Name, faults.ErrBackend)
	}
	return b.reconfigureXen(ctx, spec, key, value)
}

func (b *Backend) run(ctx context.Context, name string, args ...string) (tools.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.CommandTimeout)
	defer cancel()
	res, err := b.runner.Run(ctx, name, args...)
	if err != nil {
		logs.Debugf("pedestal.run cmd=%q args=%q err=%v", name, args, err)
		return res, fmt.Errorf("%w: %v", faults.ErrBackend, err)
	}
	return res, nil
}

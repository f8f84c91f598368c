// Package daemon wires the registries, the dispatch engine and the
// lifecycle controller into one runnable unit. Several daemons may run in
// one process as long as their runtime directories differ.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/micad/internal/clients"
	"github.com/danmuck/micad/internal/config"
	"github.com/danmuck/micad/internal/dispatch"
	"github.com/danmuck/micad/internal/faults"
	"github.com/danmuck/micad/internal/lifecycle"
	"github.com/danmuck/micad/internal/listener"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/danmuck/micad/internal/pedestal"
	"github.com/danmuck/micad/internal/provision"
	"github.com/danmuck/micad/internal/tools"
)

type Daemon struct {
	cfg       config.Config
	engine    *dispatch.Engine
	clients   *clients.Registry
	listeners *listener.Registry
	ctrl      *lifecycle.Controller
}

// NewProvisioner builds the backend named by cfg.Backend.
func NewProvisioner(cfg config.Config) (provision.Provisioner, error) {
	switch cfg.Backend {
	case config.BackendShell:
		return provision.NewShell(provision.ShellOptions{Command: cfg.Shell.Command}), nil
	case config.BackendPedestal:
		return pedestal.New(tools.ExecRunner{}, pedestal.Options{
			XL:             cfg.Pedestal.XL,
			Jailhouse:      cfg.Pedestal.Jailhouse,
			Gdbsx:          cfg.Pedestal.Gdbsx,
			XenstoreRead:   cfg.Pedestal.XenstoreRead,
			RemoteprocRoot: cfg.Pedestal.RemoteprocRoot,
			GdbPort:        cfg.GdbPort,
			PollSlice:      cfg.PollInterval,
		}), nil
	default:
		return nil, fmt.Errorf("daemon: backend %q: %w", cfg.Backend, faults.ErrInvalidConfig)
	}
}

// New prepares the runtime directory and binds the creation endpoint. The
// returned daemon serves nothing until Run.
func New(cfg config.Config, prov provision.Provisioner) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prov == nil {
		return nil, fmt.Errorf("daemon: nil provisioner: %w", faults.ErrInvalidConfig)
	}

	engine, err := dispatch.New(dispatch.Options{WaitTimeout: cfg.WaitTimeout, ConnTimeout: cfg.ConnTimeout})
	if err != nil {
		return nil, err
	}
	if err := prepareRuntimeDir(cfg.RuntimeDir); err != nil {
		_ = engine.Close()
		return nil, err
	}

	cr := clients.NewRegistry()
	lr := listener.NewRegistry(cfg.RuntimeDir, cfg.Backlog, engine)
	ctrl := lifecycle.New(cr, lr, prov, lifecycle.Options{
		RuntimeDir:  cfg.RuntimeDir,
		DevAliasDir: cfg.DevAliasDir,
		GdbPort:     cfg.GdbPort,
		Grace:       cfg.GracePeriod,
		PollSlice:   cfg.PollInterval,
		Layout:      cfg.Layout(),
	})

	if _, err := lr.Add(cfg.CreateEndpointName(), listener.CreationEndpoint, lifecycle.NewCreationHandler(ctrl)); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("daemon: creation endpoint: %w", err)
	}

	logs.Infof("daemon.New runtime_dir=%q backend=%s layout=%s create=%q", cfg.RuntimeDir, prov.Kind(), cfg.Layout().Name, cfg.CreateSocketPath())
	return &Daemon{cfg: cfg, engine: engine, clients: cr, listeners: lr, ctrl: ctrl}, nil
}

// prepareRuntimeDir creates dir and clears sockets and console aliases left
// by a previous run. Anything else in dir is left alone.
func prepareRuntimeDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("daemon: create %s: %w: %v", dir, faults.ErrResource, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("daemon: read %s: %w: %v", dir, faults.ErrResource, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".socket") && !strings.HasPrefix(name, lifecycle.AliasPrefix) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("daemon: clear %s: %w: %v", path, faults.ErrResource, err)
		}
		logs.Debugf("daemon.prepareRuntimeDir removed stale=%q", path)
	}
	return nil
}

// Run serves until ctx is cancelled, then tears every client down without a
// grace period and removes the runtime directory if it is empty.
func (d *Daemon) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.engine.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logs.Infof("daemon.Run shutdown requested")
		d.engine.Stop()
		runErr = <-errCh
	case runErr = <-errCh:
		logs.Errorf("daemon.Run dispatch loop exited err=%v", runErr)
	}

	return errors.Join(runErr, d.shutdown())
}

func (d *Daemon) shutdown() error {
	var errs []error
	if err := d.ctrl.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := d.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(d.cfg.RuntimeDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		logs.Warnf("daemon.shutdown keep runtime_dir=%q err=%v", d.cfg.RuntimeDir, err)
	}
	logs.Infof("daemon.shutdown done")
	return errors.Join(errs...)
}

func (d *Daemon) Controller() *lifecycle.Controller { return d.ctrl }
func (d *Daemon) Clients() *clients.Registry        { return d.clients }
func (d *Daemon) Config() config.Config             { return d.cfg }

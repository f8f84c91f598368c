// Package lifecycle drives clients through Created -> Running <-> Stopped
// and removal. It is the only writer of the client and listener registries
// and keeps them in one-to-one correspondence.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/micad/internal/clients"
	"github.com/danmuck/micad/internal/faults"
	"github.com/danmuck/micad/internal/listener"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/danmuck/micad/internal/protocol"
	"github.com/danmuck/micad/internal/provision"
)

type Options struct {
	RuntimeDir  string
	DevAliasDir string
	GdbPort     int
	Grace       time.Duration
	PollSlice   time.Duration
	Layout      protocol.Layout
}

type Controller struct {
	mu        sync.Mutex
	clients   *clients.Registry
	listeners *listener.Registry
	prov      provision.Provisioner
	opts      Options
}

func New(cr *clients.Registry, lr *listener.Registry, prov provision.Provisioner, opts Options) *Controller {
	if opts.Layout.NameLen == 0 {
		opts.Layout = protocol.CurrentLayout
	}
	if opts.GdbPort <= 0 {
		opts.GdbPort = protocol.DefaultGdbPort
	}
	return &Controller{clients: cr, listeners: lr, prov: prov, opts: opts}
}

func (c *Controller) Layout() protocol.Layout { return c.opts.Layout }

// Create registers a control endpoint and a Created record for msg. binary
// create messages must reference an existing image.
func (c *Controller) Create(ctx context.Context, msg protocol.CreateMessage, binary bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := msg.Name
	if err := ValidateName(name, c.opts.Layout.NameLen-1); err != nil {
		return err
	}
	if c.clients.Exists(name) || c.listeners.Has(name) {
		return fmt.Errorf("client %q: %w", name, faults.ErrAlreadyExists)
	}
	if other, ok := c.aliasOwner(name); ok {
		return fmt.Errorf("client %q: console alias %s already belongs to %q: %w", name, AliasName(name), other, faults.ErrInvalidConfig)
	}
	if binary {
		if msg.Path == "" {
			return fmt.Errorf("client %q: no image path: %w", name, faults.ErrInvalidConfig)
		}
		if _, err := os.Stat(msg.Path); err != nil {
			return fmt.Errorf("client %q: image %q: %w: %v", name, msg.Path, faults.ErrInvalidConfig, err)
		}
	}
	spec := provision.SpecFromMessage(msg)

	if _, err := c.listeners.Add(name, listener.ControlEndpoint, &ControlHandler{c: c, name: name}); err != nil {
		return err
	}
	if _, err := c.clients.Register(spec); err != nil {
		c.dropListener(name)
		return err
	}
	if err := c.prov.Prepare(ctx, spec); err != nil {
		if _, rerr := c.clients.Remove(name); rerr != nil {
			logs.Errorf("lifecycle.Controller.Create rollback record name=%q err=%v", name, rerr)
		}
		c.dropListener(name)
		return err
	}
	logs.Infof("lifecycle.Controller.Create name=%q image=%q pedestal=%q debug=%t", name, spec.Image, spec.Pedestal, spec.Debug)
	return nil
}

// aliasOwner finds an existing client whose console alias name equals
// name's after sanitizing.
func (c *Controller) aliasOwner(name string) (string, bool) {
	alias := AliasName(name)
	for _, other := range c.clients.Names() {
		if AliasName(other) == alias {
			return other, true
		}
	}
	return "", false
}

func (c *Controller) dropListener(name string) {
	if err := c.listeners.Remove(name); err != nil {
		logs.Errorf("lifecycle.Controller rollback listener name=%q err=%v", name, err)
	}
}

// Start provisions the execution context and publishes its console alias.
func (c *Controller) Start(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.clients.Find(name)
	if err != nil {
		return err
	}
	if rec.Status == clients.StatusRunning {
		return fmt.Errorf("client %q: %w", name, faults.ErrAlreadyRunning)
	}

	h, err := c.prov.Launch(ctx, rec.Spec)
	if err != nil {
		return err
	}

	alias, err := c.publishAlias(name, h.ConsolePath())
	if err != nil {
		if _, terr := provision.Terminate(h, c.terminateOptions(true)); terr != nil {
			logs.Errorf("lifecycle.Controller.Start rollback name=%q err=%v", name, terr)
		}
		_ = h.Close()
		return err
	}

	err = c.clients.Update(name, func(r *clients.Record) {
		r.Status = clients.StatusRunning
		r.Handle = h
		r.ConsoleAlias = alias
	})
	if err != nil {
		return err
	}
	logs.Infof("lifecycle.Controller.Start name=%q id=%s console=%q services=%q", name, h.ID(), alias, h.Services())
	return nil
}

// Stop runs the graceful termination protocol. Stopping a Stopped client is
// a no-op.
func (c *Controller) Stop(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.clients.Find(name)
	if err != nil {
		return err
	}
	switch rec.Status {
	case clients.StatusCreated:
		return fmt.Errorf("client %q is %s: %w", name, rec.Status, faults.ErrInvalidState)
	case clients.StatusStopped:
		return nil
	}
	c.teardown(rec, false)
	return c.clients.Update(name, func(r *clients.Record) {
		r.Status = clients.StatusStopped
		r.Handle = nil
		r.ConsoleAlias = ""
	})
}

// Remove stops the client if needed and destroys its record and listener.
func (c *Controller) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remove(ctx, name, false)
}

func (c *Controller) remove(ctx context.Context, name string, force bool) error {
	rec, err := c.clients.Find(name)
	if err != nil {
		return err
	}
	c.teardown(rec, force)
	if err := c.prov.Release(ctx, rec.Spec); err != nil {
		logs.Warnf("lifecycle.Controller.Remove release name=%q err=%v", name, err)
	}
	if _, err := c.clients.Remove(name); err != nil {
		return err
	}
	if err := c.listeners.Remove(name); err != nil && !errors.Is(err, faults.ErrNotFound) {
		logs.Warnf("lifecycle.Controller.Remove listener name=%q err=%v", name, err)
	}
	logs.Infof("lifecycle.Controller.Remove name=%q forced=%t", name, force)
	return nil
}

// Set forwards one key/value pair to the backend. Key validation belongs to
// the backend.
func (c *Controller) Set(ctx context.Context, name string, cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.clients.Find(name)
	if err != nil {
		return err
	}
	key, value, err := cmd.KeyValue()
	if err != nil {
		return err
	}
	if err := c.prov.Reconfigure(ctx, rec.Spec, rec.Handle, key, value); err != nil {
		return err
	}
	logs.Infof("lifecycle.Controller.Set name=%q key=%s value=%s", name, key, value)
	return c.clients.Update(name, func(r *clients.Record) { r.Settings[key] = value })
}

// Status renders the client's status line.
func (c *Controller) Status(name string) (string, error) {
	rec, err := c.clients.Find(name)
	if err != nil {
		return "", err
	}
	return statusLine(rec), nil
}

// StatusAll renders the header and one line per client.
func (c *Controller) StatusAll() string {
	lines := []string{protocol.StatusHeader}
	for _, rec := range c.clients.Snapshot() {
		lines = append(lines, statusLine(rec))
	}
	return strings.Join(lines, "\n")
}

func statusLine(rec clients.Record) string {
	services := ""
	if rec.Handle != nil {
		services = rec.Handle.Services()
	}
	return protocol.FormatStatusLine(rec.Name, rec.Spec.CPUs, string(rec.Status), services)
}

// Gdb returns the debugger invocation for a client created with debug on.
func (c *Controller) Gdb(name string) (string, error) {
	rec, err := c.clients.Find(name)
	if err != nil {
		return "", err
	}
	if !rec.Spec.Debug {
		return "", fmt.Errorf("client %q was created without debug: %w", name, faults.ErrInvalidState)
	}
	if rec.Spec.Image == "" {
		return "", fmt.Errorf("client %q has no image: %w", name, faults.ErrInvalidConfig)
	}
	return protocol.GdbCommand(rec.Spec.Image, c.opts.GdbPort), nil
}

// Shutdown tears down every client without a grace period, then every
// remaining listener.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, name := range c.clients.Names() {
		if err := c.remove(ctx, name, true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.listeners.RemoveAll(); err != nil {
		errs = append(errs, err)
	}
	logs.Infof("lifecycle.Controller.Shutdown done errors=%d", len(errs))
	return errors.Join(errs...)
}

// Consistent verifies that control endpoints and records name the same set
// of clients.
func (c *Controller) Consistent() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.clients.Names()
	endpoints := c.listeners.Names(listener.ControlEndpoint)
	sort.Strings(endpoints)
	if strings.Join(records, "\x00") != strings.Join(endpoints, "\x00") {
		return fmt.Errorf("registries diverged: records=%v endpoints=%v", records, endpoints)
	}
	for _, rec := range c.clients.Snapshot() {
		if (rec.Status == clients.StatusRunning) != (rec.Handle != nil) {
			return fmt.Errorf("client %q: status %s with handle=%t", rec.Name, rec.Status, rec.Handle != nil)
		}
	}
	return nil
}

func (c *Controller) terminateOptions(force bool) provision.TerminateOptions {
	return provision.TerminateOptions{Grace: c.opts.Grace, Slice: c.opts.PollSlice, Force: force}
}

func (c *Controller) teardown(rec clients.Record, force bool) {
	if rec.Handle == nil {
		return
	}
	forced, err := provision.Terminate(rec.Handle, c.terminateOptions(force))
	if err != nil {
		logs.Errorf("lifecycle.Controller.teardown name=%q err=%v", rec.Name, err)
	}
	if err := rec.Handle.Close(); err != nil {
		logs.Warnf("lifecycle.Controller.teardown name=%q close err=%v", rec.Name, err)
	}
	c.removeAlias(rec.Name)
	logs.Infof("lifecycle.Controller.teardown name=%q id=%s forced=%t", rec.Name, rec.Handle.ID(), forced)
}

func (c *Controller) aliasPaths(name string) (primary, secondary string) {
	file := AliasName(name)
	primary = filepath.Join(c.opts.RuntimeDir, file)
	if c.opts.DevAliasDir != "" {
		secondary = filepath.Join(c.opts.DevAliasDir, file)
	}
	return primary, secondary
}

// publishAlias links the console device under the runtime dir. The optional
// second alias is best effort.
func (c *Controller) publishAlias(name, console string) (string, error) {
	if console == "" {
		return "", nil
	}
	primary, secondary := c.aliasPaths(name)
	_ = os.Remove(primary)
	if err := os.Symlink(console, primary); err != nil {
		return "", fmt.Errorf("client %q: console alias %q: %w: %v", name, primary, faults.ErrResource, err)
	}
	if secondary != "" {
		_ = os.Remove(secondary)
		if err := os.Symlink(console, secondary); err != nil {
			logs.Debugf("lifecycle.Controller.publishAlias name=%q secondary=%q err=%v", name, secondary, err)
		}
	}
	return primary, nil
}

func (c *Controller) removeAlias(name string) {
	primary, secondary := c.aliasPaths(name)
	for _, p := range []string{primary, secondary} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logs.Warnf("lifecycle.Controller.removeAlias path=%q err=%v", p, err)
		}
	}
}

package pedestal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/micad/internal/faults"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/danmuck/micad/internal/provision"
	"github.com/danmuck/micad/internal/tools"
	"golang.org/x/sys/unix"
)

// createArgs renders `xl create` with key=value overrides for every field
// the create message set.
func (b *Backend) createArgs(spec provision.Spec) []string {
	args := []string{"create", spec.PedestalConfig, "name=" + quote(spec.Name)}
	if spec.Image != "" {
		args = append(args, "kernel="+quote(spec.Image))
	}
	if spec.VCPUs > 0 {
		args = append(args, fmt.Sprintf("vcpus=%d", spec.VCPUs))
	}
	if spec.MaxVCPUs > 0 {
		args = append(args, fmt.Sprintf("maxvcpus=%d", spec.MaxVCPUs))
	}
	if spec.CPUs != "" {
		args = append(args, "cpus="+quote(spec.CPUs))
	}
	if spec.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("memory=%d", spec.MemoryMB))
	}
	if spec.MaxMemoryMB > 0 {
		args = append(args, fmt.Sprintf("maxmem=%d", spec.MaxMemoryMB))
	}
	if spec.IOMem != "" {
		args = append(args, "iomem=["+quote(spec.IOMem)+"]")
	}
	if spec.Network != "" {
		args = append(args, "vif=["+quote(spec.Network)+"]")
	}
	return args
}

func quote(s string) string { return `"` + s + `"` }

func (b *Backend) launchXen(ctx context.Context, spec provision.Spec) (provision.Handle, error) {
	if _, err := b.run(ctx, b.opts.XL, b.createArgs(spec)...); err != nil {
		return nil, fmt.Errorf("pedestal: %s: xl create: %w", spec.Name, err)
	}

	h := &xenHandle{b: b, name: spec.Name}
	rollback := func(cause error) (provision.Handle, error) {
		if _, err := b.run(context.Background(), b.opts.XL, "destroy", spec.Name); err != nil {
			logs.Errorf("pedestal.xen rollback name=%q err=%v", spec.Name, err)
		}
		return nil, cause
	}

	res, err := b.run(ctx, b.opts.XL, "domid", spec.Name)
	if err != nil {
		return rollback(fmt.Errorf("pedestal: %s: xl domid: %w", spec.Name, err))
	}
	h.domid = res.Output()
	if _, err := strconv.Atoi(h.domid); err != nil {
		return rollback(fmt.Errorf("pedestal: %s: bad domid %q: %w", spec.Name, h.domid, faults.ErrBackend))
	}

	res, err = b.run(ctx, b.opts.XenstoreRead, "/local/domain/"+h.domid+"/console/tty")
	if err != nil {
		logs.Warnf("pedestal.xen console name=%q domid=%s err=%v", spec.Name, h.domid, err)
	} else {
		h.console = res.Output()
	}

	if spec.Debug {
		port := strconv.Itoa(b.opts.GdbPort)
		proc, err := b.runner.Start(ctx, b.opts.Gdbsx, "-a", h.domid, "64", port)
		if err != nil {
			return rollback(fmt.Errorf("pedestal: %s: gdbsx: %w: %v", spec.Name, faults.ErrBackend, err))
		}
		h.gdbsx = proc
		h.services = "gdb:" + port
	}

	logs.Infof("pedestal.xen launched name=%q domid=%s console=%q services=%q", spec.Name, h.domid, h.console, h.services)
	return h, nil
}

var xenSetKeys = map[string]func(name, value string) []string{
	"Memory": func(name, value string) []string { return []string{"mem-set", name, value + "m"} },
	"MaxMem": func(name, value string) []string { return []string{"mem-max", name, value + "m"} },
	"VCPU":   func(name, value string) []string { return []string{"vcpu-set", name, value} },
	"CPUWeight": func(name, value string) []string {
		return []string{"sched-credit2", "-d", name, "-w", value}
	},
	"CPUCapacity": func(name, value string) []string {
		return []string{"sched-credit2", "-d", name, "-c", value}
	},
}

func (b *Backend) reconfigureXen(ctx context.Context, spec provision.Spec, key, value string) error {
	build, ok := xenSetKeys[key]
	if !ok {
		return fmt.Errorf("pedestal: %s: unknown key %q: %w", spec.Name, key, faults.ErrBackend)
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("pedestal: %s: %s wants a non-negative integer, got %q: %w", spec.Name, key, value, faults.ErrBackend)
	}
	if key == "CPUWeight" && n < 1 {
		return fmt.Errorf("pedestal: %s: CPUWeight must be >= 1: %w", spec.Name, faults.ErrBackend)
	}
	if _, err := b.run(ctx, b.opts.XL, build(spec.Name, value)...); err != nil {
		return fmt.Errorf("pedestal: %s: set %s: %w", spec.Name, key, err)
	}
	logs.Infof("pedestal.xen set name=%q key=%s value=%s", spec.Name, key, value)
	return nil
}

type xenHandle struct {
	b        *Backend
	name     string
	domid    string
	console  string
	services string
	gdbsx    tools.Process

	closeOnce sync.Once
}

func (h *xenHandle) ID() string          { return h.domid }
func (h *xenHandle) ConsolePath() string { return h.console }
func (h *xenHandle) Services() string    { return h.services }

func (h *xenHandle) Signal(sig unix.Signal) error {
	verb := "shutdown"
	if sig == unix.SIGKILL {
		verb = "destroy"
	}
	if _, err := h.b.run(context.Background(), h.b.opts.XL, verb, h.name); err != nil {
		return fmt.Errorf("pedestal: %s: xl %s: %w", h.name, verb, err)
	}
	return nil
}

// Exited asks xl whether the domain is still known.
func (h *xenHandle) Exited() bool {
	res, err := h.b.run(context.Background(), h.b.opts.XL, "domid", h.name)
	if err != nil {
		return true
	}
	return strings.TrimSpace(res.Output()) != h.domid
}

func (h *xenHandle) Wait() error {
	for !h.Exited() {
		time.Sleep(h.b.opts.PollSlice)
	}
	return nil
}

func (h *xenHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.gdbsx == nil {
			return
		}
		if err = h.gdbsx.Kill(); err == nil {
			err = h.gdbsx.Wait()
		}
	})
	return err
}

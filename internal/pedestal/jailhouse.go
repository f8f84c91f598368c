package pedestal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/micad/internal/faults"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/danmuck/micad/internal/provision"
	"golang.org/x/sys/unix"
)

func (b *Backend) launchJailhouse(ctx context.Context, spec provision.Spec) (provision.Handle, error) {
	if _, err := b.run(ctx, b.opts.Jailhouse, "cell", "create", spec.PedestalConfig); err != nil {
		return nil, fmt.Errorf("pedestal: %s: cell create: %w", spec.Name, err)
	}
	steps := [][]string{
		{"cell", "load", spec.Name, spec.Image},
		{"cell", "start", spec.Name},
	}
	for _, step := range steps {
		if _, err := b.run(ctx, b.opts.Jailhouse, step...); err != nil {
			if _, derr := b.run(context.Background(), b.opts.Jailhouse, "cell", "destroy", spec.Name); derr != nil {
				logs.Errorf("pedestal.jailhouse rollback name=%q err=%v", spec.Name, derr)
			}
			return nil, fmt.Errorf("pedestal: %s: cell %s: %w", spec.Name, step[1], err)
		}
	}
	logs.Infof("pedestal.jailhouse launched name=%q", spec.Name)
	return &cellHandle{b: b, name: spec.Name}, nil
}

// cellHandle is gone once the cell has been destroyed. A graceful stop
// shuts the cell down and then destroys it so the next start can recreate
// it from the config.
type cellHandle struct {
	b    *Backend
	name string

	mu   sync.Mutex
	gone bool
}

func (h *cellHandle) ID() string          { return h.name }
func (h *cellHandle) ConsolePath() string { return "" }
func (h *cellHandle) Services() string    { return "" }

func (h *cellHandle) Signal(sig unix.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone {
		return nil
	}
	if sig != unix.SIGKILL {
		if _, err := h.b.run(context.Background(), h.b.opts.Jailhouse, "cell", "shutdown", h.name); err != nil {
			return fmt.Errorf("pedestal: %s: cell shutdown: %w", h.name, err)
		}
	}
	return h.destroyLocked()
}

func (h *cellHandle) destroyLocked() error {
	if _, err := h.b.run(context.Background(), h.b.opts.Jailhouse, "cell", "destroy", h.name); err != nil {
		return fmt.Errorf("pedestal: %s: cell destroy: %w", h.name, err)
	}
	h.gone = true
	return nil
}

func (h *cellHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gone
}

// listed reports whether `jailhouse cell list` still shows the cell. An
// unreadable list counts as listed.
func (h *cellHandle) listed() bool {
	res, err := h.b.run(context.Background(), h.b.opts.Jailhouse, "cell", "list")
	if err != nil {
		return true
	}
	for _, line := range strings.Split(res.Output(), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == h.name {
			return true
		}
	}
	return false
}

// Wait retries destroy every PollSlice until the cell is gone from the
// hypervisor, giving up after KillAttempts tries.
func (h *cellHandle) Wait() error {
	var lastErr error
	for attempt := 0; attempt < h.b.opts.KillAttempts; attempt++ {
		if h.Exited() {
			return nil
		}
		if !h.listed() {
			h.mu.Lock()
			h.gone = true
			h.mu.Unlock()
			return nil
		}
		h.mu.Lock()
		lastErr = h.destroyLocked()
		h.mu.Unlock()
		if lastErr == nil {
			return nil
		}
		logs.Warnf("pedestal.jailhouse destroy retry name=%q attempt=%d err=%v", h.name, attempt+1, lastErr)
		time.Sleep(h.b.opts.PollSlice)
	}
	return fmt.Errorf("pedestal: %s: cell still present after %d destroy attempts: %w: %v",
		h.name, h.b.opts.KillAttempts, faults.ErrBackend, lastErr)
}

func (h *cellHandle) Close() error { return nil }

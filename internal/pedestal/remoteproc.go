package pedestal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/micad/internal/faults"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/danmuck/micad/internal/provision"
	"golang.org/x/sys/unix"
)

// remoteprocDir picks the instance from the pedestal config field, which for
// bare metal names the remoteproc device.
func (b *Backend) remoteprocDir(spec provision.Spec) string {
	instance := filepath.Base(strings.TrimSpace(spec.PedestalConfig))
	if instance == "" || instance == "." || instance == "/" {
		instance = DefaultRemoteprocInstance
	}
	return filepath.Join(b.opts.RemoteprocRoot, instance)
}

func (b *Backend) launchRemoteproc(spec provision.Spec) (provision.Handle, error) {
	dir := b.remoteprocDir(spec)
	h := &rprocHandle{dir: dir, slice: b.opts.PollSlice}
	if state, _ := h.state(); state == "running" {
		return nil, fmt.Errorf("pedestal: %s: %s already running: %w", spec.Name, dir, faults.ErrBackend)
	}
	// firmware is resolved by the kernel relative to its search path
	if err := writeAttr(dir, "firmware", filepath.Base(spec.Image)); err != nil {
		return nil, fmt.Errorf("pedestal: %s: %w", spec.Name, err)
	}
	if err := writeAttr(dir, "state", "start"); err != nil {
		return nil, fmt.Errorf("pedestal: %s: %w", spec.Name, err)
	}
	logs.Infof("pedestal.remoteproc launched name=%q dir=%q", spec.Name, dir)
	return h, nil
}

type rprocHandle struct {
	dir   string
	slice time.Duration
}

func (h *rprocHandle) ID() string          { return filepath.Base(h.dir) }
func (h *rprocHandle) ConsolePath() string { return "" }
func (h *rprocHandle) Services() string    { return "" }

// Signal stops the processor; remoteproc has no graceful variant.
func (h *rprocHandle) Signal(unix.Signal) error {
	if h.Exited() {
		return nil
	}
	return writeAttr(h.dir, "state", "stop")
}

func (h *rprocHandle) state() (string, error) {
	raw, err := os.ReadFile(filepath.Join(h.dir, "state"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (h *rprocHandle) Exited() bool {
	state, err := h.state()
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	return state != "running" && state != "start"
}

func (h *rprocHandle) Wait() error {
	for !h.Exited() {
		time.Sleep(h.slice)
	}
	return nil
}

func (h *rprocHandle) Close() error { return nil }

func writeAttr(dir, attr, value string) error {
	path := filepath.Join(dir, attr)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w: %v", path, faults.ErrBackend, err)
	}
	return nil
}

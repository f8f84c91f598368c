package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/danmuck/micad/internal/faults"
	logs "github.com/danmuck/micad/internal/logging"
	"golang.org/x/sys/unix"
)

const KindShell = "shell"

// DefaultShellCommand runs when no command is configured.
var DefaultShellCommand = []string{"/bin/sh", "-i"}

// ShellOptions configures the shell backend.
type ShellOptions struct {
	// Command is argv for every client; the client name and image are
	// exported as MICA_CLIENT and MICA_IMAGE.
	Command []string
	// Env is appended to the daemon environment.
	Env []string
}

// Shell is the test backend: every client is a child process whose stdio is
// the slave side of a fresh pseudo-terminal.
type Shell struct {
	opts ShellOptions
}

func NewShell(opts ShellOptions) *Shell {
	if len(opts.Command) == 0 {
		opts.Command = append([]string(nil), DefaultShellCommand...)
	}
	return &Shell{opts: opts}
}

func (s *Shell) Kind() string { return KindShell }

func (s *Shell) Prepare(_ context.Context, spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("shell: empty name: %w", faults.ErrInvalidConfig)
	}
	return nil
}

func (s *Shell) Release(context.Context, Spec) error { return nil }

// Reconfigure accepts any non-empty key; there is nothing underneath a shell
// to reconfigure.
func (s *Shell) Reconfigure(_ context.Context, spec Spec, _ Handle, key, value string) error {
	if key == "" || value == "" {
		return fmt.Errorf("shell: %s: empty key or value: %w", spec.Name, faults.ErrBackend)
	}
	logs.Debugf("provision.Shell.Reconfigure name=%q key=%q value=%q", spec.Name, key, value)
	return nil
}

func (s *Shell) Launch(_ context.Context, spec Spec) (Handle, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("shell: %s: %w: %v", spec.Name, faults.ErrResource, err)
	}
	slave, err := os.OpenFile(slavePath, os.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("shell: %s: open %s: %w: %v", spec.Name, slavePath, faults.ErrResource, err)
	}

	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Env = append(cmd.Env, "MICA_CLIENT="+spec.Name, "MICA_IMAGE="+spec.Image)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("shell: %s: start %s: %w: %v", spec.Name, s.opts.Command[0], faults.ErrResource, err)
	}
	slave.Close()

	h := &shellHandle{
		cmd:       cmd,
		master:    master,
		slavePath: slavePath,
		done:      make(chan struct{}),
	}
	go h.reap()
	go h.drain()
	logs.Infof("provision.Shell.Launch name=%q pid=%d console=%q", spec.Name, cmd.Process.Pid, slavePath)
	return h, nil
}

type shellHandle struct {
	cmd       *exec.Cmd
	master    *os.File
	slavePath string

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

func (h *shellHandle) reap() {
	err := h.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	}
	logs.Debugf("provision.shellHandle.reap pid=%d state=%v", h.cmd.Process.Pid, h.cmd.ProcessState)
	close(h.done)
}

// drain keeps the child from blocking on a full pty buffer. It ends with EIO
// once every slave descriptor is closed.
func (h *shellHandle) drain() {
	_, _ = io.Copy(io.Discard, h.master)
}

func (h *shellHandle) ID() string          { return strconv.Itoa(h.cmd.Process.Pid) }
func (h *shellHandle) ConsolePath() string { return h.slavePath }
func (h *shellHandle) Services() string    { return "" }

// Signal targets the whole session so helpers the shell spawned go too.
func (h *shellHandle) Signal(sig unix.Signal) error {
	if h.Exited() {
		return nil
	}
	pid := h.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (h *shellHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *shellHandle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *shellHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.master.Close()
	})
	return h.closeErr
}

package provision

import (
	"fmt"
	"time"

	logs "github.com/danmuck/micad/internal/logging"
	"golang.org/x/sys/unix"
)

const (
	DefaultGrace = time.Second
	DefaultSlice = 100 * time.Millisecond
)

type TerminateOptions struct {
	Grace time.Duration
	Slice time.Duration
	// Force skips the graceful phase. Daemon shutdown uses it.
	Force bool
}

// Terminate stops h. The graceful phase sends SIGTERM and polls Exited every
// Slice for at most Grace. The forced phase sends SIGKILL and waits without a
// timeout, so a call that returns has always reaped the context. forced
// reports whether the forced phase ran.
func Terminate(h Handle, opts TerminateOptions) (forced bool, err error) {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Slice <= 0 {
		opts.Slice = DefaultSlice
	}

	if h.Exited() {
		return false, h.Wait()
	}

	if !opts.Force {
		if err := h.Signal(unix.SIGTERM); err != nil {
			logs.Warnf("provision.Terminate id=%s sigterm err=%v", h.ID(), err)
		}
		deadline := time.Now().Add(opts.Grace)
		for time.Now().Before(deadline) {
			if h.Exited() {
				return false, h.Wait()
			}
			time.Sleep(opts.Slice)
		}
		if h.Exited() {
			return false, h.Wait()
		}
		logs.Warnf("provision.Terminate id=%s grace=%s expired, escalating", h.ID(), opts.Grace)
	}

	if err := h.Signal(unix.SIGKILL); err != nil && !h.Exited() {
		logs.Errorf("provision.Terminate id=%s sigkill err=%v", h.ID(), err)
	}
	if err := h.Wait(); err != nil {
		return true, fmt.Errorf("provision: wait %s: %w", h.ID(), err)
	}
	return true, nil
}

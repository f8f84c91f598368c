package provision

import (
	"context"
	"strings"

	"github.com/danmuck/micad/internal/protocol"
	"golang.org/x/sys/unix"
)

// Spec is everything a backend needs to build a client's execution context.
type Spec struct {
	Name           string
	Image          string
	Pedestal       string
	PedestalConfig string
	Debug          bool
	CPUs           string
	VCPUs          int32
	MaxVCPUs       int32
	CPUWeight      int32
	CPUCapacity    int32
	MemoryMB       int32
	MaxMemoryMB    int32
	IOMem          string
	Network        string
}

// SpecFromMessage copies a decoded create message.
func SpecFromMessage(msg protocol.CreateMessage) Spec {
	return Spec{
		Name:           msg.Name,
		Image:          msg.Path,
		Pedestal:       strings.ToLower(strings.TrimSpace(msg.Pedestal)),
		PedestalConfig: msg.PedestalConfig,
		Debug:          msg.Debug,
		CPUs:           msg.CPUs,
		VCPUs:          msg.VCPUs,
		MaxVCPUs:       msg.MaxVCPUs,
		CPUWeight:      msg.CPUWeight,
		CPUCapacity:    msg.CPUCapacity,
		MemoryMB:       msg.MemoryMB,
		MaxMemoryMB:    msg.MaxMemoryMB,
		IOMem:          msg.IOMem,
		Network:        msg.Network,
	}
}

// Handle is ownership of one live execution context.
type Handle interface {
	// ID is the backend identifier: a pid, a domain id, a cell name.
	ID() string
	// ConsolePath is the device the console alias points at. Empty when the
	// context has no console.
	ConsolePath() string
	// Services describes auxiliary services, e.g. "gdb:5678".
	Services() string
	// Signal delivers SIGTERM (graceful) or SIGKILL (forced) semantics.
	Signal(sig unix.Signal) error
	// Exited reports without blocking whether the context is gone.
	Exited() bool
	// Wait blocks until the context is gone and reaped.
	Wait() error
	// Close releases console and auxiliary resources. Call after exit.
	Close() error
}

// Provisioner allocates and destroys execution contexts.
type Provisioner interface {
	Kind() string
	// Prepare validates spec and allocates create-time resources.
	Prepare(ctx context.Context, spec Spec) error
	// Launch builds the running context for spec.
	Launch(ctx context.Context, spec Spec) (Handle, error)
	// Reconfigure applies one key/value change. Backends own key validation;
	// h is nil when the client is not running.
	Reconfigure(ctx context.Context, spec Spec, h Handle, key, value string) error
	// Release undoes Prepare.
	Release(ctx context.Context, spec Spec) error
}

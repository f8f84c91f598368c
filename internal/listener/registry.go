// Package listener owns the daemon's filesystem-path sockets: one creation
// endpoint and one control endpoint per client. Entries are bound, listening
// and registered with the dispatch engine, or they do not exist.
package listener

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/danmuck/micad/internal/dispatch"
	"github.com/danmuck/micad/internal/faults"
	logs "github.com/danmuck/micad/internal/logging"
	"golang.org/x/sys/unix"
)

const (
	SocketSuffix   = ".socket"
	DefaultBacklog = 16
	// maxSocketPath is sizeof(sun_path) minus the terminator.
	maxSocketPath = 107
)

var (
	ErrBindFailed   = fmt.Errorf("listener: bind failed: %w", faults.ErrResource)
	ErrListenFailed = fmt.Errorf("listener: listen failed: %w", faults.ErrResource)
	ErrPathTooLong  = fmt.Errorf("listener: socket path too long: %w", faults.ErrInvalidConfig)
)

type Role int

const (
	CreationEndpoint Role = iota + 1
	ControlEndpoint
)

func (r Role) String() string {
	switch r {
	case CreationEndpoint:
		return "creation"
	case ControlEndpoint:
		return "control"
	default:
		return "unknown"
	}
}

// Poller is the part of the dispatch engine the registry drives.
type Poller interface {
	Register(fd int, h dispatch.Handler) error
	Deregister(fd int) error
}

// Entry is one live listening socket.
type Entry struct {
	Name string
	Path string
	FD   int
	Role Role
}

// Registry maps names to listening sockets under one directory.
type Registry struct {
	dir     string
	backlog int
	poller  Poller

	mu      sync.Mutex
	entries map[string]Entry
}

func NewRegistry(dir string, backlog int, poller Poller) *Registry {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Registry{
		dir:     dir,
		backlog: backlog,
		poller:  poller,
		entries: make(map[string]Entry),
	}
}

// PathFor is where the socket for name lives.
func (r *Registry) PathFor(name string) string {
	return filepath.Join(r.dir, name+SocketSuffix)
}

// Add binds, listens and registers a socket for name. Any failure leaves no
// descriptor open and no path on disk.
func (r *Registry) Add(name string, role Role, h dispatch.Handler) (Entry, error) {
	path := r.PathFor(name)
	if len(path) > maxSocketPath {
		return Entry{}, fmt.Errorf("%w: %q is %d bytes", ErrPathTooLong, path, len(path))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return Entry{}, fmt.Errorf("listener: %q: %w", name, faults.ErrAlreadyExists)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return Entry{}, fmt.Errorf("listener: socket %q: %w: %v", name, faults.ErrResource, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return Entry{}, fmt.Errorf("%w: %s: %v", ErrBindFailed, path, err)
	}
	if err := unix.Listen(fd, r.backlog); err != nil {
		unwind(fd, path)
		return Entry{}, fmt.Errorf("%w: %s: %v", ErrListenFailed, path, err)
	}
	if err := r.poller.Register(fd, h); err != nil {
		unwind(fd, path)
		return Entry{}, fmt.Errorf("listener: register %q: %w", name, err)
	}

	entry := Entry{Name: name, Path: path, FD: fd, Role: role}
	r.entries[name] = entry
	logs.Debugf("listener.Registry.Add name=%q role=%s path=%q fd=%d", name, role, path, fd)
	return entry, nil
}

// Remove deregisters, closes and unlinks the socket for name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("listener: %q: %w", name, faults.ErrNotFound)
	}
	return r.teardown(entry)
}

// RemoveAll tears down every entry and reports the joined failures.
func (r *Registry) RemoveAll() error {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]Entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := r.teardown(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) teardown(e Entry) error {
	var errs []error
	if err := r.poller.Deregister(e.FD); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(e.FD); err != nil {
		errs = append(errs, fmt.Errorf("listener: close %q: %w", e.Name, err))
	}
	if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("listener: unlink %q: %w", e.Path, err))
	}
	logs.Debugf("listener.Registry.Remove name=%q path=%q", e.Name, e.Path)
	return errors.Join(errs...)
}

func unwind(fd int, path string) {
	unix.Close(fd)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logs.Warnf("listener.unwind path=%q err=%v", path, err)
	}
}

func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the entry names with the given role, sorted.
func (r *Registry) Names(role Role) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.Role == role {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

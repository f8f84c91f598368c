package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/micad/internal/clients"
	"github.com/danmuck/micad/internal/dispatch"
	"github.com/danmuck/micad/internal/faults"
	"github.com/danmuck/micad/internal/listener"
	"github.com/danmuck/micad/internal/provision"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeHandle struct {
	mu       sync.Mutex
	id       string
	console  string
	stubborn bool
	exited   bool
	closed   bool
	signals  []unix.Signal
}

func (h *fakeHandle) ID() string          { return h.id }
func (h *fakeHandle) ConsolePath() string { return h.console }
func (h *fakeHandle) Services() string    { return "" }

func (h *fakeHandle) Signal(sig unix.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	if sig == unix.SIGKILL || !h.stubborn {
		h.exited = true
	}
	return nil
}

func (h *fakeHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *fakeHandle) Wait() error { return nil }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) Signals() []unix.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]unix.Signal(nil), h.signals...)
}

type fakeProvisioner struct {
	mu          sync.Mutex
	console     string
	stubborn    bool
	failPrepare error
	failLaunch  error
	handles     map[string]*fakeHandle
	released    []string
	settings    map[string]string
	launches    int
}

func newFakeProvisioner(console string) *fakeProvisioner {
	return &fakeProvisioner{
		console:  console,
		handles:  make(map[string]*fakeHandle),
		settings: make(map[string]string),
	}
}

func (p *fakeProvisioner) Kind() string { return "fake" }

func (p *fakeProvisioner) Prepare(context.Context, provision.Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failPrepare
}

func (p *fakeProvisioner) Launch(_ context.Context, spec provision.Spec) (provision.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failLaunch != nil {
		return nil, p.failLaunch
	}
	p.launches++
	h := &fakeHandle{id: strconv.Itoa(p.launches), console: p.console, stubborn: p.stubborn}
	p.handles[spec.Name] = h
	return h, nil
}

func (p *fakeProvisioner) Reconfigure(_ context.Context, spec provision.Spec, _ provision.Handle, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == "Bogus" {
		return fmt.Errorf("unknown key: %w", faults.ErrBackend)
	}
	p.settings[spec.Name+"."+key] = value
	return nil
}

func (p *fakeProvisioner) Release(_ context.Context, spec provision.Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, spec.Name)
	return nil
}

func (p *fakeProvisioner) handle(name string) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[name]
}

type fixture struct {
	dir       string
	ctrl      *Controller
	prov      *fakeProvisioner
	clients   *clients.Registry
	listeners *listener.Registry
	image     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	engine, err := dispatch.New(dispatch.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	image := filepath.Join(t.TempDir(), "zephyr.elf")
	require.NoError(t, os.WriteFile(image, []byte("\x7fELF"), 0o644))

	cr := clients.NewRegistry()
	lr := listener.NewRegistry(dir, 4, engine)
	prov := newFakeProvisioner("/dev/pts/77")
	ctrl := New(cr, lr, prov, Options{
		RuntimeDir: dir,
		Grace:      60 * time.Millisecond,
		PollSlice:  5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })
	return &fixture{dir: dir, ctrl: ctrl, prov: prov, clients: cr, listeners: lr, image: image}
}

func isKind(err error, target error) bool { return errors.Is(err, target) }

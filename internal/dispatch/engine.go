package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/micad/internal/faults"
	logs "github.com/danmuck/micad/internal/logging"
	"golang.org/x/sys/unix"
)

const (
	DefaultWaitTimeout = 200 * time.Millisecond
	DefaultConnTimeout = 5 * time.Second
	maxEvents          = 64
)

var (
	ErrRegistered    = fmt.Errorf("dispatch: fd already registered: %w", faults.ErrAlreadyExists)
	ErrNotRegistered = fmt.Errorf("dispatch: fd not registered: %w", faults.ErrNotFound)
	ErrAlreadyRan    = errors.New("dispatch: engine already ran")
	ErrClosed        = errors.New("dispatch: engine closed")
)

// Handler serves one accepted connection. The engine closes conn after
// ServeConn returns.
type Handler interface {
	ServeConn(conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn net.Conn)

func (f HandlerFunc) ServeConn(conn net.Conn) { f(conn) }

type Options struct {
	// WaitTimeout bounds one epoll wait, and so how long cancellation can
	// go unobserved.
	WaitTimeout time.Duration
	// ConnTimeout is applied as a read/write deadline on every accepted
	// connection. Zero disables deadlines.
	ConnTimeout time.Duration
}

// Engine is a single-threaded readiness loop.
type Engine struct {
	epfd   int
	wakefd int
	opts   Options

	mu       sync.Mutex
	handlers map[int]Handler

	started  atomic.Bool
	stopping atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	closeMu  sync.Mutex
}

// New creates the epoll instance. Failure here is a startup failure for the
// daemon.
func New(opts Options) (*Engine, error) {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.ConnTimeout < 0 {
		opts.ConnTimeout = 0
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatch: epoll_create1: %w: %v", faults.ErrResource, err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("dispatch: eventfd: %w: %v", faults.ErrResource, err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("dispatch: register wake fd: %w: %v", faults.ErrResource, err)
	}

	return &Engine{
		epfd:     epfd,
		wakefd:   wakefd,
		opts:     opts,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}, nil
}

// Register adds a listening descriptor. Safe while Run is active.
func (e *Engine) Register(fd int, h Handler) error {
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for fd %d: %w", fd, faults.ErrInvalidConfig)
	}
	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[fd]; ok {
		return fmt.Errorf("%w: fd=%d", ErrRegistered, fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("dispatch: epoll add fd=%d: %w: %v", fd, faults.ErrResource, err)
	}
	e.handlers[fd] = h
	logs.Debugf("dispatch.Engine.Register fd=%d", fd)
	return nil
}

// Deregister removes a descriptor. It must run before the descriptor is
// closed; a descriptor the kernel already dropped is still forgotten.
func (e *Engine) Deregister(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[fd]; !ok {
		return fmt.Errorf("%w: fd=%d", ErrNotRegistered, fd)
	}
	delete(e.handlers, fd)
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
			logs.Warnf("dispatch.Engine.Deregister fd=%d already gone err=%v", fd, err)
			return nil
		}
		return fmt.Errorf("dispatch: epoll del fd=%d: %w: %v", fd, faults.ErrResource, err)
	}
	logs.Debugf("dispatch.Engine.Deregister fd=%d", fd)
	return nil
}

// Len reports how many descriptors are registered.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// Run blocks until ctx is cancelled or Stop is called. Each ready socket
// yields one accepted connection per wake; its handler runs to completion
// before the next socket is looked at.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRan
	}
	defer close(e.done)
	if e.closed.Load() {
		return ErrClosed
	}

	logs.Infof("dispatch.Engine.Run start wait_timeout=%s conn_timeout=%s", e.opts.WaitTimeout, e.opts.ConnTimeout)
	events := make([]unix.EpollEvent, maxEvents)
	timeoutMS := int(e.opts.WaitTimeout / time.Millisecond)
	for {
		if e.stopping.Load() || ctx.Err() != nil {
			logs.Infof("dispatch.Engine.Run stop")
			return nil
		}

		n, err := unix.EpollWait(e.epfd, events, timeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("dispatch: epoll_wait: %w: %v", faults.ErrResource, err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == e.wakefd {
				e.drainWake()
				continue
			}
			if e.stopping.Load() {
				break
			}
			e.mu.Lock()
			h, ok := e.handlers[fd]
			e.mu.Unlock()
			if !ok {
				// removed by an earlier handler in this batch
				continue
			}
			e.serveOne(fd, h)
		}
	}
}

func (e *Engine) serveOne(fd int, h Handler) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			logs.Debugf("dispatch.Engine.accept fd=%d transient err=%v", fd, err)
		default:
			logs.Warnf("dispatch.Engine.accept fd=%d err=%v", fd, err)
		}
		return
	}

	file := os.NewFile(uintptr(nfd), fmt.Sprintf("dispatch-conn-%d", nfd))
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		logs.Warnf("dispatch.Engine.accept fd=%d wrap err=%v", fd, err)
		return
	}
	defer conn.Close()

	if e.opts.ConnTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(e.opts.ConnTimeout))
	}
	h.ServeConn(conn)
}

func (e *Engine) wake() {
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(e.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		logs.Warnf("dispatch.Engine.wake err=%v", err)
	}
}

func (e *Engine) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(e.wakefd, buf[:])
}

// Stop asks Run to return and waits for the current handler to finish. It is
// idempotent and must not be called from inside a handler.
func (e *Engine) Stop() {
	if e.stopping.CompareAndSwap(false, true) && !e.closed.Load() {
		e.wake()
	}
	if e.started.Load() {
		<-e.done
	}
}

// Close stops the engine and releases the epoll and wake descriptors.
func (e *Engine) Close() error {
	e.Stop()
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := errors.Join(unix.Close(e.wakefd), unix.Close(e.epfd))
	if err != nil {
		return fmt.Errorf("dispatch: close: %w", err)
	}
	return nil
}

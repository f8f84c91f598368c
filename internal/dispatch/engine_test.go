package dispatch

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/micad/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenRaw(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrUnix{Name: path}))
	require.NoError(t, unix.Listen(fd, 8))
	return fd
}

func startEngine(t *testing.T) (*Engine, context.CancelFunc, <-chan error) {
	t.Helper()
	e, err := New(Options{WaitTimeout: 20 * time.Millisecond, ConnTimeout: time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = e.Close()
	})
	return e, cancel, errCh
}

func echoHandler(prefix string) Handler {
	return HandlerFunc(func(conn net.Conn) {
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(append([]byte(prefix), buf[:n]...))
	})
}

func roundTrip(t *testing.T, path, msg string) string {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Write([]byte(msg))
	require.NoError(t, err)
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(out)
}

func TestEngineRoutesByDescriptor(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	e, _, _ := startEngine(t)

	a := listenRaw(t, filepath.Join(dir, "a.socket"))
	b := listenRaw(t, filepath.Join(dir, "b.socket"))
	defer unix.Close(a)
	defer unix.Close(b)

	require.NoError(t, e.Register(a, echoHandler("a:")))
	require.NoError(t, e.Register(b, echoHandler("b:")))
	assert.Equal(t, 2, e.Len())

	assert.Equal(t, "a:ping", roundTrip(t, filepath.Join(dir, "a.socket"), "ping"))
	assert.Equal(t, "b:pong", roundTrip(t, filepath.Join(dir, "b.socket"), "pong"))
}

func TestEngineRegisterWhileRunningFromHandler(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	e, _, _ := startEngine(t)

	late := listenRaw(t, filepath.Join(dir, "late.socket"))
	defer unix.Close(late)

	first := listenRaw(t, filepath.Join(dir, "first.socket"))
	defer unix.Close(first)
	require.NoError(t, e.Register(first, HandlerFunc(func(conn net.Conn) {
		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		err := e.Register(late, echoHandler("late:"))
		if err != nil {
			_, _ = conn.Write([]byte("fail"))
			return
		}
		_, _ = conn.Write([]byte("ok"))
	})))

	assert.Equal(t, "ok", roundTrip(t, filepath.Join(dir, "first.socket"), "x"))
	assert.Equal(t, 2, e.Len())
	assert.Equal(t, "late:hi", roundTrip(t, filepath.Join(dir, "late.socket"), "hi"))
}

func TestEngineDeregister(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	e, err := New(Options{})
	require.NoError(t, err)
	defer e.Close()

	fd := listenRaw(t, filepath.Join(dir, "x.socket"))
	require.NoError(t, e.Register(fd, echoHandler("")))
	assert.ErrorIs(t, e.Register(fd, echoHandler("")), ErrRegistered)

	require.NoError(t, e.Deregister(fd))
	assert.ErrorIs(t, e.Deregister(fd), ErrNotRegistered)
	assert.Equal(t, 0, e.Len())
	require.NoError(t, unix.Close(fd))

	// a descriptor closed before deregistration is still forgotten
	fd = listenRaw(t, filepath.Join(dir, "y.socket"))
	require.NoError(t, e.Register(fd, echoHandler("")))
	require.NoError(t, unix.Close(fd))
	require.NoError(t, e.Deregister(fd))
}

func TestEngineStopIsIdempotentAndPrompt(t *testing.T) {
	testlog.Start(t)
	e, err := New(Options{WaitTimeout: 10 * time.Second})
	require.NoError(t, err)
	defer e.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		e.Stop()
		e.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not wake the loop")
	}
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, e.Run(context.Background()), ErrAlreadyRan)
}

func TestEngineObservesCancellation(t *testing.T) {
	testlog.Start(t)
	_, cancel, errCh := startEngine(t)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
}

func TestEngineStopWaitsForInFlightHandler(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	e, _, _ := startEngine(t)

	var finished atomic.Bool
	entered := make(chan struct{})
	fd := listenRaw(t, filepath.Join(dir, "slow.socket"))
	defer unix.Close(fd)
	require.NoError(t, e.Register(fd, HandlerFunc(func(conn net.Conn) {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	})))

	conn, err := net.Dial("unix", filepath.Join(dir, "slow.socket"))
	require.NoError(t, err)
	defer conn.Close()

	<-entered
	e.Stop()
	assert.True(t, finished.Load())
}

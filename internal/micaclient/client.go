// Package micaclient speaks the daemon's socket protocol from the caller
// side. micactl and the end-to-end tests use it.
package micaclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/danmuck/micad/internal/protocol"
)

const (
	DefaultRuntimeDir   = "/run/mica"
	DefaultCreateSocket = "mica-create.socket"
	DefaultTimeout      = 10 * time.Second
)

// ErrRequestFailed is returned alongside a reply that carried the failure
// token.
var ErrRequestFailed = errors.New("micaclient: request failed")

type Client struct {
	RuntimeDir   string
	CreateSocket string
	Timeout      time.Duration
	Layout       protocol.Layout
}

func New(runtimeDir string) *Client {
	if runtimeDir == "" {
		runtimeDir = DefaultRuntimeDir
	}
	return &Client{
		RuntimeDir:   runtimeDir,
		CreateSocket: DefaultCreateSocket,
		Timeout:      DefaultTimeout,
		Layout:       protocol.CurrentLayout,
	}
}

// SocketPath is a client's control endpoint.
func (c *Client) SocketPath(name string) string {
	return filepath.Join(c.RuntimeDir, name+".socket")
}

func (c *Client) createPath() string {
	return filepath.Join(c.RuntimeDir, c.CreateSocket)
}

// Create sends a binary create message.
func (c *Client) Create(ctx context.Context, msg protocol.CreateMessage) (protocol.Reply, error) {
	raw, err := c.Layout.Encode(msg)
	if err != nil {
		return protocol.Reply{}, err
	}
	return c.roundTrip(ctx, c.createPath(), raw)
}

// CreateText sends the line form `create <name>`.
func (c *Client) CreateText(ctx context.Context, name string) (protocol.Reply, error) {
	return c.roundTrip(ctx, c.createPath(), []byte("create "+name+"\n"))
}

// List asks the creation endpoint for every client's status.
func (c *Client) List(ctx context.Context) (protocol.Reply, error) {
	return c.roundTrip(ctx, c.createPath(), []byte("status"))
}

// Control sends one control command to name's endpoint.
func (c *Client) Control(ctx context.Context, name string, verb protocol.Verb, args ...string) (protocol.Reply, error) {
	raw, err := protocol.EncodeControl(verb, args...)
	if err != nil {
		return protocol.Reply{}, err
	}
	return c.roundTrip(ctx, c.SocketPath(name), raw)
}

func (c *Client) roundTrip(ctx context.Context, path string, payload []byte) (protocol.Reply, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("micaclient: dial %s: %w", path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(payload); err != nil {
		return protocol.Reply{}, fmt.Errorf("micaclient: write %s: %w", path, err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	reply, err := protocol.ReadReply(conn)
	if err != nil {
		return reply, fmt.Errorf("micaclient: %s: %w", path, err)
	}
	if !reply.OK {
		return reply, ErrRequestFailed
	}
	return reply, nil
}

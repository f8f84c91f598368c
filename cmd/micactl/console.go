package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/danmuck/micad/internal/lifecycle"
	"golang.org/x/term"
)

// Ctrl-] detaches, as in telnet.
const detachByte = 0x1d

func (e *env) consolePath(name string) string {
	return filepath.Join(e.client.RuntimeDir, lifecycle.AliasName(name))
}

// console relays the terminal to the client's console alias until the
// device closes, the context ends, or the user types Ctrl-].
func (e *env) console(ctx context.Context, name string) error {
	path := e.consolePath(name)
	dev, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open console %s: %w", path, err)
	}
	defer dev.Close()

	if fd := int(e.stdin.Fd()); term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer func() { _ = term.Restore(fd, state) }()
		fmt.Fprintf(e.stderr, "attached to %s, Ctrl-] to detach\r\n", name)
	}

	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(e.stdout, dev)
		done <- err
	}()
	go func() {
		done <- relayInput(dev, e.stdin)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

// relayInput copies src to dst and stops cleanly at the detach byte.
func relayInput(dst io.Writer, src io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			i := bytes.IndexByte(chunk, detachByte)
			if i >= 0 {
				chunk = chunk[:i]
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return werr
			}
			if i >= 0 {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

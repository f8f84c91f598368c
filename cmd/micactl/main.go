package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/danmuck/micad/internal/micaclient"
	"github.com/danmuck/micad/internal/protocol"
	"github.com/spf13/pflag"
)

const usage = `usage: micactl [global flags] <command> [args]

commands:
  create <name> [flags]   create a client (see micactl create --help)
  start <name>            start a created or stopped client
  stop <name>             stop a running client
  rm <name>               remove a client in any state
  status <name>           print one client's status
  list                    print every client's status
  set <name> <key> <val>  change a running client's resource
  gdb <name>              print the debugger command for a debug client
  console <name>          attach to a running client's console

global flags:
`

type globals struct {
	runtimeDir string
	layout     string
	timeout    time.Duration
}

type env struct {
	client *micaclient.Client
	stdout io.Writer
	stderr io.Writer
	stdin  *os.File
}

func parseGlobals(args []string, stderr io.Writer) (globals, []string, error) {
	var g globals
	fs := pflag.NewFlagSet("micactl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	fs.StringVar(&g.runtimeDir, "runtime-dir", micaclient.DefaultRuntimeDir, "daemon runtime directory")
	fs.StringVar(&g.layout, "layout", protocol.CurrentLayout.Name, "create message layout (current|legacy)")
	fs.DurationVar(&g.timeout, "timeout", micaclient.DefaultTimeout, "per-request timeout")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return globals{}, nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return globals{}, nil, errors.New("missing command")
	}
	return g, fs.Args(), nil
}

func newEnv(g globals, stdout, stderr io.Writer) (*env, error) {
	layout, err := protocol.LayoutByName(g.layout)
	if err != nil {
		return nil, err
	}
	c := micaclient.New(g.runtimeDir)
	c.Layout = layout
	c.Timeout = g.timeout
	return &env{client: c, stdout: stdout, stderr: stderr, stdin: os.Stdin}, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	g, rest, err := parseGlobals(args, stderr)
	if err != nil {
		return err
	}
	e, err := newEnv(g, stdout, stderr)
	if err != nil {
		return err
	}

	cmd, cmdArgs := strings.ToLower(rest[0]), rest[1:]
	switch cmd {
	case "create":
		return e.create(ctx, cmdArgs)
	case "list":
		if len(cmdArgs) != 0 {
			return errors.New("list takes no arguments")
		}
		return e.print(e.client.List(ctx))
	case "console":
		name, err := oneName(cmd, cmdArgs)
		if err != nil {
			return err
		}
		return e.console(ctx, name)
	case "set":
		if len(cmdArgs) != 3 {
			return errors.New("usage: micactl set <name> <key> <value>")
		}
		return e.print(e.client.Control(ctx, cmdArgs[0], protocol.VerbSet, cmdArgs[1], cmdArgs[2]))
	case "start", "stop", "rm", "status", "gdb":
		name, err := oneName(cmd, cmdArgs)
		if err != nil {
			return err
		}
		return e.print(e.client.Control(ctx, name, protocol.Verb(cmd)))
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func oneName(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: micactl %s <name>", cmd)
	}
	return args[0], nil
}

// print writes any reply detail, then maps the status token to an error.
func (e *env) print(reply protocol.Reply, err error) error {
	if reply.Detail != "" {
		fmt.Fprintln(e.stdout, strings.TrimRight(reply.Detail, "\n"))
	}
	if errors.Is(err, micaclient.ErrRequestFailed) {
		return errors.New(protocol.ReplyFailed)
	}
	return err
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "micactl: %v\n", err)
		os.Exit(1)
	}
}

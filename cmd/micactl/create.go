package main

import (
	"context"
	"errors"

	"github.com/danmuck/micad/internal/protocol"
	"github.com/spf13/pflag"
)

// parseCreate reports text=true when the caller asked for the line form.
func parseCreate(args []string, e *env) (msg protocol.CreateMessage, text bool, err error) {
	fs := pflag.NewFlagSet("micactl create", pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.StringVarP(&msg.Path, "path", "p", "", "firmware or kernel image")
	fs.StringVar(&msg.Pedestal, "pedestal", "", "pedestal type (xen|jailhouse|baremetal)")
	fs.StringVar(&msg.PedestalConfig, "pedestal-config", "", "pedestal configuration file")
	fs.BoolVar(&msg.Debug, "debug", false, "start the debug bridge with the client")
	fs.StringVar(&msg.CPUs, "cpus", "", "cpu list, e.g. 2-3")
	fs.Int32Var(&msg.VCPUs, "vcpus", 0, "initial vcpu count")
	fs.Int32Var(&msg.MaxVCPUs, "max-vcpus", 0, "vcpu ceiling")
	fs.Int32Var(&msg.CPUWeight, "cpu-weight", 0, "scheduler weight")
	fs.Int32Var(&msg.CPUCapacity, "cpu-capacity", 0, "scheduler cap")
	fs.Int32Var(&msg.MemoryMB, "memory", 0, "memory in MiB")
	fs.Int32Var(&msg.MaxMemoryMB, "max-memory", 0, "memory ceiling in MiB")
	fs.StringVar(&msg.IOMem, "iomem", "", "iomem ranges")
	fs.StringVar(&msg.Network, "network", "", "network settings")
	fs.BoolVar(&text, "text", false, "send the line form `create <name>` instead of a binary message")
	if err := fs.Parse(args); err != nil {
		return protocol.CreateMessage{}, false, err
	}
	if fs.NArg() != 1 {
		return protocol.CreateMessage{}, false, errors.New("usage: micactl create <name> [flags]")
	}
	msg.Name = fs.Arg(0)
	if text {
		if fs.NFlag() > 1 {
			return protocol.CreateMessage{}, false, errors.New("--text cannot be combined with other create flags")
		}
		return protocol.CreateMessage{Name: msg.Name}, true, nil
	}
	return msg, false, nil
}

func (e *env) create(ctx context.Context, args []string) error {
	msg, text, err := parseCreate(args, e)
	if err != nil {
		return err
	}
	if text {
		return e.print(e.client.CreateText(ctx, msg.Name))
	}
	return e.print(e.client.Create(ctx, msg))
}

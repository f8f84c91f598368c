package protocol

import (
	"fmt"
	"strings"
)

const (
	intFieldSize  = 4
	intFieldCount = 6
	debugFieldLen = 1
	structAlign   = 4
)

// Layout describes one generation of the C `struct create_msg`. Field
// capacities are in bytes; strings are NUL padded but may fill their field
// completely without a terminator.
type Layout struct {
	Name       string
	NameLen    int
	PathLen    int
	PedLen     int
	PedCfgLen  int
	CPULen     int
	IOMemLen   int
	NetworkLen int
}

// CurrentLayout matches the runtime-shim generation of the daemon.
var CurrentLayout = Layout{
	Name:       "current",
	NameLen:    66,
	PathLen:    256,
	PedLen:     16,
	PedCfgLen:  256,
	CPULen:     128,
	IOMemLen:   512,
	NetworkLen: 512,
}

// LegacyLayout matches the original listener, where every short string
// shared the 32 byte name capacity.
var LegacyLayout = Layout{
	Name:       "legacy",
	NameLen:    32,
	PathLen:    128,
	PedLen:     32,
	PedCfgLen:  128,
	CPULen:     128,
	IOMemLen:   512,
	NetworkLen: 512,
}

// LayoutByName resolves a configured layout name.
func LayoutByName(name string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CurrentLayout.Name:
		return CurrentLayout, nil
	case LegacyLayout.Name:
		return LegacyLayout, nil
	default:
		return Layout{}, fmt.Errorf("%w: %q", ErrUnknownLayout, name)
	}
}

type offsets struct {
	name, path, ped, pedCfg, debug, cpu, ints, iomem, network, size int
}

func (l Layout) offsets() offsets {
	var o offsets
	o.name = 0
	o.path = o.name + l.NameLen
	o.ped = o.path + l.PathLen
	o.pedCfg = o.ped + l.PedLen
	o.debug = o.pedCfg + l.PedCfgLen
	o.cpu = o.debug + debugFieldLen
	o.ints = align(o.cpu+l.CPULen, intFieldSize)
	o.iomem = o.ints + intFieldSize*intFieldCount
	o.network = o.iomem + l.IOMemLen
	o.size = align(o.network+l.NetworkLen, structAlign)
	return o
}

// Size is the full encoded size, including trailing struct padding.
func (l Layout) Size() int {
	return l.offsets().size
}

// MinBinarySize is the smallest payload treated as a binary create message:
// everything up to and including the debug flag.
func (l Layout) MinBinarySize() int {
	return l.offsets().debug + debugFieldLen
}

func align(n, to int) int {
	if rem := n % to; rem != 0 {
		return n + to - rem
	}
	return n
}

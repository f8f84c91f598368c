package protocol

import (
	"encoding/binary"
	"fmt"
)

// CreateMessage is the decoded form of a create request. Integer fields are
// zero when the sender left them unset.
type CreateMessage struct {
	Name           string
	Path           string
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

// Encode renders msg into a full-size buffer for layout l. Strings longer
// than their field are rejected rather than truncated.
func (l Layout) Encode(msg CreateMessage) ([]byte, error) {
	o := l.offsets()
	buf := make([]byte, o.size)

	strs := []struct {
		field string
		value string
		off   int
		cap   int
	}{
		{"name", msg.Name, o.name, l.NameLen},
		{"path", msg.Path, o.path, l.PathLen},
		{"pedestal", msg.Pedestal, o.ped, l.PedLen},
		{"pedestal_conf", msg.PedestalConfig, o.pedCfg, l.PedCfgLen},
		{"cpu_str", msg.CPUs, o.cpu, l.CPULen},
		{"iomem", msg.IOMem, o.iomem, l.IOMemLen},
		{"network", msg.Network, o.network, l.NetworkLen},
	}
	for _, s := range strs {
		if len(s.value) > s.cap {
			return nil, fmt.Errorf("%w: %s is %d bytes, capacity %d", ErrFieldTooLong, s.field, len(s.value), s.cap)
		}
		copy(buf[s.off:s.off+s.cap], s.value)
	}

	if msg.Debug {
		buf[o.debug] = 1
	}

	ints := []int32{msg.VCPUs, msg.MaxVCPUs, msg.CPUWeight, msg.CPUCapacity, msg.MemoryMB, msg.MaxMemoryMB}
	for i, v := range ints {
		off := o.ints + i*intFieldSize
		binary.LittleEndian.PutUint32(buf[off:off+intFieldSize], uint32(v))
	}
	return buf, nil
}

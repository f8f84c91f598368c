package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Decode reads a create message for layout l. Payloads shorter than the full
// size are accepted down to MinBinarySize; fields past the end decode as
// zero. String fields never read past their own capacity.
func (l Layout) Decode(raw []byte) (CreateMessage, error) {
	if len(raw) < l.MinBinarySize() {
		return CreateMessage{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(raw), l.MinBinarySize())
	}
	o := l.offsets()

	msg := CreateMessage{
		Name:           fieldString(raw, o.name, l.NameLen),
		Path:           fieldString(raw, o.path, l.PathLen),
		Pedestal:       fieldString(raw, o.ped, l.PedLen),
		PedestalConfig: fieldString(raw, o.pedCfg, l.PedCfgLen),
		Debug:          raw[o.debug] != 0,
		CPUs:           fieldString(raw, o.cpu, l.CPULen),
		IOMem:          fieldString(raw, o.iomem, l.IOMemLen),
		Network:        fieldString(raw, o.network, l.NetworkLen),
	}

	ints := []*int32{&msg.VCPUs, &msg.MaxVCPUs, &msg.CPUWeight, &msg.CPUCapacity, &msg.MemoryMB, &msg.MaxMemoryMB}
	for i, dst := range ints {
		off := o.ints + i*intFieldSize
		if off+intFieldSize > len(raw) {
			break
		}
		*dst = int32(binary.LittleEndian.Uint32(raw[off : off+intFieldSize]))
	}
	return msg, nil
}

func fieldString(raw []byte, off, capacity int) string {
	if off >= len(raw) {
		return ""
	}
	end := off + capacity
	if end > len(raw) {
		end = len(raw)
	}
	field := raw[off:end]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

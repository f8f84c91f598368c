package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/micad/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutSizes(t *testing.T) {
	assert.Equal(t, 1772, CurrentLayout.Size())
	assert.Equal(t, 595, CurrentLayout.MinBinarySize())
	assert.Equal(t, 1500, LegacyLayout.Size())
	assert.Equal(t, 321, LegacyLayout.MinBinarySize())

	l, err := LayoutByName(" Legacy ")
	require.NoError(t, err)
	assert.Equal(t, LegacyLayout, l)

	_, err = LayoutByName("v3")
	assert.True(t, errors.Is(err, faults.ErrInvalidConfig))
}

func TestEncodeDecodeFullMessage(t *testing.T) {
	msg := CreateMessage{
		Name:           "demo",
		Path:           "/lib/firmware/zephyr.elf",
		Pedestal:       "xen",
		PedestalConfig: "/etc/mica/demo.cfg",
		Debug:          true,
		CPUs:           "3",
		VCPUs:          1,
		MaxVCPUs:       2,
		CPUWeight:      256,
		CPUCapacity:    -1,
		MemoryMB:       64,
		MaxMemoryMB:    128,
		IOMem:          "0x10000000:0x1000",
		Network:        "bridge=xenbr0",
	}
	for _, l := range []Layout{CurrentLayout, LegacyLayout} {
		buf, err := l.Encode(msg)
		require.NoError(t, err, l.Name)
		require.Len(t, buf, l.Size())

		got, err := l.Decode(buf)
		require.NoError(t, err, l.Name)
		assert.Equal(t, msg, got, l.Name)
	}
}

func TestIntBlockIsAlignedLittleEndian(t *testing.T) {
	buf, err := CurrentLayout.Encode(CreateMessage{Name: "a", MemoryMB: 0x01020304})
	require.NoError(t, err)
	// int block starts at 724 after padding the cpu string; memory is the fifth int.
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(buf[724+16:724+20]))
}

func TestDecodeBoundsUnterminatedFields(t *testing.T) {
	l := CurrentLayout
	buf := make([]byte, l.MinBinarySize())
	copy(buf, bytes.Repeat([]byte("n"), l.NameLen))
	copy(buf[l.NameLen:], "/tmp/image")

	msg, err := l.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("n", l.NameLen), msg.Name)
	assert.Equal(t, "/tmp/image", msg.Path)
	assert.Empty(t, msg.CPUs)
	assert.Zero(t, msg.MemoryMB)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := CurrentLayout.Decode(make([]byte, 100))
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestEncodeRejectsOversizeField(t *testing.T) {
	_, err := LegacyLayout.Encode(CreateMessage{Name: strings.Repeat("x", 33)})
	assert.True(t, errors.Is(err, ErrFieldTooLong))
}

func TestParseCreateRequestDualMode(t *testing.T) {
	l := CurrentLayout

	buf, err := l.Encode(CreateMessage{Name: "demo", Path: "/bin/true"})
	require.NoError(t, err)
	req, err := l.ParseCreateRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, RequestCreate, req.Kind)
	assert.True(t, req.Binary)
	assert.Equal(t, "/bin/true", req.Message.Path)

	req, err = l.ParseCreateRequest([]byte("CREATE demo\n"))
	require.NoError(t, err)
	assert.Equal(t, RequestCreate, req.Kind)
	assert.False(t, req.Binary)
	assert.Equal(t, "demo", req.Message.Name)

	req, err = l.ParseCreateRequest([]byte("status\x00garbage"))
	require.NoError(t, err)
	assert.Equal(t, RequestStatus, req.Kind)

	_, err = l.ParseCreateRequest([]byte("create"))
	assert.True(t, errors.Is(err, ErrMissingName))

	_, err = l.ParseCreateRequest([]byte("destroy demo"))
	assert.True(t, errors.Is(err, faults.ErrInvalidFormat))

	_, err = l.ParseCreateRequest([]byte("create " + strings.Repeat("n", l.NameLen)))
	assert.True(t, errors.Is(err, ErrFieldTooLong))
}

func TestParseCreateRequestBinaryNeedsName(t *testing.T) {
	buf, err := CurrentLayout.Encode(CreateMessage{Path: "/bin/true"})
	require.NoError(t, err)
	_, err = CurrentLayout.ParseCreateRequest(buf)
	assert.True(t, errors.Is(err, ErrMissingName))
}

func TestParseControl(t *testing.T) {
	cmd, err := ParseControl([]byte("START\n"))
	require.NoError(t, err)
	assert.Equal(t, VerbStart, cmd.Verb)

	cmd, err = ParseControl([]byte("set Memory 512\x00\x00\x00"))
	require.NoError(t, err)
	key, value, err := cmd.KeyValue()
	require.NoError(t, err)
	assert.Equal(t, "Memory", key)
	assert.Equal(t, "512", value)

	cmd, err = ParseControl([]byte("set onlykey"))
	require.NoError(t, err)
	_, _, err = cmd.KeyValue()
	assert.True(t, errors.Is(err, faults.ErrInvalidFormat))

	_, err = ParseControl([]byte("reboot"))
	assert.True(t, errors.Is(err, ErrUnknownCommand))

	_, err = ParseControl([]byte("stop now"))
	assert.True(t, errors.Is(err, ErrUnknownCommand))

	// bytes past the control capacity are never interpreted
	long := append([]byte("status"), bytes.Repeat([]byte(" "), ControlMsgSize)...)
	long = append(long, []byte("extra")...)
	cmd, err = ParseControl(long)
	require.NoError(t, err)
	assert.Equal(t, VerbStatus, cmd.Verb)
}

func TestEncodeControl(t *testing.T) {
	raw, err := EncodeControl(VerbSet, "CPUWeight", "128")
	require.NoError(t, err)
	assert.Equal(t, "set CPUWeight 128", string(raw))

	_, err = EncodeControl(VerbSet, strings.Repeat("k", 20), strings.Repeat("v", 20))
	assert.True(t, errors.Is(err, ErrCommandTooLong))
}

func TestReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, true, "line one\nline two"))
	reply, err := ReadReply(&buf)
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, "line one\nline two", reply.Detail)

	buf.Reset()
	require.NoError(t, WriteReply(&buf, false, ""))
	reply, err = ReadReply(&buf)
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Empty(t, reply.Detail)

	_, err = ReadReply(strings.NewReader("partial output\n"))
	assert.True(t, errors.Is(err, ErrNoReplyToken))
}

func TestStatusFormatting(t *testing.T) {
	line := FormatStatusLine("demo", "3", "Running", "")
	assert.Equal(t, "demo"+strings.Repeat(" ", 26)+"3"+strings.Repeat(" ", 19)+"Running"+strings.Repeat(" ", 13), line)

	long := "abcdefghijklmnopqrstuvwxyz0123456789"
	assert.Equal(t, "abcdefghijkl...9", DisplayName(long))
	assert.Equal(t, strings.Repeat("a", 29), DisplayName(strings.Repeat("a", 29)))

	assert.Equal(t,
		"gdb /fw.elf -ex 'set remotetimeout unlimited' -ex 'target extended-remote :5678' -ex 'set remote run-packet off'",
		GdbCommand("/fw.elf", 0))
}

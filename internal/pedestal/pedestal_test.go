package pedestal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/micad/internal/faults"
	"github.com/danmuck/micad/internal/provision"
	"github.com/danmuck/micad/internal/testutil/testlog"
	"github.com/danmuck/micad/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newXenBackend(t *testing.T) (*Backend, *tools.Recorder, provision.Spec) {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "demo.cfg")
	require.NoError(t, os.WriteFile(cfg, []byte("type = \"pvh\"\n"), 0o644))
	rec := tools.NewRecorder()
	b := New(rec, Options{PollSlice: time.Millisecond})
	spec := provision.Spec{
		Name:           "demo",
		Image:          "/fw/zephyr.elf",
		Pedestal:       PedestalXen,
		PedestalConfig: cfg,
		VCPUs:          1,
		MemoryMB:       64,
	}
	return b, rec, spec
}

func TestXenLaunchAndStop(t *testing.T) {
	testlog.Start(t)
	b, rec, spec := newXenBackend(t)
	spec.Debug = true
	rec.Respond("xl domid demo", "7\n")
	rec.Respond("xenstore-read /local/domain/7/console/tty", "/dev/pts/9\n")

	require.NoError(t, b.Prepare(context.Background(), spec))
	h, err := b.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "7", h.ID())
	assert.Equal(t, "/dev/pts/9", h.ConsolePath())
	assert.Equal(t, "gdb:5678", h.Services())
	assert.False(t, h.Exited())

	lines := rec.Lines()
	assert.Equal(t, `xl create `+spec.PedestalConfig+` name="demo" kernel="/fw/zephyr.elf" vcpus=1 memory=64`, lines[0])
	assert.Contains(t, lines, "gdbsx -a 7 64 5678")

	// domain disappears once destroyed
	rec.OnCall("xl destroy demo", func() { rec.Fail("xl domid demo") })
	forced, err := provision.Terminate(h, provision.TerminateOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, forced)
	assert.Contains(t, rec.Lines(), "xl destroy demo")
	require.NoError(t, h.Close())
}

func TestXenLaunchRollsBackWhenBridgeFails(t *testing.T) {
	testlog.Start(t)
	b, rec, spec := newXenBackend(t)
	spec.Debug = true
	rec.Respond("xl domid demo", "3")
	rec.Fail("gdbsx")

	_, err := b.Launch(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrBackend))
	assert.Equal(t, "xl destroy demo", rec.Lines()[len(rec.Lines())-1])
}

func TestXenReconfigure(t *testing.T) {
	testlog.Start(t)
	b, rec, spec := newXenBackend(t)
	rec.Respond("xl domid demo", "7")
	h, err := b.Launch(context.Background(), spec)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Reconfigure(ctx, spec, h, "Memory", "128"))
	require.NoError(t, b.Reconfigure(ctx, spec, h, "CPUWeight", "512"))
	assert.Contains(t, rec.Lines(), "xl mem-set demo 128m")
	assert.Contains(t, rec.Lines(), "xl sched-credit2 -d demo -w 512")

	assert.True(t, errors.Is(b.Reconfigure(ctx, spec, h, "Colour", "1"), faults.ErrBackend))
	assert.True(t, errors.Is(b.Reconfigure(ctx, spec, h, "VCPU", "two"), faults.ErrBackend))
	assert.True(t, errors.Is(b.Reconfigure(ctx, spec, h, "CPUWeight", "0"), faults.ErrBackend))
	assert.True(t, errors.Is(b.Reconfigure(ctx, spec, nil, "Memory", "1"), faults.ErrBackend))
}

func TestPrepareRejectsMissingConfig(t *testing.T) {
	b := New(tools.NewRecorder(), Options{RemoteprocRoot: t.TempDir()})
	err := b.Prepare(context.Background(), provision.Spec{Name: "demo", Pedestal: PedestalXen})
	assert.True(t, errors.Is(err, faults.ErrInvalidConfig))

	err = b.Prepare(context.Background(), provision.Spec{Name: "demo", Pedestal: PedestalJailhouse, PedestalConfig: "/nonexistent.cell"})
	assert.True(t, errors.Is(err, faults.ErrInvalidConfig))

	err = b.Prepare(context.Background(), provision.Spec{Name: "demo"})
	assert.True(t, errors.Is(err, faults.ErrInvalidConfig))
}

func TestJailhouseLifecycle(t *testing.T) {
	testlog.Start(t)
	rec := tools.NewRecorder()
	b := New(rec, Options{})
	spec := provision.Spec{Name: "rtos", Image: "/fw/rtos.bin", Pedestal: PedestalJailhouse, PedestalConfig: "/etc/rtos.cell"}

	h, err := b.Launch(context.Background(), spec)
	require.NoError(t, err)
	forced, err := provision.Terminate(h, provision.TerminateOptions{Grace: 50 * time.Millisecond, Slice: time.Millisecond})
	require.NoError(t, err)
	assert.False(t, forced)
	assert.Equal(t, []string{
		"jailhouse cell create /etc/rtos.cell",
		"jailhouse cell load rtos /fw/rtos.bin",
		"jailhouse cell start rtos",
		"jailhouse cell shutdown rtos",
		"jailhouse cell destroy rtos",
	}, rec.Lines())

	assert.True(t, errors.Is(b.Reconfigure(context.Background(), spec, h, "Memory", "1"), faults.ErrBackend))
}

func TestJailhouseLaunchRollsBack(t *testing.T) {
	testlog.Start(t)
	rec := tools.NewRecorder()
	rec.Fail("jailhouse cell start")
	b := New(rec, Options{})
	_, err := b.Launch(context.Background(), provision.Spec{Name: "rtos", Pedestal: PedestalJailhouse, PedestalConfig: "/etc/rtos.cell"})
	require.Error(t, err)
	assert.Equal(t, "jailhouse cell destroy rtos", rec.Lines()[len(rec.Lines())-1])
}

const rtosCellList = `ID      Name                    State             Assigned CPUs           Failed CPUs
0       QEMU-VM                 running           0-1
1       rtos                    running           2-3
`

func launchRtos(t *testing.T, rec *tools.Recorder, opts Options) provision.Handle {
	t.Helper()
	b := New(rec, opts)
	h, err := b.Launch(context.Background(), provision.Spec{Name: "rtos", Image: "/fw/rtos.bin", Pedestal: PedestalJailhouse, PedestalConfig: "/etc/rtos.cell"})
	require.NoError(t, err)
	return h
}

func TestJailhouseForcedStopRetriesDestroy(t *testing.T) {
	testlog.Start(t)
	rec := tools.NewRecorder()
	rec.Respond("jailhouse cell list", rtosCellList)
	h := launchRtos(t, rec, Options{PollSlice: time.Millisecond})

	destroys := 0
	rec.Fail("jailhouse cell destroy")
	rec.OnCall("jailhouse cell destroy", func() {
		destroys++
		if destroys == 2 {
			rec.Clear("jailhouse cell destroy")
		}
	})

	forced, err := provision.Terminate(h, provision.TerminateOptions{Force: true, Slice: time.Millisecond})
	require.NoError(t, err)
	assert.True(t, forced)
	assert.True(t, h.Exited())
	assert.Equal(t, 2, destroys)
}

func TestJailhouseWaitSeesCellVanish(t *testing.T) {
	testlog.Start(t)
	rec := tools.NewRecorder()
	h := launchRtos(t, rec, Options{PollSlice: time.Millisecond})
	rec.Fail("jailhouse cell destroy")

	// the default empty list no longer shows the cell
	_, err := provision.Terminate(h, provision.TerminateOptions{Force: true, Slice: time.Millisecond})
	require.NoError(t, err)
	assert.True(t, h.Exited())
}

func TestJailhouseForcedStopGivesUp(t *testing.T) {
	testlog.Start(t)
	rec := tools.NewRecorder()
	rec.Respond("jailhouse cell list", rtosCellList)
	h := launchRtos(t, rec, Options{PollSlice: time.Millisecond, KillAttempts: 3})
	rec.Fail("jailhouse cell destroy")

	done := make(chan error, 1)
	go func() {
		_, err := provision.Terminate(h, provision.TerminateOptions{Force: true, Slice: time.Millisecond})
		done <- err
	}()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, faults.ErrBackend))
	case <-time.After(5 * time.Second):
		t.Fatalf("terminate did not return; calls=%q", rec.Lines())
	}
	assert.False(t, h.Exited())
}

func TestRemoteprocLifecycle(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	dir := filepath.Join(root, "remoteproc1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state"), []byte("offline\n"), 0o644))

	b := New(tools.NewRecorder(), Options{RemoteprocRoot: root, PollSlice: time.Millisecond})
	spec := provision.Spec{Name: "m4", Image: "/lib/firmware/m4.elf", PedestalConfig: "remoteproc1"}
	require.NoError(t, b.Prepare(context.Background(), spec))

	h, err := b.Launch(context.Background(), spec)
	require.NoError(t, err)
	fw, err := os.ReadFile(filepath.Join(dir, "firmware"))
	require.NoError(t, err)
	assert.Equal(t, "m4.elf", string(fw))
	assert.False(t, h.Exited())

	forced, err := provision.Terminate(h, provision.TerminateOptions{Grace: 50 * time.Millisecond, Slice: time.Millisecond})
	require.NoError(t, err)
	assert.False(t, forced)
	state, err := os.ReadFile(filepath.Join(dir, "state"))
	require.NoError(t, err)
	assert.Equal(t, "stop", string(state))
}

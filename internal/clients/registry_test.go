package clients

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/micad/internal/faults"
	"github.com/danmuck/micad/internal/provision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Exists("demo"))

	rec, err := r.Register(provision.Spec{Name: "demo", Image: "/fw.elf"})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, rec.Status)
	assert.Nil(t, rec.Handle)

	_, err = r.Register(provision.Spec{Name: "demo"})
	assert.True(t, errors.Is(err, faults.ErrAlreadyExists))
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.SetStatus("demo", StatusRunning))
	got, err := r.Find("demo")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "/fw.elf", got.Spec.Image)

	assert.True(t, errors.Is(r.SetStatus("ghost", StatusStopped), faults.ErrNotFound))
	_, err = r.Find("ghost")
	assert.True(t, errors.Is(err, faults.ErrNotFound))

	removed, err := r.Remove("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", removed.Name)
	_, err = r.Remove("demo")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
	assert.Equal(t, 0, r.Len())
}

func TestFindReturnsCopy(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(provision.Spec{Name: "demo"})
	require.NoError(t, err)
	require.NoError(t, r.Update("demo", func(rec *Record) { rec.Settings["Memory"] = "64" }))

	got, err := r.Find("demo")
	require.NoError(t, err)
	got.Settings["Memory"] = "1"
	got.Status = StatusStopped

	again, err := r.Find("demo")
	require.NoError(t, err)
	assert.Equal(t, "64", again.Settings["Memory"])
	assert.Equal(t, StatusCreated, again.Status)
}

func TestSnapshotSortedUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Register(provision.Spec{Name: fmt.Sprintf("c%02d", i)})
			_ = r.Snapshot()
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot()
	require.Len(t, snap, 32)
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].Name, snap[i].Name)
	}
	assert.Equal(t, "c00", r.Names()[0])
}

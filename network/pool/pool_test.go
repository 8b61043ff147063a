package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/lock/flock"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

func writePool(t *testing.T, f File) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.json")
	require.NoError(t, utils.AtomicWriteJSON(path, f))
	return path
}

func samplePool() File {
	return File{
		Bridge:    "br-pool",
		Gateway:   "10.0.0.1",
		PrefixLen: 24,
		Taps: []*Tap{
			{Name: "tap0", GuestIP: "10.0.0.2", MAC: "06:00:0a:00:00:02"},
			{Name: "tap1", GuestIP: "10.0.0.3", MAC: "06:00:0a:00:00:03"},
			{Name: "tap2", GuestIP: "10.0.0.4", MAC: "06:00:0a:00:00:04"},
		},
	}
}

func links(names ...string) network.LinkChecker {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func newPool(t *testing.T, f File, present network.LinkChecker) *Pool {
	t.Helper()
	path := writePool(t, f)
	return New(path, flock.New(path+".lock"), present)
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, samplePool(), links("br-pool"))
	require.NoError(t, p.Probe(ctx))

	noBridge := newPool(t, samplePool(), links())
	require.Error(t, noBridge.Probe(ctx))

	missing := New(filepath.Join(t.TempDir(), "absent.json"), flock.New(filepath.Join(t.TempDir(), "l")), links("br-pool"))
	require.Error(t, missing.Probe(ctx))
}

func TestAllocateSkipsMissingDevices(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, samplePool(), links("br-pool", "tap1", "tap2"))

	a, err := p.Allocate(ctx, "vm-a")
	require.NoError(t, err)
	require.Equal(t, "tap1", a.TapName)
	require.Equal(t, "10.0.0.3", a.GuestIP)
	require.Equal(t, "br-pool", a.Bridge)

	b, err := p.Allocate(ctx, "vm-b")
	require.NoError(t, err)
	require.Equal(t, "tap2", b.TapName)

	_, err = p.Allocate(ctx, "vm-c")
	require.ErrorIs(t, err, types.ErrResourceExhausted)

	require.NoError(t, p.Release(ctx, "tap1", "vm-a"))
	require.NoError(t, p.Release(ctx, "tap1", "vm-a"))
	c, err := p.Allocate(ctx, "vm-c")
	require.NoError(t, err)
	require.Equal(t, "tap1", c.TapName)
}

func TestReleaseIgnoresOtherOwner(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, samplePool(), links("br-pool", "tap0"))
	_, err := p.Allocate(ctx, "vm-a")
	require.NoError(t, err)

	require.NoError(t, p.Release(ctx, "tap0", "vm-b"))
	ip, ok := p.LookupMAC(ctx, "06:00:0A:00:00:02")
	require.True(t, ok)
	require.Equal(t, "10.0.0.2", ip.String())
}

func TestConcurrentAllocateNeverDoubleAllocates(t *testing.T) {
	ctx := context.Background()
	path := writePool(t, samplePool())
	present := links("br-pool", "tap0", "tap1", "tap2")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		got  = map[string]string{}
		errs int
	)
	for i := range 6 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate Pool values share only the file, like separate processes.
			p := New(path, flock.New(path+".lock"), present)
			a, err := p.Allocate(ctx, string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				return
			}
			_, dup := got[a.TapName]
			require.False(t, dup)
			got[a.TapName] = string(rune('a' + i))
		}(i)
	}
	wg.Wait()
	require.Len(t, got, 3)
	require.Equal(t, 3, errs)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, samplePool(), links("br-pool", "tap0", "tap1"))
	_, err := p.Allocate(ctx, "vm-a")
	require.NoError(t, err)

	h := p.Health(ctx)
	require.Equal(t, network.ModePool, h.Mode)
	require.True(t, h.Configured)
	require.True(t, h.BridgePresent)
	require.Equal(t, 2, h.DevicesPresent)
	require.Equal(t, 1, h.DevicesAvailable)
}

type liveSet map[string]struct{}

func (l liveSet) VMIDs() map[string]struct{} { return l }

func TestGCFreesOrphanedEntries(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, samplePool(), links("br-pool", "tap0", "tap1"))
	_, err := p.Allocate(ctx, "alive")
	require.NoError(t, err)
	_, err = p.Allocate(ctx, "gone")
	require.NoError(t, err)

	o := gc.New()
	p.RegisterGC(o)
	gc.Register(o, gc.Module[liveSet]{
		Name:    "vms",
		Locker:  flock.New(filepath.Join(t.TempDir(), "vms.lock")),
		ReadDB:  func(context.Context) (liveSet, error) { return liveSet{"alive": {}}, nil },
		Resolve: func(liveSet, map[string]any) []string { return nil },
		Collect: func(context.Context, []string) error { return nil },
	})
	_, err = o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, p.Health(ctx).DevicesAvailable)
}

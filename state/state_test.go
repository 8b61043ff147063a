package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/types"
)

func newStore(t *testing.T) (*Store, *config.Config) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	require.NoError(t, conf.EnsureDirs())
	return New(conf), conf
}

func TestSaveLoadRemove(t *testing.T) {
	ctx := context.Background()
	s, conf := newStore(t)

	_, err := s.Load(ctx, "nope")
	require.ErrorIs(t, err, types.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	vm := &types.VM{
		ID: "a1", Name: "one", Status: types.VMStateRunning, PID: 42, ControlSocket: "/x.sock", SSHPort: 22000,
		Metadata:  types.Metadata{SSHKeys: []string{"k"}},
		CreatedAt: now,
	}
	require.NoError(t, s.Save(ctx, vm))
	require.False(t, vm.UpdatedAt.IsZero())

	got, err := s.Load(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "one", got.Name)
	require.Equal(t, 42, got.PID)
	require.Equal(t, []string{"k"}, got.Metadata.SSHKeys)
	require.True(t, got.CreatedAt.Equal(now))

	got.Status = types.VMStateStopped
	got.ClearProcess()
	require.NoError(t, s.Save(ctx, got))
	again, err := s.Load(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, types.VMStateStopped, again.Status)
	require.Zero(t, again.PID)
	require.Empty(t, again.ControlSocket)

	require.NoError(t, s.Remove(ctx, "a1"))
	_, err = os.Stat(conf.VMDir("a1"))
	require.True(t, os.IsNotExist(err))
}

func TestLoadAllSkipsBrokenRecords(t *testing.T) {
	ctx := context.Background()
	s, conf := newStore(t)
	base := time.Now()
	require.NoError(t, s.Save(ctx, &types.VM{ID: "b", Name: "b", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Save(ctx, &types.VM{ID: "a", Name: "a", CreatedAt: base}))

	require.NoError(t, conf.EnsureVMDirs("broken"))
	require.NoError(t, os.WriteFile(conf.VMStateFile("broken"), []byte("{"), 0o600))
	require.NoError(t, conf.EnsureVMDirs("empty"))

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "b", all[1].ID)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	s, conf := newStore(t)
	base := time.Now()

	for i, id := range []string{"s2", "s1"} {
		dir := conf.SnapshotDir("vm1", id)
		require.NoError(t, os.MkdirAll(dir, 0o750))
		require.NoError(t, s.SaveSnapshot(ctx, dir, &types.Snapshot{
			ID: id, VMID: "vm1", StatePath: "/elsewhere/snapshot.bin", CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, os.MkdirAll(conf.SnapshotDir("vm2", "junk"), 0o750))

	snaps, err := s.ListSnapshots(ctx, "")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "s1", snaps[0].ID)
	require.Equal(t, filepath.Join(conf.SnapshotDir("vm1", "s1"), "snapshot.bin"), snaps[0].StatePath)

	snaps, err = s.ListSnapshots(ctx, "vm2")
	require.NoError(t, err)
	require.Empty(t, snaps)

	require.NoError(t, s.RemoveSnapshot(ctx, "vm1", "s1"))
	require.ErrorIs(t, s.RemoveSnapshot(ctx, "vm1", "s1"), types.ErrNotFound)
	_, err = s.LoadSnapshot(ctx, conf.SnapshotDir("vm1", "s1"))
	require.ErrorIs(t, err, types.ErrNotFound)
}

package vm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

func TestSnapshotOfRunningVM(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)

	vm := running(t, m, "src")
	snap, err := m.CreateSnapshot(ctx, "src", "golden")
	require.NoError(t, err)

	after, err := m.Get(ctx, "src")
	require.NoError(t, err)
	require.Equal(t, types.VMStateRunning, after.Status)

	dir := env.conf.SnapshotDir(vm.ID, snap.ID)
	for _, p := range []string{snap.StatePath, snap.MemPath, snap.DiskPath, filepath.Join(dir, config.SnapshotMetaFile)} {
		require.True(t, utils.ValidFile(p), p)
	}
	require.Equal(t, vm.ID, snap.VMID)
	require.Equal(t, "golden", snap.Name)
	require.Equal(t, vm.Metadata, snap.Metadata)
	require.Equal(t, vm.Resources, snap.Resources)

	ops := env.hv.ops(vm.ControlSocket)
	require.Equal(t, []string{"pause", "snapshot_create", "resume"}, ops[len(ops)-3:])

	list, err := m.ListSnapshots(ctx, "src")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, snap.ID, list[0].ID)

	require.NoError(t, m.DeleteSnapshot(ctx, "src", snap.ID))
	require.False(t, utils.Exists(dir))
	require.ErrorIs(t, m.DeleteSnapshot(ctx, "src", snap.ID), types.ErrNotFound)
}

func TestSnapshotOfPausedVMStaysPaused(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)

	vm := running(t, m, "held")
	require.NoError(t, m.Pause(ctx, "held"))
	_, err := m.CreateSnapshot(ctx, "held", "")
	require.NoError(t, err)

	after, err := m.Get(ctx, "held")
	require.NoError(t, err)
	require.Equal(t, types.VMStatePaused, after.Status)
	ops := env.hv.ops(vm.ControlSocket)
	require.Equal(t, []string{"pause", "snapshot_create"}, ops[len(ops)-2:])
}

func TestSnapshotRequiresLiveVM(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t)

	_, err := m.Create(ctx, CreateConfig{Name: "cold", NoStart: true})
	require.NoError(t, err)
	_, err = m.CreateSnapshot(ctx, "cold", "")
	require.ErrorIs(t, err, types.ErrInvalidState)
	_, err = m.CreateSnapshot(ctx, "ghost", "")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestFailedSnapshotResumesVM(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)

	running(t, m, "flaky")
	env.hv.setFail("snapshot_create", errInjected)
	_, err := m.CreateSnapshot(ctx, "flaky", "")
	require.ErrorIs(t, err, errInjected)

	after, err := m.Get(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, types.VMStateRunning, after.Status)
	list, err := m.ListSnapshots(ctx, "flaky")
	require.NoError(t, err)
	require.Empty(t, list)
	snapIDs, err := utils.ScanSubdirs(env.conf.SnapshotsDir(after.ID))
	require.NoError(t, err)
	require.Empty(t, snapIDs)
}

func TestStuckPausedIsEscalated(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)
	events, unsub := m.Subscribe(32)
	defer unsub()

	running(t, m, "stuck")
	env.hv.setFail("resume", errInjected)
	_, err := m.CreateSnapshot(ctx, "stuck", "")
	require.NoError(t, err)

	after, err := m.Get(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, types.VMStateError, after.Status)
	require.Contains(t, after.Error, "stuck paused")

	var sawFailure bool
	for len(events) > 0 {
		if e := <-events; e.Type == EventFailed && e.VMID == after.ID {
			sawFailure = true
		}
	}
	require.True(t, sawFailure)
}

func TestRestoreReidentifies(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)

	src := running(t, m, "src")
	snap, err := m.CreateSnapshot(ctx, "src", "")
	require.NoError(t, err)
	dir := filepath.Dir(snap.StatePath)

	restored, err := m.RestoreFromSnapshot(ctx, dir, RestoreOptions{Name: "clone"})
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx, "clone"))
	clone, err := m.Get(ctx, restored.ID)
	require.NoError(t, err)

	require.Equal(t, types.VMStateRunning, clone.Status)
	require.NotEqual(t, src.ID, clone.ID)
	require.NotEqual(t, src.SSHPort, clone.SSHPort)
	require.Equal(t, clone.ID, clone.Metadata.Instance.ID)
	require.Equal(t, "clone", clone.Metadata.Instance.Hostname)
	require.NotEqual(t, src.Network.GuestIP, clone.Network.GuestIP)
	require.Equal(t, clone.Network.GuestIP, clone.Metadata.Network.IP)
	require.Equal(t, network.TapName(clone.ID), clone.Network.TapDevice)
	require.Equal(t, src.Resources, clone.Resources)
	require.Equal(t, &types.SourceSnapshot{VMID: src.ID, SnapshotID: snap.ID, SnapshotDir: dir}, clone.SourceSnapshot)

	// load paused, rebind the disk, push the new identity, then resume
	require.Equal(t, []string{"load", "update_drive", "mmds", "resume"}, env.hv.ops(clone.ControlSocket))
	require.Equal(t, hypervisor.LoadRequest{
		StatePath: env.conf.VMRestoreStatePath(clone.ID),
		MemPath:   env.conf.VMRestoreMemPath(clone.ID),
		Resume:    false,
		TapDevice: clone.Network.TapDevice,
	}, env.hv.arg(clone.ControlSocket, "load"))
	require.Equal(t, types.StorageConfig{Path: env.conf.VMRootfsPath(clone.ID), IsRoot: true}, env.hv.arg(clone.ControlSocket, "update_drive"))
	pushed := env.hv.arg(clone.ControlSocket, "mmds").(types.Metadata)
	require.Equal(t, clone.ID, pushed.Instance.ID)
	require.Equal(t, clone.Network.GuestIP, pushed.Network.IP)

	for _, p := range []string{env.conf.VMRestoreStatePath(clone.ID), env.conf.VMRestoreMemPath(clone.ID), env.conf.VMRootfsPath(clone.ID)} {
		require.True(t, utils.ValidFile(p), p)
	}
	// the source is untouched
	after, err := m.Get(ctx, "src")
	require.NoError(t, err)
	require.Equal(t, types.VMStateRunning, after.Status)
	require.Equal(t, src.Metadata, after.Metadata)
}

func TestRestoreWithID(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)

	running(t, m, "src")
	snap, err := m.CreateSnapshot(ctx, "src", "")
	require.NoError(t, err)
	dir := filepath.Dir(snap.StatePath)

	vm, err := m.RestoreFromSnapshot(ctx, dir, RestoreOptions{ID: "0f3c9a12-0000-4000-8000-000000000001"})
	require.NoError(t, err)
	require.Equal(t, "0f3c9a12-0000-4000-8000-000000000001", vm.ID)
	require.Equal(t, "vm-0f3c9a12", vm.Name)
	require.NoError(t, m.Wait(ctx, vm.ID))

	launches := env.hv.launches
	_, err = m.RestoreFromSnapshot(ctx, dir, RestoreOptions{ID: vm.ID})
	require.ErrorIs(t, err, types.ErrAlreadyExists)
	_, err = m.RestoreFromSnapshot(ctx, dir, RestoreOptions{Name: "src"})
	require.ErrorIs(t, err, types.ErrAlreadyExists)
	require.Equal(t, launches, env.hv.launches)

	_, err = m.RestoreFromSnapshot(ctx, filepath.Join(env.conf.RootDir, "nowhere"), RestoreOptions{})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRestoreFailureNamesStep(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)

	running(t, m, "src")
	snap, err := m.CreateSnapshot(ctx, "src", "")
	require.NoError(t, err)

	env.hv.setFail("load", errInjected)
	vm, err := m.RestoreFromSnapshot(ctx, filepath.Dir(snap.StatePath), RestoreOptions{Name: "broken"})
	require.NoError(t, err)
	require.ErrorIs(t, m.Wait(ctx, "broken"), errInjected)

	broken, err := m.Get(ctx, vm.ID)
	require.NoError(t, err)
	require.Equal(t, types.VMStateError, broken.Status)
	require.Equal(t, "restore: load snapshot: injected", broken.Error)
	require.Equal(t, []string{"load"}, env.hv.ops(broken.ControlSocket))
}

func TestRestoreRejectsUnsafeID(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)

	running(t, m, "src")
	snap, err := m.CreateSnapshot(ctx, "src", "")
	require.NoError(t, err)
	dir := filepath.Dir(snap.StatePath)
	launches := env.hv.launches

	for _, id := range []string{"../escaped", "a/b", `a\b`, ".", "..", "has.dot", "has space", strings.Repeat("a", 65)} {
		_, err := m.RestoreFromSnapshot(ctx, dir, RestoreOptions{ID: id})
		require.ErrorIs(t, err, types.ErrInvalidState, id)
	}
	require.Equal(t, launches, env.hv.launches)
	require.Equal(t, []string{"src"}, names(m.List(ctx)))
	_, err = os.Stat(filepath.Join(env.conf.RootDir, "escaped"))
	require.True(t, os.IsNotExist(err))

	vm, err := m.RestoreFromSnapshot(ctx, dir, RestoreOptions{ID: strings.Repeat("a", 64)})
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx, vm.ID))
}

func TestRestoreOfNetworkedSnapshotNeedsNetwork(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)

	src := running(t, m, "src")
	require.True(t, src.Network.Networked())
	snap, err := m.CreateSnapshot(ctx, "src", "")
	require.NoError(t, err)

	fn := env.net.(*fakeNet)
	fn.mu.Lock()
	fn.fail = true
	fn.mu.Unlock()
	launches := env.hv.launches

	_, err = m.RestoreFromSnapshot(ctx, filepath.Dir(snap.StatePath), RestoreOptions{Name: "clone"})
	require.ErrorIs(t, err, types.ErrResourceExhausted)
	require.Equal(t, launches, env.hv.launches)
	require.Equal(t, []string{"src"}, names(m.List(ctx)))
	_, err = m.Get(ctx, "clone")
	require.ErrorIs(t, err, types.ErrNotFound)

	// the name and port are free again once a network is available
	fn.mu.Lock()
	fn.fail = false
	fn.mu.Unlock()
	clone, err := m.RestoreFromSnapshot(ctx, filepath.Dir(snap.StatePath), RestoreOptions{Name: "clone"})
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx, "clone"))
	require.Equal(t, []string{"load", "update_drive", "mmds", "resume"}, env.hv.ops(clone.ControlSocket))
}

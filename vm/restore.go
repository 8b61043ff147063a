package vm

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/metadata"
	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

// validID is the character set Firecracker accepts for --id. An id is also
// a directory name under vms/, so it must stay a single path segment.
var validID = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// RestoreOptions name the clone. Empty fields are generated.
type RestoreOptions struct {
	Name string
	ID   string
}

// RestoreFromSnapshot starts a new VM from the snapshot in snapshotDir
// under a fresh identity: new id, port and network. The guest is loaded
// paused, given its new identity through MMDS and only then resumed.
func (m *Manager) RestoreFromSnapshot(ctx context.Context, snapshotDir string, opts RestoreOptions) (*types.VM, error) {
	logger := log.WithFunc("vm.RestoreFromSnapshot")
	if opts.ID != "" && !validID.MatchString(opts.ID) {
		return nil, fmt.Errorf("vm id %q: want 1-64 letters, digits or '-': %w", opts.ID, types.ErrInvalidState)
	}
	snap, err := m.store.LoadSnapshot(ctx, snapshotDir)
	if err != nil {
		return nil, err
	}
	for _, p := range []string{snap.StatePath, snap.MemPath, snap.DiskPath} {
		if !utils.ValidFile(p) {
			return nil, fmt.Errorf("snapshot artifact %s: %w", p, types.ErrNotFound)
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := opts.Name
	if name == "" {
		name = metadata.Hostname("", id)
	}
	port, release, err := m.reserve(id, name)
	if err != nil {
		return nil, err
	}
	unlock, ok := m.locks.TryLock(id)
	if !ok {
		release()
		return nil, fmt.Errorf("vm %s is busy: %w", id, types.ErrAlreadyExists)
	}
	defer unlock()

	cu := cleanup.Make(release)
	defer cu.Clean()

	if err := m.conf.EnsureVMDirs(id); err != nil {
		return nil, err
	}
	cu.Add(func() {
		if err := m.store.Remove(context.WithoutCancel(ctx), id); err != nil {
			logger.Warnf(ctx, "rollback vm dir %s: %v", id, err)
		}
	})

	n := m.allocateNetwork(ctx, id)
	if n.Networked() {
		cu.Add(func() { m.releaseNetwork(context.WithoutCancel(ctx), id, n) })
	}
	// the saved device config still names the source's TAP
	if snap.Network.Networked() && !n.Networked() {
		return nil, fmt.Errorf("snapshot %s was taken with a network, none available for the clone: %w", snap.ID, types.ErrResourceExhausted)
	}
	md, err := metadata.Reidentify(snap.Metadata, id, name, n, m.dns(n))
	if err != nil {
		return nil, err
	}

	statePath, memPath := m.conf.VMRestoreStatePath(id), m.conf.VMRestoreMemPath(id)
	g, gctx := errgroup.WithContext(ctx)
	for src, dst := range map[string]string{
		snap.StatePath: statePath,
		snap.MemPath:   memPath,
		snap.DiskPath:  m.conf.VMRootfsPath(id),
	} {
		g.Go(func() error { return utils.CopyFile(gctx, src, dst, nil) })
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("copy snapshot artifacts: %w", err)
	}

	socket := m.conf.VMSocketPath(id)
	pid, err := m.deps.Supervisor.Launch(ctx, id, socket, m.conf.VMProcessLog(id))
	if err != nil {
		return nil, err
	}
	cu.Add(func() { m.kill(ctx, id, pid) })

	vm, err := m.get(id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	vm.PID = pid
	vm.ControlSocket = socket
	vm.SSHPort = port
	vm.Network = n
	vm.Resources = snap.Resources
	vm.BaseImage = snap.BaseImage
	vm.Metadata = md
	vm.SourceSnapshot = &types.SourceSnapshot{VMID: snap.VMID, SnapshotID: snap.ID, SnapshotDir: snapshotDir}
	vm.StartedAt = &now
	if err := m.persist(ctx, vm); err != nil {
		return nil, err
	}

	req := hypervisor.LoadRequest{StatePath: statePath, MemPath: memPath, TapDevice: n.TapDevice}
	if err := m.spawn(ctx, id, "restore", func(ctx context.Context) error {
		return m.restore(ctx, id, req)
	}); err != nil {
		return nil, err
	}
	cu.Release()
	logger.Infof(ctx, "restoring vm %s (%s) from snapshot %s of vm %s", id, name, snap.ID, snap.VMID)
	return m.get(id)
}

// restore drives a freshly launched process through snapshot load. Each
// failure names the step it happened in.
func (m *Manager) restore(ctx context.Context, id string, req hypervisor.LoadRequest) error {
	vm, err := m.get(id)
	if err != nil {
		return err
	}
	if err := m.deps.Supervisor.WaitSocket(ctx, vm.ControlSocket, vm.PID, m.conf.Timeouts.Socket); err != nil {
		return fmt.Errorf("wait socket: %w", err)
	}
	ctl := m.deps.Controllers(vm.ControlSocket)
	if err := ctl.LoadSnapshot(ctx, req); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := ctl.UpdateDrive(ctx, types.StorageConfig{Path: m.conf.VMRootfsPath(id), IsRoot: true}); err != nil {
		return fmt.Errorf("rebind disk: %w", err)
	}
	if vm.Network.Networked() {
		if err := m.pushMetadata(ctx, id, ctl); err != nil {
			return fmt.Errorf("push metadata: %w", err)
		}
	}
	if err := ctl.Resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if _, err := m.taskUpdate(ctx, id, func(vm *types.VM) error {
		vm.Status = types.VMStateBooting
		return nil
	}); err != nil {
		return err
	}
	return m.awaitReady(ctx, id, m.conf.Timeouts.Restore)
}

package vm

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

// CreateSnapshot captures machine state, memory and disk of a Running or
// Paused VM into snapshots/<id>/. A Running VM is paused for the capture
// and resumed afterwards; if that resume fails the VM is left in Error.
func (m *Manager) CreateSnapshot(ctx context.Context, ref, name string) (snap *types.Snapshot, err error) {
	err = m.withVM(ctx, ref, func(id string) error {
		snap, err = m.snapshot(ctx, id, name)
		return err
	})
	return snap, err
}

func (m *Manager) snapshot(ctx context.Context, id, name string) (*types.Snapshot, error) {
	logger := log.WithFunc("vm.CreateSnapshot")
	ctl, err := m.controller(id, types.VMStateRunning, types.VMStatePaused)
	if err != nil {
		return nil, err
	}
	vm, err := m.get(id)
	if err != nil {
		return nil, err
	}

	if vm.Status == types.VMStateRunning {
		if err := ctl.Pause(ctx); err != nil {
			return nil, fmt.Errorf("pause: %w", err)
		}
		if _, err := m.setStatus(ctx, id, types.VMStatePaused); err != nil {
			logger.Warnf(ctx, "record pause of vm %s: %v", id, err)
		}
		defer func() {
			rctx := context.WithoutCancel(ctx)
			if err := ctl.Resume(rctx); err != nil {
				logger.Errorf(rctx, err, "vm %s stuck paused after snapshot", id)
				m.recordError(rctx, id, "snapshot", fmt.Errorf("stuck paused: %w", err), false)
				return
			}
			if _, err := m.setStatus(rctx, id, types.VMStateRunning); err != nil {
				logger.Warnf(rctx, "record resume of vm %s: %v", id, err)
			}
		}()
	}

	snapID := uuid.NewString()
	dir := m.conf.SnapshotDir(id, snapID)
	if err := utils.EnsureDirs(dir); err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := utils.RemoveAll(context.WithoutCancel(ctx), dir); err != nil {
			logger.Warnf(ctx, "rollback snapshot %s: %v", dir, err)
		}
	})
	defer cu.Clean()

	snap := &types.Snapshot{
		ID:        snapID,
		VMID:      id,
		Name:      name,
		BaseImage: vm.BaseImage,
		StatePath: filepath.Join(dir, config.SnapshotStateFile),
		MemPath:   filepath.Join(dir, config.SnapshotMemFile),
		DiskPath:  filepath.Join(dir, config.RootfsFile),
		Metadata:  vm.Metadata.Clone(),
		Resources: vm.Resources,
		Network:   vm.Network,
		CreatedAt: time.Now(),
	}
	if err := ctl.CreateSnapshot(ctx, snap.StatePath, snap.MemPath); err != nil {
		return nil, fmt.Errorf("snapshot create: %w", err)
	}
	if err := utils.CopyFile(ctx, m.conf.VMRootfsPath(id), snap.DiskPath, nil); err != nil {
		return nil, fmt.Errorf("copy disk: %w", err)
	}
	if err := m.store.SaveSnapshot(ctx, dir, snap); err != nil {
		return nil, fmt.Errorf("write snapshot metadata: %w", err)
	}
	cu.Release()

	m.events.publish(ctx, Event{Type: EventSnapshot, VMID: id, Name: vm.Name, Status: types.VMStatePaused})
	logger.Infof(ctx, "vm %s snapshot %s written to %s", id, snapID, dir)
	return snap, nil
}

// ListSnapshots returns the snapshots of ref, or of every VM when ref is
// empty.
func (m *Manager) ListSnapshots(ctx context.Context, ref string) ([]*types.Snapshot, error) {
	id := ""
	if ref != "" {
		var err error
		if id, err = m.resolve(ref); err != nil {
			return nil, err
		}
	}
	return m.store.ListSnapshots(ctx, id)
}

// DeleteSnapshot removes one snapshot of ref. VMs restored from it keep
// their own copies.
func (m *Manager) DeleteSnapshot(ctx context.Context, ref, snapID string) error {
	return m.withVM(ctx, ref, func(id string) error {
		if err := m.store.RemoveSnapshot(ctx, id, snapID); err != nil {
			return err
		}
		log.WithFunc("vm.DeleteSnapshot").Infof(ctx, "vm %s snapshot %s deleted", id, snapID)
		return nil
	})
}

// Package state persists VM and snapshot records under the root directory.
// Each VM record lives in its own flock-guarded JSON file so that a crash
// mid-write never corrupts another VM's state.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/lock/flock"
	"github.com/projecteru2/burrow/storage"
	storejson "github.com/projecteru2/burrow/storage/json"
	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

// Store is the VmStateStore.
type Store struct {
	conf *config.Config
}

func New(conf *config.Config) *Store { return &Store{conf: conf} }

func (s *Store) record(id string) storage.Store[types.VM] {
	return storejson.New[types.VM](s.conf.VMStateFile(id), flock.New(s.conf.VMStateLock(id)))
}

// Save writes vm atomically, stamping UpdatedAt.
func (s *Store) Save(ctx context.Context, vm *types.VM) error {
	if vm == nil || vm.ID == "" {
		return errors.New("save: record has no id")
	}
	if err := s.conf.EnsureVMDirs(vm.ID); err != nil {
		return err
	}
	vm.UpdatedAt = time.Now()
	snapshot := vm.Clone()
	return s.record(vm.ID).Update(ctx, func(rec *types.VM) error {
		*rec = *snapshot
		return nil
	})
}

// Load returns the record for id, or types.ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*types.VM, error) {
	if !utils.Exists(s.conf.VMStateFile(id)) {
		return nil, fmt.Errorf("vm %s: %w", id, types.ErrNotFound)
	}
	var out *types.VM
	if err := s.record(id).With(ctx, func(rec *types.VM) error {
		out = rec.Clone()
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadAll reads every VM record. Unreadable records are logged and skipped.
func (s *Store) LoadAll(ctx context.Context) ([]*types.VM, error) {
	logger := log.WithFunc("state.LoadAll")
	ids, err := utils.ScanSubdirs(s.conf.VMsDir())
	if err != nil {
		return nil, err
	}
	var out []*types.VM
	for _, id := range ids {
		vm, err := s.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				logger.Warnf(ctx, "skip vm %s: %v", id, err)
			}
			continue
		}
		if vm.ID != id {
			logger.Warnf(ctx, "skip vm dir %s: record claims id %s", id, vm.ID)
			continue
		}
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Remove deletes the VM directory: record, disk, log and snapshots.
func (s *Store) Remove(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("remove: empty id")
	}
	return utils.RemoveAll(ctx, s.conf.VMDir(id))
}

// SaveSnapshot writes snap's metadata.json into dir.
func (s *Store) SaveSnapshot(_ context.Context, dir string, snap *types.Snapshot) error {
	return utils.AtomicWriteJSON(filepath.Join(dir, config.SnapshotMetaFile), snap)
}

// LoadSnapshot reads dir/metadata.json. Artifact paths recorded in it are
// rebased onto dir, so a snapshot directory can be moved as a whole.
func (s *Store) LoadSnapshot(_ context.Context, dir string) (*types.Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, config.SnapshotMetaFile)) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot %s: %w", dir, types.ErrNotFound)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", dir, err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", dir, err)
	}
	snap.StatePath = filepath.Join(dir, config.SnapshotStateFile)
	snap.MemPath = filepath.Join(dir, config.SnapshotMemFile)
	snap.DiskPath = filepath.Join(dir, config.RootfsFile)
	return &snap, nil
}

// ListSnapshots returns the snapshots of vmID, or of every VM when vmID is
// empty, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, vmID string) ([]*types.Snapshot, error) {
	vmIDs := []string{vmID}
	if vmID == "" {
		var err error
		if vmIDs, err = utils.ScanSubdirs(s.conf.VMsDir()); err != nil {
			return nil, err
		}
	}
	var out []*types.Snapshot
	for _, id := range vmIDs {
		snapIDs, err := utils.ScanSubdirs(s.conf.SnapshotsDir(id))
		if err != nil {
			return nil, err
		}
		for _, snapID := range snapIDs {
			snap, err := s.LoadSnapshot(ctx, s.conf.SnapshotDir(id, snapID))
			if err != nil {
				log.WithFunc("state.ListSnapshots").Debugf(ctx, "skip %s/%s: %v", id, snapID, err)
				continue
			}
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RemoveSnapshot deletes one snapshot directory, or types.ErrNotFound.
func (s *Store) RemoveSnapshot(ctx context.Context, vmID, snapID string) error {
	dir := s.conf.SnapshotDir(vmID, snapID)
	if vmID == "" || snapID == "" || !utils.Exists(dir) {
		return fmt.Errorf("snapshot %s/%s: %w", vmID, snapID, types.ErrNotFound)
	}
	return utils.RemoveAll(ctx, dir)
}

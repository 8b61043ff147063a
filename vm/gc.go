package vm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/lock/flock"
	"github.com/projecteru2/burrow/utils"
)

const gcName = "vms"

// vmSnapshot is the "vms" module's view. It publishes the live VM ids for
// the network modules.
type vmSnapshot struct {
	live map[string]struct{}
	// orphans are VM directories without a record, and snapshot
	// directories without metadata, both older than utils.StaleTempAge.
	orphans []string
}

func (s vmSnapshot) VMIDs() map[string]struct{} { return s.live }

// GCModule collects directories left behind by crashed creates, restores
// and snapshots.
func (m *Manager) GCModule() gc.Module[vmSnapshot] {
	return gc.Module[vmSnapshot]{
		Name:   gcName,
		Locker: flock.New(m.conf.GCLock()),
		ReadDB: func(_ context.Context) (vmSnapshot, error) {
			snap := vmSnapshot{live: make(map[string]struct{})}
			m.mu.Lock()
			for id := range m.vms {
				snap.live[id] = struct{}{}
			}
			m.mu.Unlock()

			dirs, err := utils.ScanSubdirs(m.conf.VMsDir())
			if err != nil {
				return snap, err
			}
			cutoff := time.Now().Add(-utils.StaleTempAge)
			for _, id := range utils.FilterUnreferenced(dirs, snap.live) {
				if staleDir(m.conf.VMDir(id), cutoff) && !utils.Exists(m.conf.VMStateFile(id)) {
					snap.orphans = append(snap.orphans, m.conf.VMDir(id))
				}
			}
			for id := range snap.live {
				snapIDs, err := utils.ScanSubdirs(m.conf.SnapshotsDir(id))
				if err != nil {
					return snap, err
				}
				for _, snapID := range snapIDs {
					dir := m.conf.SnapshotDir(id, snapID)
					if staleDir(dir, cutoff) && !utils.Exists(filepath.Join(dir, config.SnapshotMetaFile)) {
						snap.orphans = append(snap.orphans, dir)
					}
				}
			}
			return snap, nil
		},
		Resolve: func(snap vmSnapshot, _ map[string]any) []string {
			return snap.orphans
		},
		Collect: func(ctx context.Context, dirs []string) error {
			var errs []error
			for _, dir := range dirs {
				if err := utils.RemoveAll(ctx, dir); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// RegisterGC registers the "vms" module.
func (m *Manager) RegisterGC(o *gc.Orchestrator) {
	gc.Register(o, m.GCModule())
}

func staleDir(dir string, cutoff time.Time) bool {
	info, err := os.Stat(dir)
	return err == nil && info.ModTime().Before(cutoff)
}

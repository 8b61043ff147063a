package config

import (
	"path/filepath"

	"github.com/projecteru2/burrow/utils"
)

// Snapshot artifact names inside snapshots/<id>/.
const (
	SnapshotStateFile = "snapshot.bin"
	SnapshotMemFile   = "mem.bin"
	SnapshotMetaFile  = "metadata.json"
	RootfsFile        = "rootfs.ext4"
)

// EnsureDirs creates the static directories. Per-VM directories are created
// on demand by EnsureVMDirs.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(c.VMsDir(), c.networkDir())
}

// EnsureVMDirs creates the per-VM data directory.
func (c *Config) EnsureVMDirs(vmID string) error {
	return utils.EnsureDirs(c.VMDir(vmID), c.SnapshotsDir(vmID))
}

func (c *Config) HostLock() string { return filepath.Join(c.RootDir, "burrow.lock") }
func (c *Config) GCLock() string   { return filepath.Join(c.RootDir, "gc.lock") }
func (c *Config) VMsDir() string   { return filepath.Join(c.RootDir, "vms") }

func (c *Config) VMDir(vmID string) string        { return filepath.Join(c.VMsDir(), vmID) }
func (c *Config) VMStateFile(vmID string) string  { return filepath.Join(c.VMDir(vmID), "state.json") }
func (c *Config) VMStateLock(vmID string) string  { return filepath.Join(c.VMDir(vmID), "state.lock") }
func (c *Config) VMSocketPath(vmID string) string { return filepath.Join(c.VMDir(vmID), "api.sock") }
func (c *Config) VMProcessLog(vmID string) string { return filepath.Join(c.VMDir(vmID), "firecracker.log") }
func (c *Config) VMRootfsPath(vmID string) string { return filepath.Join(c.VMDir(vmID), RootfsFile) }
func (c *Config) SnapshotsDir(vmID string) string { return filepath.Join(c.VMDir(vmID), "snapshots") }

// VMRestoreStatePath and VMRestoreMemPath hold the private copies a restored
// VM loads from; the memory file stays mapped for the life of the process.
func (c *Config) VMRestoreStatePath(vmID string) string {
	return filepath.Join(c.VMDir(vmID), SnapshotStateFile)
}

func (c *Config) VMRestoreMemPath(vmID string) string {
	return filepath.Join(c.VMDir(vmID), SnapshotMemFile)
}

func (c *Config) SnapshotDir(vmID, snapID string) string {
	return filepath.Join(c.SnapshotsDir(vmID), snapID)
}

// BaseImageDir returns <BaseImagesDir>/<name>.
func (c *Config) BaseImageDir(name string) string {
	return filepath.Join(c.BaseImagesDir, name)
}

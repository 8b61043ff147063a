// Package hypervisor launches and supervises hypervisor processes and talks
// to them over their Unix control socket.
package hypervisor

import (
	"context"
	"time"

	"github.com/projecteru2/burrow/types"
)

// Supervisor owns hypervisor OS processes.
type Supervisor interface {
	// Launch spawns the hypervisor for vmID and returns its pid without
	// waiting for the control socket.
	Launch(ctx context.Context, vmID, socketPath, logPath string) (int, error)
	// WaitSocket blocks until socketPath accepts connections, the process
	// exits or timeout expires.
	WaitSocket(ctx context.Context, socketPath string, pid int, timeout time.Duration) error
	IsAlive(pid int) bool
	// Terminate stops pid. Graceful means SIGTERM with a grace period before
	// SIGKILL. A process that is already gone is success.
	Terminate(ctx context.Context, pid int, graceful bool) error
}

// LoadRequest describes a snapshot to restore.
type LoadRequest struct {
	StatePath string
	MemPath   string
	Resume    bool
	// TapDevice, when set, rebinds the guest eth0 to a different host TAP.
	TapDevice string
}

// Controller is the per-VM control channel.
type Controller interface {
	SetBootSource(ctx context.Context, boot types.BootConfig) error
	AttachDrive(ctx context.Context, drive types.StorageConfig) error
	UpdateDrive(ctx context.Context, drive types.StorageConfig) error
	AttachNetwork(ctx context.Context, net types.Network) error
	SetMachineConfig(ctx context.Context, res types.Resources) error
	ConfigureMMDS(ctx context.Context) error
	PutMetadata(ctx context.Context, doc any) error

	Start(ctx context.Context) error
	SendCtrlAltDel(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	CreateSnapshot(ctx context.Context, statePath, memPath string) error
	LoadSnapshot(ctx context.Context, req LoadRequest) error
}

// ControllerFactory binds a Controller to a VM's socket.
type ControllerFactory func(socketPath string) Controller

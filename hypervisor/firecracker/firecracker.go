// Package firecracker implements hypervisor.Controller for the Firecracker
// REST API served on the VM's Unix socket.
package firecracker

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/types"
)

var _ hypervisor.Controller = (*Client)(nil)

// Client is a Firecracker control channel bound to one socket.
type Client struct {
	api *hypervisor.Client
}

// New returns a Client for socketPath; timeout <= 0 uses hypervisor.HTTPTimeout.
func New(socketPath string, timeout time.Duration) *Client {
	return &Client{api: hypervisor.NewClient(socketPath, timeout)}
}

// Factory returns a hypervisor.ControllerFactory using timeout for every call.
func Factory(timeout time.Duration) hypervisor.ControllerFactory {
	return func(socketPath string) hypervisor.Controller { return New(socketPath, timeout) }
}

// configure sends an idempotent configuration PUT, retrying transient failures.
func (c *Client) configure(ctx context.Context, path string, body any) error {
	return hypervisor.DoWithRetry(ctx, func() error {
		return c.api.Put(ctx, path, body)
	})
}

func (c *Client) SetBootSource(ctx context.Context, boot types.BootConfig) error {
	return c.configure(ctx, "/boot-source", fcBootSource{
		KernelImagePath: boot.KernelPath,
		BootArgs:        boot.BootArgs,
	})
}

func (c *Client) AttachDrive(ctx context.Context, drive types.StorageConfig) error {
	id := drive.ID
	if id == "" && drive.IsRoot {
		id = rootDriveID
	}
	if id == "" {
		return fmt.Errorf("drive %s has no id", drive.Path)
	}
	return c.configure(ctx, "/drives/"+id, fcDrive{
		DriveID:      id,
		PathOnHost:   drive.Path,
		IsRootDevice: drive.IsRoot,
		IsReadOnly:   drive.RO,
	})
}

// UpdateDrive points an attached drive at a new host file. Used after a
// snapshot load, before resume, so a clone never writes to its source disk.
func (c *Client) UpdateDrive(ctx context.Context, drive types.StorageConfig) error {
	id := drive.ID
	if id == "" && drive.IsRoot {
		id = rootDriveID
	}
	return c.api.Patch(ctx, "/drives/"+id, fcDrivePatch{DriveID: id, PathOnHost: drive.Path})
}

func (c *Client) AttachNetwork(ctx context.Context, n types.Network) error {
	if n.TapDevice == "" {
		return fmt.Errorf("network has no tap device")
	}
	return c.configure(ctx, "/network-interfaces/"+guestIface, fcNetworkInterface{
		IfaceID:     guestIface,
		GuestMAC:    n.MAC,
		HostDevName: n.TapDevice,
	})
}

func (c *Client) SetMachineConfig(ctx context.Context, res types.Resources) error {
	return c.configure(ctx, "/machine-config", fcMachineConfig{
		VCPUCount:  res.VCPUs,
		MemSizeMib: res.MemoryMB,
	})
}

// ConfigureMMDS enables MMDS V2 on eth0.
func (c *Client) ConfigureMMDS(ctx context.Context) error {
	return c.configure(ctx, "/mmds/config", fcMMDSConfig{
		Version:           mmdsVersion,
		NetworkInterfaces: []string{guestIface},
	})
}

// PutMetadata replaces the whole MMDS document.
func (c *Client) PutMetadata(ctx context.Context, doc any) error {
	return c.configure(ctx, "/mmds", doc)
}

func (c *Client) Start(ctx context.Context) error {
	return c.api.Put(ctx, "/actions", fcAction{ActionType: actionStart})
}

func (c *Client) SendCtrlAltDel(ctx context.Context) error {
	return c.api.Put(ctx, "/actions", fcAction{ActionType: actionCtrlAltDel})
}

func (c *Client) Pause(ctx context.Context) error {
	return c.api.Patch(ctx, "/vm", fcVMState{State: vmStatePaused})
}

func (c *Client) Resume(ctx context.Context) error {
	return c.api.Patch(ctx, "/vm", fcVMState{State: vmStateResumed})
}

// CreateSnapshot writes a full snapshot; the VM must already be paused.
func (c *Client) CreateSnapshot(ctx context.Context, statePath, memPath string) error {
	return c.api.Put(ctx, "/snapshot/create", fcSnapshotCreate{
		SnapshotType: fullSnap,
		SnapshotPath: statePath,
		MemFilePath:  memPath,
	})
}

// LoadSnapshot restores into a fresh process. With req.TapDevice set, eth0
// is rebound to that host device.
func (c *Client) LoadSnapshot(ctx context.Context, req hypervisor.LoadRequest) error {
	body := fcSnapshotLoad{
		SnapshotPath: req.StatePath,
		MemBackend:   fcMemBackend{BackendType: memBackend, BackendPath: req.MemPath},
		ResumeVM:     req.Resume,
	}
	if req.TapDevice != "" {
		body.NetworkOverrides = []fcNetworkOverride{{IfaceID: guestIface, HostDevName: req.TapDevice}}
	}
	return c.api.Put(ctx, "/snapshot/load", body)
}

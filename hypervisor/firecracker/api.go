package firecracker

// Wire types for the Firecracker REST API.

const (
	rootDriveID = "rootfs"
	guestIface  = "eth0"
	mmdsVersion = "V2"
	fullSnap    = "Full"
	memBackend  = "File"

	actionStart      = "InstanceStart"
	actionCtrlAltDel = "SendCtrlAltDel"
	vmStatePaused    = "Paused"
	vmStateResumed   = "Resumed"
)

type fcBootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args,omitempty"`
}

type fcDrive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type fcDrivePatch struct {
	DriveID    string `json:"drive_id"`
	PathOnHost string `json:"path_on_host"`
}

type fcNetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac,omitempty"`
	HostDevName string `json:"host_dev_name"`
}

type fcMachineConfig struct {
	VCPUCount  int   `json:"vcpu_count"`
	MemSizeMib int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type fcMMDSConfig struct {
	Version           string   `json:"version"`
	NetworkInterfaces []string `json:"network_interfaces"`
}

type fcAction struct {
	ActionType string `json:"action_type"`
}

type fcVMState struct {
	State string `json:"state"`
}

type fcSnapshotCreate struct {
	SnapshotType string `json:"snapshot_type"`
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
}

type fcMemBackend struct {
	BackendType string `json:"backend_type"`
	BackendPath string `json:"backend_path"`
}

type fcNetworkOverride struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
}

type fcSnapshotLoad struct {
	SnapshotPath     string              `json:"snapshot_path"`
	MemBackend       fcMemBackend        `json:"mem_backend"`
	ResumeVM         bool                `json:"resume_vm"`
	NetworkOverrides []fcNetworkOverride `json:"network_overrides,omitempty"`
}

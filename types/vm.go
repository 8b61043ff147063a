package types

import "time"

// VMState is the lifecycle status of a microVM.
type VMState string

const (
	VMStateCreating VMState = "creating" // record written, process launched or pending
	VMStateBooting  VMState = "booting"  // InstanceStart (or resume after restore) issued
	VMStateRunning  VMState = "running"  // guest reachable over SSH
	VMStatePaused   VMState = "paused"
	VMStateStopped  VMState = "stopped"
	VMStateError    VMState = "error"
)

// Resources is the sizing of a VM.
type Resources struct {
	VCPUs    int   `json:"vcpus"`
	MemoryMB int64 `json:"memory_mb"`
	DiskGB   int64 `json:"disk_gb"`
}

// Volume and PortMapping are carried through unvalidated.
type Volume struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

type PortMapping struct {
	HostPort  int    `json:"host_port"`
	GuestPort int    `json:"guest_port"`
	Protocol  string `json:"protocol,omitempty"`
}

// SourceSnapshot points back at the snapshot a restored VM was cloned from.
type SourceSnapshot struct {
	VMID        string `json:"vm_id"`
	SnapshotID  string `json:"snapshot_id"`
	SnapshotDir string `json:"snapshot_dir"`
}

// VM is the persisted record for a single microVM (state.json).
type VM struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Status VMState `json:"status"`

	// PID and ControlSocket are set together and cleared together.
	PID           int    `json:"pid,omitempty"`
	ControlSocket string `json:"control_socket,omitempty"`

	SSHPort   int       `json:"ssh_port"`
	Network   Network   `json:"network"`
	Resources Resources `json:"resources"`
	BaseImage string    `json:"base_image"`

	Volumes      []Volume      `json:"volumes,omitempty"`
	PortMappings []PortMapping `json:"port_mappings,omitempty"`

	Metadata       Metadata        `json:"metadata"`
	SourceSnapshot *SourceSnapshot `json:"source_snapshot,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	Error string `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand out past a lock.
func (v *VM) Clone() *VM {
	c := *v
	c.Volumes = append([]Volume(nil), v.Volumes...)
	c.PortMappings = append([]PortMapping(nil), v.PortMappings...)
	c.Metadata = v.Metadata.Clone()
	if v.SourceSnapshot != nil {
		s := *v.SourceSnapshot
		c.SourceSnapshot = &s
	}
	if v.StartedAt != nil {
		t := *v.StartedAt
		c.StartedAt = &t
	}
	if v.StoppedAt != nil {
		t := *v.StoppedAt
		c.StoppedAt = &t
	}
	return &c
}

// ClearProcess drops the runtime process fields as a pair.
func (v *VM) ClearProcess() {
	v.PID = 0
	v.ControlSocket = ""
}

// Stats is a per-status count over all known VMs.
type Stats struct {
	Total    int `json:"total"`
	Creating int `json:"creating"`
	Booting  int `json:"booting"`
	Running  int `json:"running"`
	Paused   int `json:"paused"`
	Stopped  int `json:"stopped"`
	Error    int `json:"error"`
}

// SSHInfo describes how to reach a VM's guest over SSH.
type SSHInfo struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	Command string `json:"command"`
	Ready   bool   `json:"ready"`
}

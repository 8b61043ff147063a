package types

import "time"

// Snapshot is a captured machine-state/memory/disk triple of a VM.
// Written once by CreateSnapshot, never mutated.
type Snapshot struct {
	ID        string    `json:"id"`
	VMID      string    `json:"vm_id"`
	Name      string    `json:"name,omitempty"`
	BaseImage string    `json:"base_image"`
	StatePath string    `json:"state_path"`
	MemPath   string    `json:"mem_path"`
	DiskPath  string    `json:"disk_path"`
	Metadata  Metadata  `json:"metadata"`
	Resources Resources `json:"resources"`
	Network   Network   `json:"network"`
	CreatedAt time.Time `json:"created_at"`
}

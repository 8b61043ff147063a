package types

// StorageConfig is a block device attached to the guest.
type StorageConfig struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	RO     bool   `json:"ro"`
	IsRoot bool   `json:"is_root"`
}

package types

// Instance identifies the guest to itself.
type Instance struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
}

// InterfaceInfo describes the guest NIC as served through the metadata service.
type InterfaceInfo struct {
	Device    string   `json:"device"`
	MAC       string   `json:"mac,omitempty"`
	IP        string   `json:"ip,omitempty"`
	PrefixLen int      `json:"prefix_len,omitempty"`
	Gateway   string   `json:"gateway,omitempty"`
	DNS       []string `json:"dns,omitempty"`
}

// Metadata is the identity document the guest reads from MMDS.
type Metadata struct {
	Instance Instance      `json:"instance"`
	Network  InterfaceInfo `json:"network"`
	SSHKeys  []string      `json:"ssh_keys,omitempty"`
	UserData string        `json:"user_data,omitempty"`
}

func (m Metadata) Clone() Metadata {
	c := m
	c.SSHKeys = append([]string(nil), m.SSHKeys...)
	c.Network.DNS = append([]string(nil), m.Network.DNS...)
	return c
}

package types

// NetworkMode tells whether a VM got a TAP identity.
type NetworkMode string

const (
	NetworkModeTap  NetworkMode = "tap"
	NetworkModeNone NetworkMode = "none"
)

// Network is the host/guest network identity of a VM.
type Network struct {
	Mode      NetworkMode `json:"mode"`
	TapDevice string      `json:"tap_device,omitempty"`
	Bridge    string      `json:"bridge,omitempty"`
	MAC       string      `json:"mac_address,omitempty"`
	GuestIP   string      `json:"guest_ip,omitempty"`
	Gateway   string      `json:"gateway,omitempty"`
	PrefixLen int         `json:"prefix_len,omitempty"`
}

// Networked reports whether a TAP device backs this identity.
func (n Network) Networked() bool {
	return n.Mode == NetworkModeTap && n.TapDevice != ""
}

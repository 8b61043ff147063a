package config

import "path/filepath"

// Network configures TAP provisioning. Which strategy is active is probed at
// start-up; both may be configured.
type Network struct {
	// HelperPath is the privileged helper (burrow-tap-helper) used in helper mode.
	HelperPath string `mapstructure:"helper_path" json:"helper_path"`
	// Bridge is the shared bridge TAP devices are attached to in helper mode.
	Bridge string `mapstructure:"bridge" json:"bridge"`
	// Subnet is the guest range in helper mode; the first host address is
	// the gateway, guests are leased from the second.
	Subnet string `mapstructure:"subnet" json:"subnet"`
	// PoolFile lists pre-created TAP devices for pool mode.
	PoolFile string `mapstructure:"pool_file" json:"pool_file"`
	// DNS servers announced to guests; empty means the host's resolv.conf.
	DNS []string `mapstructure:"dns" json:"dns"`
	// DHCP serves static leases on the bridge from `burrow serve`.
	DHCP bool `mapstructure:"dhcp" json:"dhcp"`
}

func (c *Config) networkDir() string { return filepath.Join(c.RootDir, "network") }

// LeaseFile and LeaseLock hold the helper-mode IP lease table.
func (c *Config) LeaseFile() string { return filepath.Join(c.networkDir(), "leases.json") }
func (c *Config) LeaseLock() string { return filepath.Join(c.networkDir(), "leases.lock") }

// PoolLock guards the pool file; it sits next to it.
func (c *Config) PoolLock() string { return c.Network.PoolFile + ".lock" }

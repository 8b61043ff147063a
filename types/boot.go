package types

// BootConfig is the direct-kernel boot source handed to the hypervisor.
type BootConfig struct {
	KernelPath string `json:"kernel_path"`
	BootArgs   string `json:"boot_args,omitempty"`
}

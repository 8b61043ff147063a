package config

import (
	"fmt"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global burrow configuration.
type Config struct {
	// RootDir is the base directory for per-VM data and host-wide state.
	RootDir string `mapstructure:"root_dir" json:"root_dir"`
	// BaseImagesDir holds <name>/{vmlinux,rootfs.ext4|rootfs.qcow2}.
	BaseImagesDir string `mapstructure:"base_images_dir" json:"base_images_dir"`
	// FirecrackerBinary is the hypervisor executable, resolved via PATH if relative.
	FirecrackerBinary string `mapstructure:"firecracker_binary" json:"firecracker_binary"`
	// QemuImgBinary converts rootfs.qcow2 when rootfs.ext4 is absent.
	QemuImgBinary string `mapstructure:"qemu_img_binary" json:"qemu_img_binary"`
	// BootArgs is the kernel command line prefix; network args are appended per VM.
	BootArgs string `mapstructure:"boot_args" json:"boot_args"`
	// PoolSize bounds parallel work such as ShutdownAll.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `mapstructure:"pool_size" json:"pool_size"`

	Defaults Defaults `mapstructure:"defaults" json:"defaults"`
	Ports    Ports    `mapstructure:"ports" json:"ports"`
	Network  Network  `mapstructure:"network" json:"network"`
	SSH      SSH      `mapstructure:"ssh" json:"ssh"`
	Timeouts Timeouts `mapstructure:"timeouts" json:"timeouts"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `mapstructure:"log" json:"log"`
}

// Defaults are the VM sizes used when create does not specify them.
type Defaults struct {
	VCPUs     int    `mapstructure:"vcpus" json:"vcpus"`
	MemoryMB  int64  `mapstructure:"memory_mb" json:"memory_mb"`
	DiskGB    int64  `mapstructure:"disk_gb" json:"disk_gb"`
	BaseImage string `mapstructure:"base_image" json:"base_image"`
}

// Ports is the inclusive host SSH port range.
type Ports struct {
	Low  int `mapstructure:"low" json:"low"`
	High int `mapstructure:"high" json:"high"`
}

type SSH struct {
	User           string `mapstructure:"user" json:"user"`
	PrivateKeyPath string `mapstructure:"private_key_path" json:"private_key_path"`
	PublicKeyPath  string `mapstructure:"public_key_path" json:"public_key_path"`
}

// Timeouts bound every blocking wait in the orchestrator.
type Timeouts struct {
	Socket        time.Duration `mapstructure:"socket" json:"socket"`
	API           time.Duration `mapstructure:"api" json:"api"`
	Stop          time.Duration `mapstructure:"stop" json:"stop"`
	Terminate     time.Duration `mapstructure:"terminate" json:"terminate"`
	Boot          time.Duration `mapstructure:"boot" json:"boot"`
	Restore       time.Duration `mapstructure:"restore" json:"restore"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" json:"probe_interval"`
	Probe         time.Duration `mapstructure:"probe" json:"probe"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:           "/var/lib/burrow",
		BaseImagesDir:     "/var/lib/burrow/images",
		FirecrackerBinary: "firecracker",
		QemuImgBinary:     "qemu-img",
		BootArgs:          "console=ttyS0 reboot=k panic=1 pci=off",
		PoolSize:          runtime.NumCPU(),
		Defaults: Defaults{
			VCPUs:     2,
			MemoryMB:  1024,
			DiskGB:    4,
			BaseImage: "default",
		},
		Ports: Ports{Low: 22000, High: 22999},
		Network: Network{
			HelperPath: "/usr/local/bin/burrow-tap-helper",
			Bridge:     "burrow-br0",
			Subnet:     "172.31.0.0/24",
		},
		SSH: SSH{
			User:           "root",
			PrivateKeyPath: "/var/lib/burrow/ssh/id_ed25519",
			PublicKeyPath:  "/var/lib/burrow/ssh/id_ed25519.pub",
		},
		Timeouts: Timeouts{
			Socket:        5 * time.Second,
			API:           10 * time.Second,
			Stop:          5 * time.Second,
			Terminate:     5 * time.Second,
			Boot:          120 * time.Second,
			Restore:       30 * time.Second,
			ProbeInterval: 2 * time.Second,
			Probe:         5 * time.Second,
		},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Validate normalises zero values and rejects unusable settings.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.Ports.Low < 1 || c.Ports.High > 65535 || c.Ports.Low > c.Ports.High {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Low, c.Ports.High)
	}
	def := DefaultConfig().Timeouts
	fill := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	fill(&c.Timeouts.Socket, def.Socket)
	fill(&c.Timeouts.API, def.API)
	fill(&c.Timeouts.Stop, def.Stop)
	fill(&c.Timeouts.Terminate, def.Terminate)
	fill(&c.Timeouts.Boot, def.Boot)
	fill(&c.Timeouts.Restore, def.Restore)
	fill(&c.Timeouts.ProbeInterval, def.ProbeInterval)
	fill(&c.Timeouts.Probe, def.Probe)
	return nil
}

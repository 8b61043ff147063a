package types

// BaseImage is a template directory under the base-images dir.
type BaseImage struct {
	Name       string `json:"name"`
	KernelPath string `json:"kernel_path"`
	RootfsPath string `json:"rootfs_path"`
	// Format is "raw" for rootfs.ext4 and "qcow2" when only the alternate
	// format is present and needs conversion.
	Format string `json:"format"`
	Size   int64  `json:"size"`
}

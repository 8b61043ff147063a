// Package images resolves base-image templates and prepares per-VM root
// disks from them.
package images

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/progress"
	diskProgress "github.com/projecteru2/burrow/progress/disk"
	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

const (
	kernelFile = "vmlinux"
	qcow2File  = "rootfs.qcow2"

	FormatRaw   = "raw"
	FormatQcow2 = "qcow2"

	gib = int64(1) << 30
)

// Preparer turns a base image into a VM's writable root disk.
type Preparer interface {
	Resolve(ctx context.Context, name string) (*types.BaseImage, error)
	PrepareRootfs(ctx context.Context, img *types.BaseImage, dst string, diskGB int64, tracker progress.Tracker) error
}

var _ Preparer = (*Store)(nil)

// Store reads base images from <base_images_dir>/<name>/.
type Store struct {
	conf *config.Config
}

func New(conf *config.Config) *Store { return &Store{conf: conf} }

// Resolve locates name's kernel and root filesystem, preferring rootfs.ext4
// over rootfs.qcow2. Anything missing is types.ErrImageNotFound.
func (s *Store) Resolve(_ context.Context, name string) (*types.BaseImage, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid base image name %q", types.ErrImageNotFound, name)
	}
	dir := s.conf.BaseImageDir(name)
	img := &types.BaseImage{Name: name, KernelPath: filepath.Join(dir, kernelFile)}
	if !utils.ValidFile(img.KernelPath) {
		return nil, fmt.Errorf("%w: %s: kernel %s missing", types.ErrImageNotFound, name, img.KernelPath)
	}
	switch raw, qcow := filepath.Join(dir, config.RootfsFile), filepath.Join(dir, qcow2File); {
	case utils.ValidFile(raw):
		img.RootfsPath, img.Format = raw, FormatRaw
	case utils.ValidFile(qcow):
		img.RootfsPath, img.Format = qcow, FormatQcow2
	default:
		return nil, fmt.Errorf("%w: %s: neither %s nor %s present", types.ErrImageNotFound, name, config.RootfsFile, qcow2File)
	}
	if info, err := os.Stat(img.RootfsPath); err == nil {
		img.Size = info.Size()
	}
	return img, nil
}

// List returns every resolvable base image, sorted by name.
func (s *Store) List(ctx context.Context) ([]*types.BaseImage, error) {
	names, err := utils.ScanSubdirs(s.conf.BaseImagesDir)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var out []*types.BaseImage
	for _, name := range names {
		img, err := s.Resolve(ctx, name)
		if err != nil {
			log.WithFunc("images.List").Debugf(ctx, "skip %s: %v", name, err)
			continue
		}
		out = append(out, img)
	}
	return out, nil
}

// PrepareRootfs writes a private raw copy of img's root filesystem to dst and
// grows it to diskGB when that is larger than the image.
func (s *Store) PrepareRootfs(ctx context.Context, img *types.BaseImage, dst string, diskGB int64, tracker progress.Tracker) error {
	logger := log.WithFunc("images.PrepareRootfs")
	if tracker == nil {
		tracker = progress.Nop
	}

	switch img.Format {
	case FormatQcow2:
		tracker.OnEvent(diskProgress.Event{Phase: diskProgress.PhaseConvert, Path: dst, BytesTotal: img.Size})
		if err := s.convert(ctx, img.RootfsPath, dst); err != nil {
			return err
		}
	default:
		tracker.OnEvent(diskProgress.Event{Phase: diskProgress.PhaseCopy, Path: dst, BytesTotal: img.Size})
		if err := utils.CopyFile(ctx, img.RootfsPath, dst, func(done int64) {
			tracker.OnEvent(diskProgress.Event{Phase: diskProgress.PhaseCopy, Path: dst, BytesTotal: img.Size, BytesDone: done})
		}); err != nil {
			return err
		}
	}

	if want := diskGB * gib; want > 0 {
		info, err := os.Stat(dst)
		if err != nil {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
		if want > info.Size() {
			tracker.OnEvent(diskProgress.Event{Phase: diskProgress.PhaseResize, Path: dst, BytesTotal: want})
			if err := os.Truncate(dst, want); err != nil {
				return fmt.Errorf("grow %s to %dG: %w", dst, diskGB, err)
			}
		}
	}
	tracker.OnEvent(diskProgress.Event{Phase: diskProgress.PhaseDone, Path: dst})
	logger.Infof(ctx, "rootfs for %s ready at %s", img.Name, dst)
	return nil
}

// convert runs qemu-img into a temp file next to dst, then renames it.
func (s *Store) convert(ctx context.Context, src, dst string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".convert-*.raw")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	bin := s.conf.QemuImgBinary
	if bin == "" {
		bin = "qemu-img"
	}
	cmd := exec.CommandContext(ctx, bin, "convert", "-f", FormatQcow2, "-O", FormatRaw, src, tmpPath) //nolint:gosec // controlled paths
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("qemu-img convert: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

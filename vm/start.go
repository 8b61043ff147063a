package vm

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

const (
	guestDevice = "eth0"
	guestSSH    = 22
)

// Start launches the hypervisor for ref and boots it in the background.
// Starting a running VM, or one whose boot is in flight, is a no-op.
func (m *Manager) Start(ctx context.Context, ref string) error {
	return m.withVM(ctx, ref, func(id string) error {
		return m.start(ctx, id)
	})
}

func (m *Manager) start(ctx context.Context, id string) error {
	logger := log.WithFunc("vm.Start")
	vm, err := m.get(id)
	if err != nil {
		return err
	}
	alive := vm.PID != 0 && m.deps.Supervisor.IsAlive(vm.PID)
	if vm.Status == types.VMStateRunning && alive {
		return nil
	}
	if m.inFlight(id) {
		logger.Debugf(ctx, "vm %s: boot already in flight", id)
		return nil
	}
	if vm.Status == types.VMStateRunning {
		// process died under us
		if vm, err = m.markStopped(ctx, id); err != nil {
			return err
		}
	}
	if err := validateTransition(vm.Status, types.VMStateCreating); err != nil {
		return fmt.Errorf("start vm %s: %w", id, err)
	}
	if alive {
		logger.Warnf(ctx, "vm %s: terminating leftover process %d", id, vm.PID)
		if err := m.deps.Supervisor.Terminate(ctx, vm.PID, false); err != nil {
			return fmt.Errorf("terminate leftover process %d: %w", vm.PID, err)
		}
	}

	img, err := m.deps.Images.Resolve(ctx, vm.BaseImage)
	if err != nil {
		return err
	}
	rootfs := m.conf.VMRootfsPath(id)
	if !utils.ValidFile(rootfs) {
		if err := m.deps.Images.PrepareRootfs(ctx, img, rootfs, vm.Resources.DiskGB, m.deps.Progress); err != nil {
			return fmt.Errorf("prepare disk: %w", err)
		}
	}

	socket := m.conf.VMSocketPath(id)
	pid, err := m.deps.Supervisor.Launch(ctx, id, socket, m.conf.VMProcessLog(id))
	if err != nil {
		return err
	}
	cu := cleanup.Make(func() { m.kill(ctx, id, pid) })
	defer cu.Clean()

	now := time.Now()
	if _, err := m.update(ctx, id, func(vm *types.VM) error {
		vm.Status = types.VMStateCreating
		vm.PID = pid
		vm.ControlSocket = socket
		vm.StartedAt = &now
		vm.StoppedAt = nil
		vm.Error = ""
		return nil
	}); err != nil {
		return err
	}

	boot := types.BootConfig{KernelPath: img.KernelPath, BootArgs: bootArgs(m.conf.BootArgs, vm.Network)}
	if err := m.spawn(ctx, id, "boot", func(ctx context.Context) error {
		return m.boot(ctx, id, boot)
	}); err != nil {
		return err
	}
	cu.Release()
	logger.Infof(ctx, "vm %s launched, pid %d", id, pid)
	return nil
}

// boot configures the launched process, starts the guest and waits for SSH.
func (m *Manager) boot(ctx context.Context, id string, boot types.BootConfig) error {
	vm, err := m.get(id)
	if err != nil {
		return err
	}
	if err := m.deps.Supervisor.WaitSocket(ctx, vm.ControlSocket, vm.PID, m.conf.Timeouts.Socket); err != nil {
		return fmt.Errorf("wait socket: %w", err)
	}
	ctl := m.deps.Controllers(vm.ControlSocket)
	if err := ctl.SetBootSource(ctx, boot); err != nil {
		return fmt.Errorf("boot source: %w", err)
	}
	if err := ctl.AttachDrive(ctx, types.StorageConfig{Path: m.conf.VMRootfsPath(id), IsRoot: true}); err != nil {
		return fmt.Errorf("root drive: %w", err)
	}
	if vm.Network.Networked() {
		if err := ctl.AttachNetwork(ctx, vm.Network); err != nil {
			return fmt.Errorf("network interface: %w", err)
		}
	}
	if err := ctl.SetMachineConfig(ctx, vm.Resources); err != nil {
		return fmt.Errorf("machine config: %w", err)
	}
	if vm.Network.Networked() {
		if err := ctl.ConfigureMMDS(ctx); err != nil {
			return fmt.Errorf("mmds config: %w", err)
		}
		if err := m.pushMetadata(ctx, id, ctl); err != nil {
			return fmt.Errorf("mmds document: %w", err)
		}
	}
	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("instance start: %w", err)
	}
	if _, err := m.taskUpdate(ctx, id, func(vm *types.VM) error {
		vm.Status = types.VMStateBooting
		return nil
	}); err != nil {
		return err
	}
	return m.awaitReady(ctx, id, m.conf.Timeouts.Boot)
}

// awaitReady polls SSH until the guest answers, then marks the VM Running.
// Without a network there is nothing to probe and the VM is marked Running
// right away.
func (m *Manager) awaitReady(ctx context.Context, id string, timeout time.Duration) error {
	logger := log.WithFunc("vm.awaitReady")
	vm, err := m.get(id)
	if err != nil {
		return err
	}
	if !vm.Network.Networked() {
		logger.Warnf(ctx, "vm %s has no network, skipping ssh probe", id)
	} else {
		host := vm.Network.GuestIP
		if err := utils.WaitFor(ctx, timeout, m.conf.Timeouts.ProbeInterval, func() (bool, error) {
			if !m.deps.Supervisor.IsAlive(vm.PID) {
				return false, fmt.Errorf("%w: hypervisor %d exited", types.ErrProcess, vm.PID)
			}
			if err := m.deps.Prober.Probe(ctx, host, guestSSH); err != nil {
				logger.Debugf(ctx, "vm %s not ready: %v", id, err)
				return false, nil
			}
			return true, nil
		}); err != nil {
			return fmt.Errorf("wait ssh: %w", err)
		}
	}
	_, err = m.taskUpdate(ctx, id, func(vm *types.VM) error {
		vm.Status = types.VMStateRunning
		vm.Error = ""
		return nil
	})
	if err == nil {
		logger.Infof(ctx, "vm %s is running", id)
	}
	return err
}

// kill is the rollback for a launch whose record could not be written.
func (m *Manager) kill(ctx context.Context, id string, pid int) {
	if err := m.deps.Supervisor.Terminate(context.WithoutCancel(ctx), pid, false); err != nil {
		log.WithFunc("vm.kill").Warnf(ctx, "kill vm %s pid %d: %v", id, pid, err)
	}
	_ = os.Remove(m.conf.VMSocketPath(id))
}

// bootArgs appends the kernel's static IP configuration for networked VMs:
// ip=<client>::<gateway>:<netmask>::<device>:off.
func bootArgs(base string, n types.Network) string {
	if !n.Networked() || n.GuestIP == "" {
		return base
	}
	mask := net.IP(net.CIDRMask(n.PrefixLen, 32)).String() //nolint:mnd
	ip := fmt.Sprintf("ip=%s::%s:%s::%s:off", n.GuestIP, n.Gateway, mask, guestDevice)
	return strings.TrimSpace(base + " " + ip)
}

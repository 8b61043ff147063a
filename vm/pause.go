package vm

import (
	"context"
	"fmt"
	"slices"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/types"
)

// Pause freezes a Running VM's vCPUs.
func (m *Manager) Pause(ctx context.Context, ref string) error {
	return m.withVM(ctx, ref, func(id string) error {
		ctl, err := m.controller(id, types.VMStateRunning)
		if err != nil {
			return err
		}
		if err := ctl.Pause(ctx); err != nil {
			return fmt.Errorf("pause vm %s: %w", id, err)
		}
		_, err = m.setStatus(ctx, id, types.VMStatePaused)
		return err
	})
}

// Resume continues a Paused VM.
func (m *Manager) Resume(ctx context.Context, ref string) error {
	return m.withVM(ctx, ref, func(id string) error {
		ctl, err := m.controller(id, types.VMStatePaused)
		if err != nil {
			return err
		}
		if err := ctl.Resume(ctx); err != nil {
			return fmt.Errorf("resume vm %s: %w", id, err)
		}
		_, err = m.setStatus(ctx, id, types.VMStateRunning)
		return err
	})
}

// controller returns the control channel of a VM that is in one of the
// wanted states and has a live socket.
func (m *Manager) controller(id string, want ...types.VMState) (hypervisor.Controller, error) {
	vm, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(want, vm.Status) {
		return nil, fmt.Errorf("vm %s is %s: %w", id, vm.Status, types.ErrInvalidState)
	}
	if !m.liveSocket(vm) {
		return nil, fmt.Errorf("vm %s: %w", id, types.ErrNoControlChannel)
	}
	return m.deps.Controllers(vm.ControlSocket), nil
}

// liveSocket reports whether the VM's process is alive and its control
// socket exists.
func (m *Manager) liveSocket(vm *types.VM) bool {
	if vm.PID == 0 || vm.ControlSocket == "" || !m.deps.Supervisor.IsAlive(vm.PID) {
		return false
	}
	if err := hypervisor.CheckSocket(vm.ControlSocket); err != nil {
		log.WithFunc("vm.liveSocket").Debugf(context.Background(), "vm %s: %v", vm.ID, err)
		return false
	}
	return true
}

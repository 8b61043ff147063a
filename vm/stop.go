package vm

import (
	"context"
	"os"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

const exitPollInterval = 100 * time.Millisecond

// Stop shuts a VM down: cancel its task, ask the guest to power off, then
// escalate to SIGTERM and SIGKILL. It only fails for an unknown ref; every
// other problem is logged and the VM still ends Stopped.
func (m *Manager) Stop(ctx context.Context, ref string) error {
	return m.withVM(ctx, ref, func(id string) error {
		m.stop(ctx, id)
		return nil
	})
}

func (m *Manager) stop(ctx context.Context, id string) {
	logger := log.WithFunc("vm.Stop")
	m.cancelTask(id)

	vm, err := m.get(id)
	if err != nil {
		return
	}
	if vm.Status == types.VMStateStopped && vm.PID == 0 {
		return
	}
	if vm.PID != 0 && m.deps.Supervisor.IsAlive(vm.PID) {
		m.shutdown(ctx, vm)
	}
	if _, err := m.markStopped(ctx, id); err != nil {
		logger.Warnf(ctx, "mark vm %s stopped: %v", id, err)
	}
	logger.Infof(ctx, "vm %s stopped", id)
}

// shutdown sends Ctrl+Alt+Del and waits for the process to exit, falling
// back to signals.
func (m *Manager) shutdown(ctx context.Context, vm *types.VM) {
	logger := log.WithFunc("vm.shutdown")
	if vm.Status != types.VMStatePaused && m.liveSocket(vm) {
		if m.powerOff(ctx, vm) {
			return
		}
		logger.Warnf(ctx, "vm %s did not power off within %s, terminating", vm.ID, m.conf.Timeouts.Stop)
	}
	if err := m.deps.Supervisor.Terminate(context.WithoutCancel(ctx), vm.PID, true); err != nil {
		logger.Warnf(ctx, "terminate vm %s pid %d: %v", vm.ID, vm.PID, err)
	}
}

func (m *Manager) powerOff(ctx context.Context, vm *types.VM) bool {
	if err := m.deps.Controllers(vm.ControlSocket).SendCtrlAltDel(ctx); err != nil {
		log.WithFunc("vm.powerOff").Warnf(ctx, "ctrl-alt-del vm %s: %v", vm.ID, err)
		return false
	}
	return utils.WaitFor(ctx, m.conf.Timeouts.Stop, exitPollInterval, func() (bool, error) {
		return !m.deps.Supervisor.IsAlive(vm.PID), nil
	}) == nil
}

// markStopped clears the process fields and records the stop.
func (m *Manager) markStopped(ctx context.Context, id string) (*types.VM, error) {
	now := time.Now()
	vm, err := m.update(ctx, id, func(vm *types.VM) error {
		vm.Status = types.VMStateStopped
		vm.ClearProcess()
		vm.StoppedAt = &now
		return nil
	})
	_ = os.Remove(m.conf.VMSocketPath(id))
	return vm, err
}

// Delete stops the VM and removes every trace of it: port, TAP, directory
// and record. Only an unknown ref is an error.
func (m *Manager) Delete(ctx context.Context, ref string) error {
	return m.withVM(ctx, ref, func(id string) error {
		m.delete(ctx, id)
		return nil
	})
}

func (m *Manager) delete(ctx context.Context, id string) {
	logger := log.WithFunc("vm.Delete")
	m.stop(ctx, id)
	vm, err := m.get(id)
	if err != nil {
		return
	}
	m.releaseNetwork(ctx, id, vm.Network)
	if err := m.store.Remove(ctx, id); err != nil {
		logger.Warnf(ctx, "remove vm %s: %v", id, err)
	}
	m.forget(id, vm.Name, vm.SSHPort)
	m.events.publish(ctx, Event{Type: EventDeleted, VMID: id, Name: vm.Name})
	logger.Infof(ctx, "vm %s (%s) deleted", id, vm.Name)
}

// ShutdownAll cancels every background task, then stops every VM that still
// has a live process, pool_size at a time.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.ShutdownTasks()

	var ids []string
	for _, vm := range m.List(ctx) {
		if isActive(vm.Status) || (vm.PID != 0 && m.deps.Supervisor.IsAlive(vm.PID)) {
			ids = append(ids, vm.ID)
		}
	}
	log.WithFunc("vm.ShutdownAll").Infof(ctx, "stopping %d vm(s)", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.conf.PoolSize)
	for _, id := range ids {
		g.Go(func() error {
			return m.Stop(gctx, id)
		})
	}
	return g.Wait()
}

package vm

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/types"
)

// SetMetadata replaces the identity document of ref. The document is always
// stored in the record. A networked VM with a live control socket also sees
// it in MMDS immediately; any other VM is given it at its next boot.
func (m *Manager) SetMetadata(ctx context.Context, ref string, md types.Metadata) (vm *types.VM, err error) {
	err = m.withVM(ctx, ref, func(id string) error {
		m.mmdsMu.Lock()
		defer m.mmdsMu.Unlock()
		cur, err := m.get(id)
		if err != nil {
			return err
		}
		if cur.Network.Networked() && m.liveSocket(cur) {
			if err := m.deps.Controllers(cur.ControlSocket).PutMetadata(ctx, md); err != nil {
				return fmt.Errorf("push metadata to vm %s: %w", id, err)
			}
		}
		if vm, err = m.update(ctx, id, func(vm *types.VM) error {
			vm.Metadata = md.Clone()
			return nil
		}); err != nil {
			return err
		}
		m.events.publish(ctx, Event{Type: EventMetadata, VMID: id, Name: vm.Name, Status: vm.Status})
		log.WithFunc("vm.SetMetadata").Infof(ctx, "vm %s metadata updated", id)
		return nil
	})
	return vm, err
}

// pushMetadata sends the document currently on record for id. The read and
// the push happen under mmdsMu, in one order with SetMetadata.
func (m *Manager) pushMetadata(ctx context.Context, id string, ctl hypervisor.Controller) error {
	m.mmdsMu.Lock()
	defer m.mmdsMu.Unlock()
	vm, err := m.get(id)
	if err != nil {
		return err
	}
	return ctl.PutMetadata(ctx, vm.Metadata)
}

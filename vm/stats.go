package vm

import (
	"context"

	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/types"
)

// Stats counts VMs per status.
func (m *Manager) Stats() types.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := types.Stats{Total: len(m.vms)}
	for _, vm := range m.vms {
		switch vm.Status {
		case types.VMStateCreating:
			s.Creating++
		case types.VMStateBooting:
			s.Booting++
		case types.VMStateRunning:
			s.Running++
		case types.VMStatePaused:
			s.Paused++
		case types.VMStateStopped:
			s.Stopped++
		case types.VMStateError:
			s.Error++
		}
	}
	return s
}

func (m *Manager) NetworkStatus(ctx context.Context) network.Health {
	return m.deps.Network.Health(ctx)
}

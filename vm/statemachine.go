package vm

import (
	"fmt"
	"slices"

	"github.com/projecteru2/burrow/types"
)

var transitions = map[types.VMState][]types.VMState{
	types.VMStateCreating: {types.VMStateCreating, types.VMStateBooting, types.VMStateStopped, types.VMStateError},
	types.VMStateBooting:  {types.VMStateRunning, types.VMStateStopped, types.VMStateError},
	types.VMStateRunning:  {types.VMStatePaused, types.VMStateStopped, types.VMStateError},
	types.VMStatePaused:   {types.VMStateRunning, types.VMStateStopped, types.VMStateError},
	types.VMStateStopped:  {types.VMStateCreating, types.VMStateStopped, types.VMStateError},
	types.VMStateError:    {types.VMStateCreating, types.VMStateStopped, types.VMStateError},
}

// validateTransition rejects any status change outside the lifecycle graph.
func validateTransition(from, to types.VMState) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", types.ErrInvalidState, from, to)
}

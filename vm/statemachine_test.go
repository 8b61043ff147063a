package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/types"
)

func TestValidateTransition(t *testing.T) {
	all := []types.VMState{
		types.VMStateCreating, types.VMStateBooting, types.VMStateRunning,
		types.VMStatePaused, types.VMStateStopped, types.VMStateError,
	}
	allowed := map[types.VMState][]types.VMState{
		types.VMStateCreating: {types.VMStateCreating, types.VMStateBooting, types.VMStateStopped, types.VMStateError},
		types.VMStateBooting:  {types.VMStateRunning, types.VMStateStopped, types.VMStateError},
		types.VMStateRunning:  {types.VMStatePaused, types.VMStateStopped, types.VMStateError},
		types.VMStatePaused:   {types.VMStateRunning, types.VMStateStopped, types.VMStateError},
		types.VMStateStopped:  {types.VMStateCreating, types.VMStateStopped, types.VMStateError},
		types.VMStateError:    {types.VMStateCreating, types.VMStateStopped, types.VMStateError},
	}
	for _, from := range all {
		ok := map[types.VMState]bool{}
		for _, to := range allowed[from] {
			ok[to] = true
		}
		for _, to := range all {
			err := validateTransition(from, to)
			if ok[to] {
				require.NoError(t, err, "%s -> %s", from, to)
			} else {
				require.ErrorIs(t, err, types.ErrInvalidState, "%s -> %s", from, to)
			}
		}
	}
}

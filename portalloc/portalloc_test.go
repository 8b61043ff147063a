package portalloc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/types"
)

func TestNewRejectsBadRange(t *testing.T) {
	_, err := New(0, 10)
	require.Error(t, err)
	_, err = New(100, 99)
	require.Error(t, err)
	_, err = New(1, 70000)
	require.Error(t, err)
}

func TestAllocateLowestFirstAndExhaust(t *testing.T) {
	a, err := New(2000, 2002)
	require.NoError(t, err)

	for _, want := range []int{2000, 2001, 2002} {
		got, err := a.Allocate()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err = a.Allocate()
	require.True(t, errors.Is(err, types.ErrResourceExhausted))

	a.Release(2001)
	got, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, 2001, got)
}

func TestReleaseIdempotent(t *testing.T) {
	a, err := New(3000, 3001)
	require.NoError(t, err)
	p, err := a.Allocate()
	require.NoError(t, err)
	a.Release(p)
	a.Release(p)
	a.Release(9999)
	require.False(t, a.Held(p))
}

func TestReserve(t *testing.T) {
	a, err := New(4000, 4002)
	require.NoError(t, err)
	require.NoError(t, a.Reserve(4000))
	require.ErrorIs(t, a.Reserve(4000), types.ErrAlreadyExists)
	require.Error(t, a.Reserve(5000))

	p, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, 4001, p)
}

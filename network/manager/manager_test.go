package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/network/pool"
	"github.com/projecteru2/burrow/utils"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	require.NoError(t, conf.EnsureDirs())
	bin := filepath.Join(conf.RootDir, "helper")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	conf.Network.HelperPath = bin
	conf.Network.Bridge = "br-test"
	return conf
}

func capsRunner(ok bool) func(context.Context, string, ...string) ([]byte, error) {
	return func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if args[0] == "check-caps" && !ok {
			return nil, errors.New("exit status 1")
		}
		return []byte(`{"success":true}`), nil
	}
}

func TestDetectHelper(t *testing.T) {
	conf := testConfig(t)
	m, err := Detect(context.Background(), conf, Options{
		Runner: capsRunner(true),
		Links:  func(name string) bool { return name == "br-test" },
	})
	require.NoError(t, err)
	require.Equal(t, network.ModeHelper, m.Mode())
	_, ok := m.Leaser()
	require.True(t, ok)

	conf.Network.Subnet = "10.9.0.0/24"
	m, err = Detect(context.Background(), conf, Options{
		Runner: capsRunner(true),
		Links:  func(name string) bool { return name == "br-test" },
	})
	require.NoError(t, err)
	gw, prefixLen := m.Gateway()
	require.Equal(t, "10.9.0.1", gw)
	require.Equal(t, 24, prefixLen)
}

func TestDetectFallsBackToPool(t *testing.T) {
	conf := testConfig(t)
	conf.Network.PoolFile = filepath.Join(conf.RootDir, "pool.json")
	require.NoError(t, utils.AtomicWriteJSON(conf.Network.PoolFile, pool.File{
		Bridge: "br-pool",
		Taps:   []*pool.Tap{{Name: "tap0", GuestIP: "10.0.0.2", MAC: "06:00:0a:00:00:02"}},
	}))

	m, err := Detect(context.Background(), conf, Options{
		Runner: capsRunner(false),
		Links:  func(name string) bool { return name == "br-pool" || name == "tap0" },
	})
	require.NoError(t, err)
	require.Equal(t, network.ModePool, m.Mode())

	alloc, err := m.Allocate(context.Background(), "vm1")
	require.NoError(t, err)
	require.Equal(t, "tap0", alloc.TapName)
}

func TestDetectNone(t *testing.T) {
	conf := testConfig(t)
	m, err := Detect(context.Background(), conf, Options{
		Runner: capsRunner(true),
		Links:  func(string) bool { return false },
	})
	require.NoError(t, err)
	require.Equal(t, network.ModeNone, m.Mode())

	_, err = m.Allocate(context.Background(), "vm1")
	require.ErrorIs(t, err, network.ErrUnavailable)
	require.NoError(t, m.Release(context.Background(), "", "vm1"))
	require.Equal(t, network.ModeNone, m.Health(context.Background()).Mode)
}

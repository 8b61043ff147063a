package vm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/utils"
)

func TestGCCollectsLeftovers(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	m := env.manager(t)
	vm, err := m.Create(ctx, CreateConfig{Name: "live", NoStart: true})
	require.NoError(t, err)

	old := time.Now().Add(-2 * utils.StaleTempAge)
	mkdir := func(dir string, stale bool) string {
		require.NoError(t, os.MkdirAll(dir, 0o750))
		if stale {
			require.NoError(t, os.Chtimes(dir, old, old))
		}
		return dir
	}
	orphan := mkdir(env.conf.VMDir("orphan"), true)
	fresh := mkdir(env.conf.VMDir("fresh"), false)
	partial := mkdir(env.conf.SnapshotDir(vm.ID, "partial"), true)
	complete := mkdir(env.conf.SnapshotDir(vm.ID, "complete"), true)
	require.NoError(t, os.WriteFile(filepath.Join(complete, config.SnapshotMetaFile), []byte("{}"), 0o600))
	require.NoError(t, os.Chtimes(complete, old, old))

	o := gc.New()
	m.RegisterGC(o)
	_, err = o.Run(ctx)
	require.NoError(t, err)

	require.False(t, utils.Exists(orphan))
	require.False(t, utils.Exists(partial))
	require.True(t, utils.Exists(fresh))
	require.True(t, utils.Exists(complete))
	require.True(t, utils.Exists(env.conf.VMStateFile(vm.ID)))
}

func TestGCPublishesLiveVMs(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t)
	vm, err := m.Create(ctx, CreateConfig{Name: "live", NoStart: true})
	require.NoError(t, err)

	snap, err := m.GCModule().ReadDB(ctx)
	require.NoError(t, err)
	live, ok := gc.LiveVMs(map[string]any{gcName: snap})
	require.True(t, ok)
	require.Equal(t, map[string]struct{}{vm.ID: {}}, live)
}

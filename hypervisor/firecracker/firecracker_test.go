package firecracker

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/types"
)

type call struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeFC records every request and answers 204, or the status set in fail.
type fakeFC struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]int
}

func (f *fakeFC) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, call{Method: r.Method, Path: r.URL.Path, Body: body})
	code, bad := f.fail[r.URL.Path]
	f.mu.Unlock()

	if bad {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"fault_message":"injected"}`))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeFC) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func startFake(t *testing.T) (*fakeFC, *Client) {
	t.Helper()
	f := &fakeFC{fail: map[string]int{}}
	r := mux.NewRouter()
	r.HandleFunc("/boot-source", f.handle).Methods(http.MethodPut)
	r.HandleFunc("/drives/{id}", f.handle).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/network-interfaces/{id}", f.handle).Methods(http.MethodPut)
	r.HandleFunc("/machine-config", f.handle).Methods(http.MethodPut)
	r.HandleFunc("/mmds/config", f.handle).Methods(http.MethodPut)
	r.HandleFunc("/mmds", f.handle).Methods(http.MethodPut)
	r.HandleFunc("/actions", f.handle).Methods(http.MethodPut)
	r.HandleFunc("/vm", f.handle).Methods(http.MethodPatch)
	r.HandleFunc("/snapshot/create", f.handle).Methods(http.MethodPut)
	r.HandleFunc("/snapshot/load", f.handle).Methods(http.MethodPut)

	sock := filepath.Join(t.TempDir(), "fc.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: time.Second}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Close() })
	return f, New(sock, time.Second)
}

func TestBootSequence(t *testing.T) {
	ctx := context.Background()
	f, c := startFake(t)

	require.NoError(t, c.SetBootSource(ctx, types.BootConfig{KernelPath: "/k/vmlinux", BootArgs: "console=ttyS0"}))
	require.Equal(t, "/k/vmlinux", f.last().Body["kernel_image_path"])

	require.NoError(t, c.AttachDrive(ctx, types.StorageConfig{Path: "/vm/rootfs.ext4", IsRoot: true}))
	require.Equal(t, "/drives/rootfs", f.last().Path)
	require.Equal(t, true, f.last().Body["is_root_device"])

	require.NoError(t, c.AttachNetwork(ctx, types.Network{Mode: types.NetworkModeTap, TapDevice: "bt-abc", MAC: "06:00:ac:1f:00:02"}))
	require.Equal(t, "/network-interfaces/eth0", f.last().Path)
	require.Equal(t, "bt-abc", f.last().Body["host_dev_name"])
	require.Equal(t, "06:00:ac:1f:00:02", f.last().Body["guest_mac"])

	require.NoError(t, c.SetMachineConfig(ctx, types.Resources{VCPUs: 2, MemoryMB: 512}))
	require.EqualValues(t, 2, f.last().Body["vcpu_count"])
	require.EqualValues(t, 512, f.last().Body["mem_size_mib"])

	require.NoError(t, c.ConfigureMMDS(ctx))
	require.Equal(t, "V2", f.last().Body["version"])
	require.Equal(t, []any{"eth0"}, f.last().Body["network_interfaces"])

	require.NoError(t, c.PutMetadata(ctx, map[string]any{"instance": map[string]string{"id": "x"}}))
	require.Equal(t, "/mmds", f.last().Path)

	require.NoError(t, c.Start(ctx))
	require.Equal(t, "InstanceStart", f.last().Body["action_type"])

	require.NoError(t, c.SendCtrlAltDel(ctx))
	require.Equal(t, "SendCtrlAltDel", f.last().Body["action_type"])
}

func TestPauseResumeSnapshot(t *testing.T) {
	ctx := context.Background()
	f, c := startFake(t)

	require.NoError(t, c.Pause(ctx))
	require.Equal(t, call{Method: http.MethodPatch, Path: "/vm", Body: map[string]any{"state": "Paused"}}, f.last())
	require.NoError(t, c.Resume(ctx))
	require.Equal(t, "Resumed", f.last().Body["state"])

	require.NoError(t, c.CreateSnapshot(ctx, "/s/snapshot.bin", "/s/mem.bin"))
	require.Equal(t, map[string]any{
		"snapshot_type": "Full",
		"snapshot_path": "/s/snapshot.bin",
		"mem_file_path": "/s/mem.bin",
	}, f.last().Body)

	require.NoError(t, c.LoadSnapshot(ctx, hypervisor.LoadRequest{
		StatePath: "/s/snapshot.bin",
		MemPath:   "/s/mem.bin",
		TapDevice: "bt-new",
	}))
	body := f.last().Body
	require.Equal(t, false, body["resume_vm"])
	require.Equal(t, map[string]any{"backend_type": "File", "backend_path": "/s/mem.bin"}, body["mem_backend"])
	require.Equal(t, []any{map[string]any{"iface_id": "eth0", "host_dev_name": "bt-new"}}, body["network_overrides"])

	require.NoError(t, c.LoadSnapshot(ctx, hypervisor.LoadRequest{StatePath: "a", MemPath: "b", Resume: true}))
	require.NotContains(t, f.last().Body, "network_overrides")

	require.NoError(t, c.UpdateDrive(ctx, types.StorageConfig{Path: "/vms/new/rootfs.ext4", IsRoot: true}))
	require.Equal(t, call{
		Method: http.MethodPatch,
		Path:   "/drives/rootfs",
		Body:   map[string]any{"drive_id": "rootfs", "path_on_host": "/vms/new/rootfs.ext4"},
	}, f.last())
}

func TestActionsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	f, c := startFake(t)
	f.fail["/actions"] = http.StatusServiceUnavailable
	f.fail["/machine-config"] = http.StatusServiceUnavailable

	err := c.Start(ctx)
	require.ErrorIs(t, err, types.ErrProtocol)
	require.Len(t, f.calls, 1)

	err = c.SetMachineConfig(ctx, types.Resources{VCPUs: 1, MemoryMB: 128})
	require.ErrorIs(t, err, types.ErrProtocol)
	require.Len(t, f.calls, 1+1+hypervisor.MaxRetries)
}

func TestNoSocket(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	require.ErrorIs(t, c.Pause(context.Background()), types.ErrNoControlChannel)
	require.Error(t, c.AttachNetwork(context.Background(), types.Network{}))
}

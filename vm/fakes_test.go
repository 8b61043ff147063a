package vm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/progress"
	"github.com/projecteru2/burrow/types"
)

type hvCall struct {
	Socket string
	Op     string
	Arg    any
}

type fakeProc struct {
	socket   string
	ln       net.Listener
	alive    bool
	graceful *bool
}

// fakeHV is a Supervisor and a ControllerFactory. Processes are a map entry
// plus a listening Unix socket; controller calls are recorded in order.
type fakeHV struct {
	mu       sync.Mutex
	nextPID  int
	procs    map[int]*fakeProc
	calls    []hvCall
	fail     map[string]error
	waitErr  error
	// gate, when set, holds WaitSocket until it is closed.
	gate     chan struct{}
	launches int
	// ignoreCtrlAltDel keeps the process alive after SendCtrlAltDel.
	ignoreCtrlAltDel bool
}

func newFakeHV() *fakeHV {
	return &fakeHV{nextPID: 4_000_000, procs: map[int]*fakeProc{}, fail: map[string]error{}}
}

func (h *fakeHV) Launch(_ context.Context, _, socketPath, _ string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail["launch"]; err != nil {
		return 0, err
	}
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrProcess, err)
	}
	h.nextPID++
	h.launches++
	h.procs[h.nextPID] = &fakeProc{socket: socketPath, ln: ln, alive: true}
	return h.nextPID, nil
}

func (h *fakeHV) WaitSocket(ctx context.Context, _ string, _ int, _ time.Duration) error {
	h.mu.Lock()
	err, gate := h.waitErr, h.gate
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return ctx.Err()
}

func (h *fakeHV) IsAlive(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[pid]
	return ok && p.alive
}

func (h *fakeHV) Terminate(_ context.Context, pid int, graceful bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.procs[pid]; ok {
		h.exitLocked(p)
		p.graceful = &graceful
	}
	return nil
}

func (h *fakeHV) exitLocked(p *fakeProc) {
	if p.alive {
		p.alive = false
		_ = p.ln.Close()
	}
}

// crash kills pid without any supervisor involvement.
func (h *fakeHV) crash(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.procs[pid]; ok {
		h.exitLocked(p)
	}
}

// dropSocket removes the control socket but leaves the process alive.
func (h *fakeHV) dropSocket(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.procs[pid].ln.Close()
}

func (h *fakeHV) proc(pid int) *fakeProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[pid]
}

func (h *fakeHV) setFail(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.fail, op)
		return
	}
	h.fail[op] = err
}

// ops returns the controller operations issued on socket, in order.
func (h *fakeHV) ops(socket string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.calls {
		if c.Socket == socket {
			out = append(out, c.Op)
		}
	}
	return out
}

func (h *fakeHV) arg(socket, op string) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.calls) - 1; i >= 0; i-- {
		if c := h.calls[i]; c.Socket == socket && c.Op == op {
			return c.Arg
		}
	}
	return nil
}

func (h *fakeHV) Controller(socket string) hypervisor.Controller {
	return &fakeCtl{h: h, socket: socket}
}

type fakeCtl struct {
	h      *fakeHV
	socket string
}

func (c *fakeCtl) record(op string, arg any) error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	c.h.calls = append(c.h.calls, hvCall{Socket: c.socket, Op: op, Arg: arg})
	return c.h.fail[op]
}

func (c *fakeCtl) SetBootSource(_ context.Context, b types.BootConfig) error {
	return c.record("boot_source", b)
}

func (c *fakeCtl) AttachDrive(_ context.Context, d types.StorageConfig) error {
	return c.record("drive", d)
}

func (c *fakeCtl) UpdateDrive(_ context.Context, d types.StorageConfig) error {
	return c.record("update_drive", d)
}

func (c *fakeCtl) AttachNetwork(_ context.Context, n types.Network) error {
	return c.record("network", n)
}

func (c *fakeCtl) SetMachineConfig(_ context.Context, r types.Resources) error {
	return c.record("machine", r)
}

func (c *fakeCtl) ConfigureMMDS(context.Context) error { return c.record("mmds_config", nil) }

func (c *fakeCtl) PutMetadata(_ context.Context, doc any) error {
	return c.record("mmds", doc)
}

func (c *fakeCtl) Start(context.Context) error  { return c.record("start", nil) }
func (c *fakeCtl) Pause(context.Context) error  { return c.record("pause", nil) }
func (c *fakeCtl) Resume(context.Context) error { return c.record("resume", nil) }

func (c *fakeCtl) SendCtrlAltDel(context.Context) error {
	if err := c.record("ctrl_alt_del", nil); err != nil {
		return err
	}
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if c.h.ignoreCtrlAltDel {
		return nil
	}
	for _, p := range c.h.procs {
		if p.socket == c.socket && p.alive {
			c.h.exitLocked(p)
		}
	}
	return nil
}

func (c *fakeCtl) CreateSnapshot(_ context.Context, statePath, memPath string) error {
	if err := c.record("snapshot_create", [2]string{statePath, memPath}); err != nil {
		return err
	}
	if err := os.WriteFile(statePath, []byte("state"), 0o600); err != nil {
		return err
	}
	return os.WriteFile(memPath, []byte("memory"), 0o600)
}

func (c *fakeCtl) LoadSnapshot(_ context.Context, req hypervisor.LoadRequest) error {
	return c.record("load", req)
}

type fakeProber struct {
	err   atomic.Value
	calls atomic.Int64
}

func (p *fakeProber) setErr(err error) { p.err.Store(&err) }

func (p *fakeProber) Probe(context.Context, string, int) error {
	p.calls.Add(1)
	if e, ok := p.err.Load().(*error); ok {
		return *e
	}
	return nil
}

type fakeImages struct {
	prepared atomic.Int64
}

func (f *fakeImages) Resolve(_ context.Context, name string) (*types.BaseImage, error) {
	if name == "missing" {
		return nil, fmt.Errorf("%s: %w", name, types.ErrImageNotFound)
	}
	return &types.BaseImage{Name: name, KernelPath: "/images/" + name + "/vmlinux", RootfsPath: "/images/" + name + "/rootfs.ext4", Format: "raw"}, nil
}

func (f *fakeImages) PrepareRootfs(_ context.Context, _ *types.BaseImage, dst string, _ int64, _ progress.Tracker) error {
	f.prepared.Add(1)
	return os.WriteFile(dst, []byte("rootfs"), 0o600)
}

type fakeNet struct {
	mu       sync.Mutex
	next     int
	fail     bool
	released []string
}

func (n *fakeNet) Mode() network.Mode { return network.ModeHelper }

func (n *fakeNet) Allocate(_ context.Context, vmID string) (*network.Allocation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return nil, fmt.Errorf("%w: no capacity", types.ErrResourceExhausted)
	}
	n.next++
	return &network.Allocation{
		TapName:   network.TapName(vmID),
		Bridge:    "burrow-br0",
		GuestIP:   fmt.Sprintf("172.31.0.%d", n.next+1),
		Gateway:   "172.31.0.1",
		PrefixLen: 24,
		MAC:       fmt.Sprintf("06:00:ac:1f:00:%02x", n.next+1),
	}, nil
}

func (n *fakeNet) Release(_ context.Context, tap, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = append(n.released, tap)
	return nil
}

func (n *fakeNet) Health(context.Context) network.Health {
	return network.Health{Mode: network.ModeHelper, Configured: true, BridgePresent: true}
}

type testEnv struct {
	conf   *config.Config
	hv     *fakeHV
	prober *fakeProber
	images *fakeImages
	net    network.Provisioner
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	// short root: Unix socket paths are limited to 108 bytes
	root, err := os.MkdirTemp("", "bw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })

	conf := config.DefaultConfig()
	conf.RootDir = root
	conf.BaseImagesDir = root + "/images"
	conf.PoolSize = 4
	conf.Ports = config.Ports{Low: 22000, High: 22009}
	conf.SSH.PrivateKeyPath = root + "/ssh/id_ed25519"
	conf.SSH.PublicKeyPath = root + "/ssh/id_ed25519.pub"
	conf.Network.DNS = []string{"1.1.1.1"}
	conf.Timeouts.Socket = time.Second
	conf.Timeouts.Stop = 200 * time.Millisecond
	conf.Timeouts.Boot = 2 * time.Second
	conf.Timeouts.Restore = 2 * time.Second
	conf.Timeouts.ProbeInterval = 10 * time.Millisecond
	conf.Timeouts.Probe = 100 * time.Millisecond

	return &testEnv{
		conf:   conf,
		hv:     newFakeHV(),
		prober: &fakeProber{},
		images: &fakeImages{},
		net:    &fakeNet{},
	}
}

func (e *testEnv) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(context.Background(), e.conf, Deps{
		Supervisor:  e.hv,
		Controllers: e.hv.Controller,
		Network:     e.net,
		Images:      e.images,
		Prober:      e.prober,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// running creates a VM and waits for it to reach Running.
func running(t *testing.T, m *Manager, name string) *types.VM {
	t.Helper()
	ctx := context.Background()
	_, err := m.Create(ctx, CreateConfig{Name: name})
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx, name))
	vm, err := m.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, types.VMStateRunning, vm.Status, vm.Error)
	return vm
}

var errInjected = errors.New("injected")

// Package vm is the microVM orchestrator: it owns every VM record on the
// host, drives hypervisor processes through their lifecycle and hands out
// ports and network identities.
package vm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/hypervisor/firecracker"
	"github.com/projecteru2/burrow/images"
	"github.com/projecteru2/burrow/lock/flock"
	"github.com/projecteru2/burrow/lock/keyed"
	"github.com/projecteru2/burrow/metadata"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/portalloc"
	"github.com/projecteru2/burrow/progress"
	"github.com/projecteru2/burrow/state"
	"github.com/projecteru2/burrow/types"
)

const minPrefixLen = 3

// Deps are the collaborators of a Manager. Zero fields get the production
// implementation.
type Deps struct {
	Supervisor  hypervisor.Supervisor
	Controllers hypervisor.ControllerFactory
	Network     network.Provisioner
	Images      images.Preparer
	Prober      Prober
	// Progress receives disk preparation events.
	Progress progress.Tracker
}

func (d *Deps) fill(conf *config.Config) {
	if d.Supervisor == nil {
		d.Supervisor = hypervisor.NewProcessSupervisor(conf.FirecrackerBinary, conf.Timeouts.Terminate)
	}
	if d.Controllers == nil {
		d.Controllers = firecracker.Factory(conf.Timeouts.API)
	}
	if d.Network == nil {
		d.Network = network.None("no network provisioner configured")
	}
	if d.Images == nil {
		d.Images = images.New(conf)
	}
	if d.Prober == nil {
		d.Prober = NewSSHProber(conf.SSH.User, conf.SSH.PrivateKeyPath, conf.Timeouts.Probe)
	}
	if d.Progress == nil {
		d.Progress = progress.Nop
	}
}

// Manager is the VM orchestrator. One Manager owns a root directory at a
// time; the host lock is held from New until Close.
type Manager struct {
	conf    *config.Config
	deps    Deps
	store   *state.Store
	host    *flock.Lock
	locks   *keyed.Locker
	events  *bus
	hostKey string

	// mmdsMu orders MMDS pushes with metadata record updates.
	mmdsMu sync.Mutex

	mu     sync.Mutex
	vms    map[string]*types.VM
	names  map[string]string
	ports  *portalloc.Allocator
	tasks  map[string]*task
	closed bool
}

// New takes the host lock, loads and reconciles every record, and returns
// a Manager ready to accept calls.
func New(ctx context.Context, conf *config.Config, deps Deps) (*Manager, error) {
	logger := log.WithFunc("vm.New")
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if err := conf.EnsureDirs(); err != nil {
		return nil, err
	}
	deps.fill(conf)

	ports, err := portalloc.New(conf.Ports.Low, conf.Ports.High)
	if err != nil {
		return nil, err
	}

	host := flock.New(conf.HostLock())
	ok, err := host.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("host lock: %w", err)
	}
	if !ok {
		logger.Warnf(ctx, "another burrow holds %s, waiting", host.Path())
		if err := host.Lock(ctx); err != nil {
			return nil, fmt.Errorf("host lock: %w", err)
		}
	}

	m := &Manager{
		conf:   conf,
		deps:   deps,
		store:  state.New(conf),
		host:   host,
		locks:  keyed.New(),
		events: newBus(),
		vms:    make(map[string]*types.VM),
		names:  make(map[string]string),
		ports:  ports,
		tasks:  make(map[string]*task),
	}
	if m.hostKey, err = metadata.ReadPublicKey(conf.SSH.PublicKeyPath); err != nil {
		logger.Warnf(ctx, "host ssh key not injected: %v", err)
	}
	if err := m.reconcile(ctx); err != nil {
		_ = host.Unlock(ctx)
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return m, nil
}

// reconcile brings records left by a previous process in line with what is
// actually running.
func (m *Manager) reconcile(ctx context.Context) error {
	logger := log.WithFunc("vm.reconcile")
	vms, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, vm := range vms {
		changed := false
		alive := vm.PID != 0 && m.deps.Supervisor.IsAlive(vm.PID)
		switch {
		case isActive(vm.Status) && vm.PID != 0 && !alive:
			logger.Infof(ctx, "vm %s (%s) was %s, process gone: marking stopped", vm.ID, vm.Name, vm.Status)
			vm.Status = types.VMStateStopped
			vm.ClearProcess()
			vm.StoppedAt = &now
			changed = true
		case (vm.Status == types.VMStateBooting || vm.Status == types.VMStateCreating) && alive:
			logger.Warnf(ctx, "vm %s (%s) was %s when its task died", vm.ID, vm.Name, vm.Status)
			vm.Status = types.VMStateError
			vm.Error = "interrupted by restart"
			changed = true
		case !alive && vm.PID != 0:
			vm.ClearProcess()
			changed = true
		}

		if err := m.ports.Reserve(vm.SSHPort); err != nil {
			logger.Warnf(ctx, "vm %s: reserve port %d: %v", vm.ID, vm.SSHPort, err)
		}
		if other, dup := m.names[vm.Name]; dup {
			logger.Warnf(ctx, "vm %s: name %q already used by %s", vm.ID, vm.Name, other)
		} else {
			m.names[vm.Name] = vm.ID
		}
		m.vms[vm.ID] = vm

		if changed {
			if err := m.store.Save(ctx, vm); err != nil {
				logger.Warnf(ctx, "save reconciled vm %s: %v", vm.ID, err)
			}
		}
	}
	logger.Debugf(ctx, "loaded %d vm(s)", len(vms))
	return nil
}

func isActive(s types.VMState) bool {
	switch s {
	case types.VMStateCreating, types.VMStateBooting, types.VMStateRunning, types.VMStatePaused:
		return true
	}
	return false
}

// Close cancels background tasks and releases the host lock. VM processes
// keep running.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.ShutdownTasks()
	m.events.close()
	return m.host.Unlock(ctx)
}

// Subscribe returns a channel of lifecycle events and a function that
// unsubscribes and closes it.
func (m *Manager) Subscribe(buf int) (<-chan Event, func()) {
	return m.events.subscribe(buf)
}

// Config returns the configuration the Manager runs with.
func (m *Manager) Config() *config.Config { return m.conf }

// resolve maps a user reference to a VM id: exact id, then name, then a
// unique id prefix of at least three characters.
func (m *Manager) resolve(ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vms[ref]; ok {
		return ref, nil
	}
	if id, ok := m.names[ref]; ok {
		return id, nil
	}
	if len(ref) >= minPrefixLen {
		var match string
		for id := range m.vms {
			if !strings.HasPrefix(id, ref) {
				continue
			}
			if match != "" {
				return "", fmt.Errorf("ambiguous ref %q: multiple matches", ref)
			}
			match = id
		}
		if match != "" {
			return match, nil
		}
	}
	return "", fmt.Errorf("vm %q: %w", ref, types.ErrNotFound)
}

// Get returns a copy of the record for ref.
func (m *Manager) Get(_ context.Context, ref string) (*types.VM, error) {
	id, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}
	return m.get(id)
}

func (m *Manager) get(id string) (*types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", id, types.ErrNotFound)
	}
	return vm.Clone(), nil
}

// List returns copies of every record, oldest first.
func (m *Manager) List(_ context.Context) []*types.VM {
	m.mu.Lock()
	out := make([]*types.VM, 0, len(m.vms))
	for _, vm := range m.vms {
		out = append(out, vm.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// withVM resolves ref and runs fn holding the VM's lock.
func (m *Manager) withVM(ctx context.Context, ref string, fn func(id string) error) error {
	id, err := m.resolve(ref)
	if err != nil {
		return err
	}
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := m.get(id); err != nil {
		return err
	}
	return fn(id)
}

// update applies fn to a copy of the record, validates any status change,
// persists the result and publishes it.
func (m *Manager) update(ctx context.Context, id string, fn func(*types.VM) error) (*types.VM, error) {
	return m.apply(ctx, id, false, fn)
}

// taskUpdate is update for background tasks: once the task context is
// cancelled no write happens.
func (m *Manager) taskUpdate(ctx context.Context, id string, fn func(*types.VM) error) (*types.VM, error) {
	return m.apply(ctx, id, true, fn)
}

func (m *Manager) apply(ctx context.Context, id string, fromTask bool, fn func(*types.VM) error) (*types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fromTask {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	cur, ok := m.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", id, types.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.Status != cur.Status {
		if err := validateTransition(cur.Status, next.Status); err != nil {
			return nil, err
		}
	}
	if err := m.store.Save(context.WithoutCancel(ctx), next); err != nil {
		return nil, fmt.Errorf("save vm %s: %w", id, err)
	}
	m.vms[id] = next
	if next.Status != cur.Status {
		m.events.publish(ctx, Event{Type: EventStatus, VMID: id, Name: next.Name, Status: next.Status, Error: next.Error})
	}
	return next.Clone(), nil
}

func (m *Manager) setStatus(ctx context.Context, id string, s types.VMState) (*types.VM, error) {
	return m.update(ctx, id, func(vm *types.VM) error {
		vm.Status = s
		if s != types.VMStateError {
			vm.Error = ""
		}
		return nil
	})
}

// reserve claims name and a port for a new VM id and installs a placeholder
// so concurrent creates see the name taken. The returned func undoes it.
func (m *Manager) reserve(id, name string) (int, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, errClosed
	}
	if _, ok := m.vms[id]; ok {
		return 0, nil, fmt.Errorf("vm id %s: %w", id, types.ErrAlreadyExists)
	}
	if other, ok := m.names[name]; ok {
		return 0, nil, fmt.Errorf("vm name %q (id %s): %w", name, other, types.ErrAlreadyExists)
	}
	port, err := m.ports.Allocate()
	if err != nil {
		return 0, nil, err
	}
	m.names[name] = id
	m.vms[id] = &types.VM{ID: id, Name: name, Status: types.VMStateCreating, SSHPort: port, CreatedAt: time.Now()}
	return port, func() { m.forget(id, name, port) }, nil
}

// forget drops a VM from memory and frees its port.
func (m *Manager) forget(id, name string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vms, id)
	if m.names[name] == id {
		delete(m.names, name)
	}
	delete(m.tasks, id)
	if port != 0 {
		m.ports.Release(port)
	}
}

// persist writes the first full record of a reserved VM.
func (m *Manager) persist(ctx context.Context, vm *types.VM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Save(ctx, vm); err != nil {
		return fmt.Errorf("save vm %s: %w", vm.ID, err)
	}
	m.vms[vm.ID] = vm.Clone()
	m.events.publish(ctx, Event{Type: EventCreated, VMID: vm.ID, Name: vm.Name, Status: vm.Status})
	return nil
}

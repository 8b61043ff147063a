package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/projecteru2/burrow/metadata"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/types"
)

// CreateConfig describes a new VM. Zero sizes and an empty image take the
// configured defaults.
type CreateConfig struct {
	Name      string
	BaseImage string
	VCPUs     int
	MemoryMB  int64
	DiskGB    int64

	Volumes      []types.Volume
	PortMappings []types.PortMapping

	// SSHKeys are added to the host key in the guest's authorized keys.
	SSHKeys  []string
	UserData string

	// NoStart leaves the VM in Creating; by default Create calls Start.
	NoStart bool
}

func (m *Manager) withDefaults(cfg CreateConfig) (CreateConfig, error) {
	def := m.conf.Defaults
	if cfg.BaseImage == "" {
		cfg.BaseImage = def.BaseImage
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = def.VCPUs
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = def.MemoryMB
	}
	if cfg.DiskGB == 0 {
		cfg.DiskGB = def.DiskGB
	}
	switch {
	case cfg.BaseImage == "":
		return cfg, errors.New("base image is required")
	case cfg.VCPUs < 1:
		return cfg, fmt.Errorf("invalid vcpus %d", cfg.VCPUs)
	case cfg.MemoryMB < 1:
		return cfg, fmt.Errorf("invalid memory %dMB", cfg.MemoryMB)
	case cfg.DiskGB < 0:
		return cfg, fmt.Errorf("invalid disk %dGB", cfg.DiskGB)
	}
	return cfg, nil
}

// Create registers a VM and, unless cfg.NoStart, starts it. A failed start
// leaves the VM in Error and is not returned.
//
// The name and port are claimed in memory first so a concurrent create of
// the same name fails fast; everything acquired after that is rolled back
// if the record cannot be written.
func (m *Manager) Create(ctx context.Context, cfg CreateConfig) (*types.VM, error) {
	logger := log.WithFunc("vm.Create")
	cfg, err := m.withDefaults(cfg)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if cfg.Name == "" {
		cfg.Name = metadata.Hostname("", id)
	}

	port, release, err := m.reserve(id, cfg.Name)
	if err != nil {
		return nil, err
	}
	unlock, ok := m.locks.TryLock(id)
	if !ok {
		release()
		return nil, fmt.Errorf("vm %s is busy: %w", id, types.ErrAlreadyExists)
	}
	defer unlock()

	cu := cleanup.Make(release)
	defer cu.Clean()

	if err := m.conf.EnsureVMDirs(id); err != nil {
		return nil, err
	}
	cu.Add(func() {
		if err := m.store.Remove(context.WithoutCancel(ctx), id); err != nil {
			logger.Warnf(ctx, "rollback vm dir %s: %v", id, err)
		}
	})

	n := m.allocateNetwork(ctx, id)
	if n.Networked() {
		cu.Add(func() { m.releaseNetwork(context.WithoutCancel(ctx), id, n) })
	}

	md, err := metadata.Build(metadata.Config{
		ID:       id,
		Name:     cfg.Name,
		Network:  n,
		DNS:      m.dns(n),
		SSHKeys:  m.authorizedKeys(cfg.SSHKeys),
		UserData: cfg.UserData,
	})
	if err != nil {
		return nil, err
	}

	vm, err := m.get(id)
	if err != nil {
		return nil, err
	}
	vm.SSHPort = port
	vm.Network = n
	vm.Resources = types.Resources{VCPUs: cfg.VCPUs, MemoryMB: cfg.MemoryMB, DiskGB: cfg.DiskGB}
	vm.BaseImage = cfg.BaseImage
	vm.Volumes = cfg.Volumes
	vm.PortMappings = cfg.PortMappings
	vm.Metadata = md
	if err := m.persist(ctx, vm); err != nil {
		return nil, err
	}
	cu.Release()
	logger.Infof(ctx, "created vm %s (%s) port %d network %s", id, cfg.Name, port, n.Mode)

	if !cfg.NoStart {
		if err := m.start(ctx, id); err != nil {
			logger.Errorf(ctx, err, "start vm %s", id)
			m.recordError(ctx, id, "start", err, false)
		}
	}
	return m.get(id)
}

// allocateNetwork asks the provisioner for a TAP. Failure is not fatal: the
// VM gets mode none.
func (m *Manager) allocateNetwork(ctx context.Context, id string) types.Network {
	alloc, err := m.deps.Network.Allocate(ctx, id)
	if err != nil {
		log.WithFunc("vm.allocateNetwork").Warnf(ctx, "vm %s has no network: %v", id, err)
		return types.Network{Mode: types.NetworkModeNone}
	}
	return alloc.Network()
}

func (m *Manager) releaseNetwork(ctx context.Context, id string, n types.Network) {
	if !n.Networked() {
		return
	}
	if err := m.deps.Network.Release(ctx, n.TapDevice, id); err != nil {
		log.WithFunc("vm.releaseNetwork").Warnf(ctx, "release %s of vm %s: %v", n.TapDevice, id, err)
	}
}

func (m *Manager) dns(n types.Network) []string {
	if !n.Networked() {
		return nil
	}
	return network.DNSServers(m.conf.Network.DNS)
}

func (m *Manager) authorizedKeys(extra []string) []string {
	var keys []string
	if m.hostKey != "" {
		keys = append(keys, m.hostKey)
	}
	return append(keys, extra...)
}

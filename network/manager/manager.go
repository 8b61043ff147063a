// Package manager picks the TAP strategy once at start-up and exposes it
// behind a single network.Provisioner.
package manager

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/lock/flock"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/network/helper"
	"github.com/projecteru2/burrow/network/ipam"
	"github.com/projecteru2/burrow/network/pool"
)

var _ network.Provisioner = (*Manager)(nil)

// Manager is the NetworkManager: one active strategy, chosen by Detect.
type Manager struct {
	network.Provisioner
	leases *ipam.Table
	pool   *pool.Pool
}

// Options overrides probing inputs; zero values use the real host.
type Options struct {
	Runner helper.Runner
	Links  network.LinkChecker
}

// Detect probes helper mode, then pool mode, and falls back to none.
// The result never changes for the life of the Manager.
func Detect(ctx context.Context, conf *config.Config, opts Options) (*Manager, error) {
	logger := log.WithFunc("manager.Detect")
	links := opts.Links
	if links == nil {
		links = network.LinkExists
	}

	leases, err := ipam.New(conf.Network.Subnet, conf.LeaseFile(), flock.New(conf.LeaseLock()))
	if err != nil {
		return nil, fmt.Errorf("lease table: %w", err)
	}
	m := &Manager{leases: leases}

	hopts := []helper.Option{helper.WithLinkChecker(links)}
	if opts.Runner != nil {
		hopts = append(hopts, helper.WithRunner(opts.Runner))
	}
	h := helper.New(conf.Network.HelperPath, conf.Network.Bridge, leases, hopts...)
	helperErr := h.Probe(ctx)
	if helperErr == nil {
		logger.Infof(ctx, "network mode: helper (%s on %s)", conf.Network.HelperPath, conf.Network.Bridge)
		m.Provisioner = h
		return m, nil
	}
	logger.Debugf(ctx, "helper mode unavailable: %v", helperErr)

	if conf.Network.PoolFile != "" {
		p := pool.New(conf.Network.PoolFile, flock.New(conf.PoolLock()), links)
		m.pool = p
		poolErr := p.Probe(ctx)
		if poolErr == nil {
			logger.Infof(ctx, "network mode: pool (%s)", conf.Network.PoolFile)
			m.Provisioner = p
			return m, nil
		}
		logger.Debugf(ctx, "pool mode unavailable: %v", poolErr)
	}

	reason := fmt.Sprintf("helper: %v; pool: not usable", helperErr)
	logger.Warnf(ctx, "network mode: none, VMs will have no network (%s)", reason)
	m.Provisioner = network.None(reason)
	return m, nil
}

// Leaser returns the active strategy's MAC lookup, if it has one.
func (m *Manager) Leaser() (network.Leaser, bool) {
	l, ok := m.Provisioner.(network.Leaser)
	return l, ok
}

// RegisterGC registers the lease table and, when configured, the pool file.
func (m *Manager) RegisterGC(o *gc.Orchestrator) {
	m.leases.RegisterGC(o)
	if m.pool != nil {
		m.pool.RegisterGC(o)
	}
}

// Gateway is the bridge address and prefix guests route through in helper
// mode.
func (m *Manager) Gateway() (string, int) {
	return m.leases.Gateway(), m.leases.PrefixLen()
}

// Package pool provisions TAP devices from a fixed, pre-created set listed
// in a JSON pool file shared by every VM-creation call on the host.
package pool

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/lock"
	"github.com/projecteru2/burrow/network"
	storejson "github.com/projecteru2/burrow/storage/json"
	"github.com/projecteru2/burrow/types"
)

var _ network.Provisioner = (*Pool)(nil)

// Tap is one pre-created device.
type Tap struct {
	Name        string `json:"name"`
	Allocated   bool   `json:"allocated"`
	AllocatedTo string `json:"allocated_to,omitempty"`
	GuestIP     string `json:"guest_ip"`
	MAC         string `json:"mac_address"`
}

// File is the pool file layout.
type File struct {
	Bridge    string `json:"bridge"`
	Gateway   string `json:"gateway"`
	PrefixLen int    `json:"prefix_len"`
	Taps      []*Tap `json:"taps"`
}

// Pool is the fixed-set TAP strategy.
type Pool struct {
	path   string
	store  *storejson.Store[File]
	locker lock.Locker
	exists network.LinkChecker
}

// New opens the pool at path. Every mutation is a flock-guarded
// read-modify-write with an atomic rename.
func New(path string, locker lock.Locker, exists network.LinkChecker) *Pool {
	if exists == nil {
		exists = network.LinkExists
	}
	return &Pool{
		path:   path,
		store:  storejson.New[File](path, locker),
		locker: locker,
		exists: exists,
	}
}

// Probe reports why the pool strategy is unusable, or nil if it is.
func (p *Pool) Probe(ctx context.Context) error {
	if p.path == "" {
		return fmt.Errorf("pool file not configured")
	}
	if _, err := os.Stat(p.path); err != nil {
		return fmt.Errorf("pool file %s: %w", p.path, err)
	}
	var bridge string
	if err := p.store.With(ctx, func(f *File) error {
		bridge = f.Bridge
		return nil
	}); err != nil {
		return err
	}
	if bridge == "" || !p.exists(bridge) {
		return fmt.Errorf("pool bridge %q not found", bridge)
	}
	return nil
}

func (p *Pool) Mode() network.Mode { return network.ModePool }

// Allocate marks the first free entry whose device still exists as owned by vmID.
func (p *Pool) Allocate(ctx context.Context, vmID string) (*network.Allocation, error) {
	var out *network.Allocation
	err := p.store.Update(ctx, func(f *File) error {
		for _, t := range f.Taps {
			if t == nil || t.Allocated || !p.exists(t.Name) {
				continue
			}
			t.Allocated = true
			t.AllocatedTo = vmID
			out = &network.Allocation{
				TapName:   t.Name,
				Bridge:    f.Bridge,
				GuestIP:   t.GuestIP,
				Gateway:   f.Gateway,
				PrefixLen: f.PrefixLen,
				MAC:       t.MAC,
			}
			return nil
		}
		return fmt.Errorf("%w: no capacity in tap pool", types.ErrResourceExhausted)
	})
	if err != nil {
		return nil, err
	}
	log.WithFunc("pool.Allocate").Infof(ctx, "tap %s -> %s (%s)", out.TapName, vmID, out.GuestIP)
	return out, nil
}

// Release frees tapName. An entry held by a different VM is left alone;
// an empty vmID frees unconditionally.
func (p *Pool) Release(ctx context.Context, tapName, vmID string) error {
	return p.store.Update(ctx, func(f *File) error {
		for _, t := range f.Taps {
			if t == nil || t.Name != tapName {
				continue
			}
			if vmID != "" && t.AllocatedTo != "" && t.AllocatedTo != vmID {
				log.WithFunc("pool.Release").Warnf(ctx, "tap %s held by %s, not %s", tapName, t.AllocatedTo, vmID)
				return nil
			}
			t.Allocated = false
			t.AllocatedTo = ""
		}
		return nil
	})
}

func (p *Pool) Health(ctx context.Context) network.Health {
	h := network.Health{Mode: network.ModePool}
	err := p.store.With(ctx, func(f *File) error {
		h.Configured = len(f.Taps) > 0
		h.BridgePresent = f.Bridge != "" && p.exists(f.Bridge)
		for _, t := range f.Taps {
			if t == nil || !p.exists(t.Name) {
				continue
			}
			h.DevicesPresent++
			if !t.Allocated {
				h.DevicesAvailable++
			}
		}
		h.Message = fmt.Sprintf("pool mode on %s: %d/%d tap(s) present, %d free",
			f.Bridge, h.DevicesPresent, len(f.Taps), h.DevicesAvailable)
		return nil
	})
	if err != nil {
		h.Message = fmt.Sprintf("read pool file: %v", err)
	}
	return h
}

// LookupMAC implements network.Leaser.
func (p *Pool) LookupMAC(ctx context.Context, mac string) (net.IP, bool) {
	var ip net.IP
	_ = p.store.With(ctx, func(f *File) error {
		for _, t := range f.Taps {
			if t != nil && t.Allocated && strings.EqualFold(t.MAC, mac) {
				ip = net.ParseIP(t.GuestIP).To4()
				return nil
			}
		}
		return nil
	})
	return ip, ip != nil
}

// Locker exposes the pool file lock for GC.
func (p *Pool) Locker() lock.Locker { return p.locker }

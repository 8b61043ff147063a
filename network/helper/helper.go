// Package helper provisions one TAP device per VM on demand through a
// privilege-separated helper executable holding CAP_NET_ADMIN.
package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/network/ipam"
)

var _ network.Provisioner = (*Helper)(nil)

// Runner executes the helper and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command for real; stderr is folded into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // helper path from config
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), msg, err)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// createResult is the helper's --format json reply.
type createResult struct {
	Success bool   `json:"success"`
	TapName string `json:"tap_name"`
	Error   string `json:"error,omitempty"`
}

// Helper is the on-demand TAP strategy.
type Helper struct {
	path   string
	bridge string
	leases *ipam.Table
	run    Runner
	exists network.LinkChecker
	uid    int
	gid    int
}

// Option customises a Helper.
type Option func(*Helper)

func WithRunner(r Runner) Option                   { return func(h *Helper) { h.run = r } }
func WithLinkChecker(c network.LinkChecker) Option { return func(h *Helper) { h.exists = c } }

// New builds a Helper; devices are owned by the current uid/gid so the
// unprivileged hypervisor can open them.
func New(path, bridge string, leases *ipam.Table, opts ...Option) *Helper {
	h := &Helper{
		path:   path,
		bridge: bridge,
		leases: leases,
		run:    ExecRunner,
		exists: network.LinkExists,
		uid:    os.Getuid(),
		gid:    os.Getgid(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Probe reports why the helper strategy is unusable, or nil if it is.
func (h *Helper) Probe(ctx context.Context) error {
	if h.path == "" {
		return errors.New("helper path not configured")
	}
	if info, err := os.Stat(h.path); err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return fmt.Errorf("helper %s not executable", h.path)
	}
	if _, err := h.run(ctx, h.path, "check-caps"); err != nil {
		return fmt.Errorf("helper lacks CAP_NET_ADMIN: %w", err)
	}
	if !h.exists(h.bridge) {
		return fmt.Errorf("bridge %s not found", h.bridge)
	}
	return nil
}

func (h *Helper) Mode() network.Mode { return network.ModeHelper }

// Allocate creates TapName(vmID) via the helper and leases the next guest IP.
// A stale device of the same name from a previous crash is deleted first.
func (h *Helper) Allocate(ctx context.Context, vmID string) (*network.Allocation, error) {
	logger := log.WithFunc("helper.Allocate")
	tap := network.TapName(vmID)

	if h.exists(tap) {
		logger.Warnf(ctx, "stale tap %s found, deleting", tap)
		if _, err := h.run(ctx, h.path, "delete", "--name", tap); err != nil {
			return nil, fmt.Errorf("delete stale tap %s: %w", tap, err)
		}
	}

	out, err := h.run(ctx, h.path, "create",
		"--name", tap,
		"--bridge", h.bridge,
		"--owner-uid", strconv.Itoa(h.uid),
		"--owner-gid", strconv.Itoa(h.gid),
		"--format", "json",
	)
	var res createResult
	if jerr := json.Unmarshal(bytes.TrimSpace(out), &res); jerr == nil && !res.Success {
		return nil, fmt.Errorf("create tap %s: %s", tap, res.Error)
	}
	if err != nil {
		return nil, fmt.Errorf("create tap %s: %w", tap, err)
	}

	lease, err := h.leases.Acquire(ctx, vmID)
	if err != nil {
		if _, derr := h.run(ctx, h.path, "delete", "--name", tap); derr != nil {
			logger.Warnf(ctx, "rollback tap %s: %v", tap, derr)
		}
		return nil, fmt.Errorf("lease ip for %s: %w", vmID, err)
	}
	logger.Infof(ctx, "tap %s on %s: %s (%s)", tap, h.bridge, lease.IP, lease.MAC)
	return &network.Allocation{
		TapName:   tap,
		Bridge:    h.bridge,
		GuestIP:   lease.IP,
		Gateway:   h.leases.Gateway(),
		PrefixLen: h.leases.PrefixLen(),
		MAC:       lease.MAC,
	}, nil
}

// Release deletes the device (the helper treats "absent" as success) and
// drops the lease.
func (h *Helper) Release(ctx context.Context, tapName, vmID string) error {
	var errs []error
	if tapName != "" {
		if _, err := h.run(ctx, h.path, "delete", "--name", tapName); err != nil {
			errs = append(errs, fmt.Errorf("delete tap %s: %w", tapName, err))
		}
	}
	if vmID != "" {
		if err := h.leases.Release(ctx, vmID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Helper) Health(ctx context.Context) network.Health {
	health := network.Health{
		Mode:          network.ModeHelper,
		Configured:    true,
		BridgePresent: h.exists(h.bridge),
	}
	leases, err := h.leases.List(ctx)
	if err != nil {
		health.Message = fmt.Sprintf("read leases: %v", err)
		return health
	}
	for _, l := range leases {
		if h.exists(network.TapName(l.VMID)) {
			health.DevicesPresent++
		}
	}
	health.DevicesAvailable = h.leases.Size() - len(leases)
	if health.BridgePresent {
		health.Message = fmt.Sprintf("helper mode on %s: %d tap(s), %d address(es) free", h.bridge, health.DevicesPresent, health.DevicesAvailable)
	} else {
		health.Message = fmt.Sprintf("bridge %s missing", h.bridge)
	}
	return health
}

// LookupMAC implements network.Leaser.
func (h *Helper) LookupMAC(ctx context.Context, mac string) (net.IP, bool) {
	l, ok, err := h.leases.LookupMAC(ctx, mac)
	if err != nil || !ok {
		return nil, false
	}
	return net.ParseIP(l.IP).To4(), true
}

// Leases exposes the lease table for GC registration.
func (h *Helper) Leases() *ipam.Table { return h.leases }

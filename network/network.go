// Package network provisions TAP identities for VMs. Exactly one strategy
// (helper, pool or none) is active per process; see Detect.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/projecteru2/burrow/types"
)

// Mode names the active provisioning strategy.
type Mode string

const (
	ModeHelper Mode = "helper"
	ModePool   Mode = "pool"
	ModeNone   Mode = "none"
)

// ErrUnavailable is returned by the none strategy: VMs get no network.
var ErrUnavailable = errors.New("no network strategy available")

// Allocation is the identity handed to one VM.
type Allocation struct {
	TapName   string `json:"tap_name"`
	Bridge    string `json:"bridge"`
	GuestIP   string `json:"guest_ip"`
	Gateway   string `json:"gateway"`
	PrefixLen int    `json:"prefix_len"`
	MAC       string `json:"mac_address"`
}

// Network converts the allocation into the record form.
func (a *Allocation) Network() types.Network {
	return types.Network{
		Mode:      types.NetworkModeTap,
		TapDevice: a.TapName,
		Bridge:    a.Bridge,
		MAC:       a.MAC,
		GuestIP:   a.GuestIP,
		Gateway:   a.Gateway,
		PrefixLen: a.PrefixLen,
	}
}

// Health is a diagnostic summary; it never gates allocation.
type Health struct {
	Mode             Mode   `json:"mode"`
	Configured       bool   `json:"configured"`
	BridgePresent    bool   `json:"bridge_present"`
	DevicesPresent   int    `json:"devices_present"`
	DevicesAvailable int    `json:"devices_available"`
	Message          string `json:"message"`
}

// Provisioner is implemented by every strategy.
type Provisioner interface {
	Mode() Mode
	// Allocate reserves a TAP identity for vmID.
	Allocate(ctx context.Context, vmID string) (*Allocation, error)
	// Release undoes Allocate. Releasing something already released is a no-op.
	Release(ctx context.Context, tapName, vmID string) error
	Health(ctx context.Context) Health
}

// Leaser is implemented by strategies that can answer "which IP belongs to
// this MAC"; the DHCP responder uses it.
type Leaser interface {
	LookupMAC(ctx context.Context, mac string) (ip net.IP, ok bool)
}

type none struct{ reason string }

// None returns the degraded strategy used when neither helper nor pool works.
func None(reason string) Provisioner { return none{reason: reason} }

func (none) Mode() Mode { return ModeNone }

func (n none) Allocate(context.Context, string) (*Allocation, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnavailable, n.reason)
}

func (none) Release(context.Context, string, string) error { return nil }

func (n none) Health(context.Context) Health {
	return Health{Mode: ModeNone, Message: n.reason}
}

const (
	tapPrefix  = "bt-"
	maxIfName  = 15
	tapIDChars = maxIfName - len(tapPrefix)
)

var (
	nonAlnum   = regexp.MustCompile(`[^a-z0-9]`)
	validIface = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

// TapName derives a deterministic, kernel-valid interface name from a VM id.
func TapName(vmID string) string {
	id := nonAlnum.ReplaceAllString(strings.ToLower(vmID), "")
	if len(id) > tapIDChars {
		id = id[:tapIDChars]
	}
	return tapPrefix + id
}

// ValidateIfName enforces the kernel's IFNAMSIZ limit and a conservative
// character set (letter first, then alnum, '-' or '_').
func ValidateIfName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("interface name cannot be empty")
	case len(name) > maxIfName:
		return fmt.Errorf("interface name %q too long (max %d chars)", name, maxIfName)
	case !validIface.MatchString(name):
		return fmt.Errorf("invalid interface name %q", name)
	}
	return nil
}

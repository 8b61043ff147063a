// Package taphelper is the privileged side of helper-mode networking: it
// creates and deletes persistent TAP devices and sets up the host bridge.
// It is meant to run as a separate executable with CAP_NET_ADMIN.
package taphelper

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/burrow/network"
)

// ErrNoCapability means neither CAP_NET_ADMIN nor root is held.
var ErrNoCapability = errors.New("missing CAP_NET_ADMIN capability")

// Result is printed on stdout by create in json format.
type Result struct {
	Success bool   `json:"success"`
	TapName string `json:"tap_name,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HasNetAdmin reports whether the effective capability set includes
// CAP_NET_ADMIN. Root without a capability mask also passes.
func HasNetAdmin() bool {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err == nil {
		if data[0].Effective&(1<<unix.CAP_NET_ADMIN) != 0 {
			return true
		}
	}
	return os.Geteuid() == 0
}

// CreateTap creates a persistent TAP named name owned by uid:gid, enslaves
// it to bridge and brings it up. On any failure the device is removed.
func CreateTap(name, bridge string, uid, gid int) error {
	if err := network.ValidateIfName(name); err != nil {
		return err
	}
	if err := network.ValidateIfName(bridge); err != nil {
		return err
	}
	if !HasNetAdmin() {
		return ErrNoCapability
	}
	if _, err := netlink.LinkByName(name); err == nil {
		return fmt.Errorf("tap device %q already exists", name)
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("bridge %q does not exist: %w", bridge, err)
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_VNET_HDR,
		Owner:     uint32(uid), //nolint:gosec
		Group:     uint32(gid), //nolint:gosec
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	// the device is persistent; the queue fds netlink opened are not needed
	for _, f := range tap.Fds {
		_ = f.Close()
	}

	link, err := netlink.LinkByName(name)
	if err == nil {
		err = netlink.LinkSetMaster(link, br)
	}
	if err == nil {
		err = netlink.LinkSetUp(link)
	}
	if err != nil {
		_ = DeleteTap(name)
		return fmt.Errorf("attach tap %s to %s: %w", name, bridge, err)
	}
	return nil
}

// DeleteTap removes name. A device that does not exist is not an error.
func DeleteTap(name string) error {
	if err := network.ValidateIfName(name); err != nil {
		return err
	}
	if !HasNetAdmin() {
		return ErrNoCapability
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// SetupBridge creates bridge name if absent, assigns cidr (for example
// 172.31.0.1/24) and brings it up. Re-running it is harmless.
func SetupBridge(name, cidr string) error {
	if err := network.ValidateIfName(name); err != nil {
		return err
	}
	addr, err := ParseBridgeAddr(cidr)
	if err != nil {
		return err
	}
	if !HasNetAdmin() {
		return ErrNoCapability
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("create bridge %s: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return fmt.Errorf("lookup bridge %s: %w", name, err)
		}
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("set address %s on %s: %w", cidr, name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", name, err)
	}
	return nil
}

// ParseBridgeAddr parses an IPv4 host address in CIDR form, keeping the
// host part (net.ParseCIDR alone would return the network address).
func ParseBridgeAddr(cidr string) (*netlink.Addr, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("ip must be in CIDR form (e.g. 172.31.0.1/24): %w", err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("ip %s is not IPv4", cidr)
	}
	return &netlink.Addr{IPNet: &net.IPNet{IP: ip.To4(), Mask: ipNet.Mask}}, nil
}

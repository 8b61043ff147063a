package network

import "github.com/vishvananda/netlink"

// LinkChecker reports whether a host interface exists. Strategies take it
// as a dependency so tests can run without netlink.
type LinkChecker func(name string) bool

// LinkExists looks the interface up over netlink. Lookup failures of any
// kind count as absent.
func LinkExists(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}

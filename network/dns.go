package network

import "github.com/miekg/dns"

const resolvConf = "/etc/resolv.conf"

// DNSServers returns configured when non-empty, else the host's
// resolv.conf nameservers. Guests get these through DHCP and metadata.
func DNSServers(configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil
	}
	return cc.Servers
}

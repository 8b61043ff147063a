// Package dhcp answers guest DHCP requests on the bridge with the address
// the active network strategy already leased to the requesting MAC.
package dhcp

import (
	"context"
	"fmt"
	"net"
	"time"

	dhcp4 "github.com/krolaw/dhcp4"
	"github.com/krolaw/dhcp4/conn"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/network"
)

// leases never expire; the lease table owns the lifetime.
var leaseDuration = time.Duration(1<<32-1) * time.Second

// Server is a static-assignment DHCP responder.
type Server struct {
	bridge  string
	gateway net.IP
	mask    net.IPMask
	leaser  network.Leaser
	dns     []byte
	ctx     context.Context
}

// New builds a responder for bridge. When dnsServers is empty the host's
// resolv.conf servers are handed out instead.
func New(bridge, gateway string, prefixLen int, leaser network.Leaser, dnsServers []string) (*Server, error) {
	gw := net.ParseIP(gateway).To4()
	if gw == nil {
		return nil, fmt.Errorf("invalid gateway %q", gateway)
	}
	dnsServers = network.DNSServers(dnsServers)
	s := &Server{
		bridge:  bridge,
		gateway: gw,
		mask:    net.CIDRMask(prefixLen, 32), //nolint:mnd
		leaser:  leaser,
		ctx:     context.Background(),
	}
	for _, d := range dnsServers {
		if ip := net.ParseIP(d).To4(); ip != nil {
			s.dns = append(s.dns, ip...)
		}
	}
	return s, nil
}

// Serve listens on the bridge's port 67 until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	pc, err := conn.NewUDP4BoundListener(s.bridge, ":67")
	if err != nil {
		return fmt.Errorf("listen dhcp on %s: %w", s.bridge, err)
	}
	s.ctx = ctx
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()
	log.WithFunc("dhcp.Serve").Infof(ctx, "dhcp responder on %s (gateway %s)", s.bridge, s.gateway)
	if err := dhcp4.Serve(pc, s); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// ServeDHCP implements dhcp4.Handler. Unknown MACs get no answer.
func (s *Server) ServeDHCP(p dhcp4.Packet, msgType dhcp4.MessageType, options dhcp4.Options) dhcp4.Packet {
	var reply dhcp4.MessageType
	switch msgType {
	case dhcp4.Discover:
		reply = dhcp4.Offer
	case dhcp4.Request:
		reply = dhcp4.ACK
	default:
		return nil
	}

	mac := p.CHAddr().String()
	ip, ok := s.leaser.LookupMAC(s.ctx, mac)
	if !ok {
		log.WithFunc("dhcp.ServeDHCP").Debugf(s.ctx, "no lease for %s", mac)
		return nil
	}
	opts := dhcp4.Options{
		dhcp4.OptionSubnetMask: []byte(s.mask),
		dhcp4.OptionRouter:     []byte(s.gateway),
	}
	if len(s.dns) > 0 {
		opts[dhcp4.OptionDomainNameServer] = s.dns
	}
	return dhcp4.ReplyPacket(p, reply, s.gateway, ip, leaseDuration,
		opts.SelectOrderOrAll(options[dhcp4.OptionParameterRequestList]))
}

package dhcp

import (
	"context"
	"net"
	"strings"
	"testing"

	dhcp4 "github.com/krolaw/dhcp4"
	"github.com/stretchr/testify/require"
)

type fakeLeaser map[string]string

func (f fakeLeaser) LookupMAC(_ context.Context, mac string) (net.IP, bool) {
	ip, ok := f[strings.ToLower(mac)]
	if !ok {
		return nil, false
	}
	return net.ParseIP(ip).To4(), true
}

func request(t *testing.T, mt dhcp4.MessageType, mac string) dhcp4.Packet {
	t.Helper()
	hw, err := net.ParseMAC(mac)
	require.NoError(t, err)
	return dhcp4.RequestPacket(mt, hw, nil, []byte{1, 2, 3, 4}, true, nil)
}

func TestServeDHCPOffersLeasedAddress(t *testing.T) {
	s, err := New("br0", "172.31.0.1", 24, fakeLeaser{"06:00:ac:1f:00:02": "172.31.0.2"}, []string{"1.1.1.1"})
	require.NoError(t, err)

	for mt, want := range map[dhcp4.MessageType]dhcp4.MessageType{
		dhcp4.Discover: dhcp4.Offer,
		dhcp4.Request:  dhcp4.ACK,
	} {
		reply := s.ServeDHCP(request(t, mt, "06:00:ac:1f:00:02"), mt, nil)
		require.NotNil(t, reply)
		require.Equal(t, "172.31.0.2", reply.YIAddr().String())

		opts := reply.ParseOptions()
		require.Equal(t, []byte{byte(want)}, opts[dhcp4.OptionDHCPMessageType])
		require.Equal(t, []byte{172, 31, 0, 1}, opts[dhcp4.OptionRouter])
		require.Equal(t, []byte{255, 255, 255, 0}, opts[dhcp4.OptionSubnetMask])
		require.Equal(t, []byte{1, 1, 1, 1}, opts[dhcp4.OptionDomainNameServer])
	}
}

func TestServeDHCPIgnoresUnknownAndOtherTypes(t *testing.T) {
	s, err := New("br0", "172.31.0.1", 24, fakeLeaser{"06:00:ac:1f:00:02": "172.31.0.2"}, []string{"1.1.1.1"})
	require.NoError(t, err)

	require.Nil(t, s.ServeDHCP(request(t, dhcp4.Discover, "06:00:ac:1f:00:09"), dhcp4.Discover, nil))
	require.Nil(t, s.ServeDHCP(request(t, dhcp4.Release, "06:00:ac:1f:00:02"), dhcp4.Release, nil))
}

func TestNewRejectsBadGateway(t *testing.T) {
	_, err := New("br0", "nope", 24, fakeLeaser{}, nil)
	require.Error(t, err)
}

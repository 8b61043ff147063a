// Package ipam leases guest IPv4 addresses from a subnet and pins each
// address to a MAC through an explicit mapping.
package ipam

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/projecteru2/burrow/lock"
	"github.com/projecteru2/burrow/storage"
	storejson "github.com/projecteru2/burrow/storage/json"
	"github.com/projecteru2/burrow/types"
)

// macPrefix marks MACs derived by MACForIP (locally administered, unicast).
const macPrefix = "06:00"

// Lease binds one guest address to one VM.
type Lease struct {
	VMID string `json:"vm_id"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
}

type index struct {
	// Next is where the sequential scan resumes.
	Next   string            `json:"next,omitempty"`
	Leases map[string]*Lease `json:"leases"` // vm id -> lease
}

func (i *index) Init() {
	if i.Leases == nil {
		i.Leases = make(map[string]*Lease)
	}
}

// Table is the persisted lease table for one subnet. The first host address
// is the gateway; guests are leased from the second up to the last before
// broadcast.
type Table struct {
	gateway     net.IP
	first, last uint32
	prefixLen   int
	store       storage.Store[index]
	locker      lock.Locker
}

// New parses subnet (e.g. "172.31.0.0/24") and opens the table at filePath.
func New(subnet, filePath string, locker lock.Locker) (*Table, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", subnet, err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("subnet %q is not IPv4", subnet)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones < 2 || ones < 8 {
		return nil, fmt.Errorf("subnet %q has no room for guests", subnet)
	}
	network := binary.BigEndian.Uint32(base)
	broadcast := network | (1<<uint(bits-ones) - 1)
	return &Table{
		gateway:   toIP(network + 1),
		first:     network + 2,
		last:      broadcast - 1,
		prefixLen: ones,
		store:     storejson.New[index](filePath, locker),
		locker:    locker,
	}, nil
}

func (t *Table) Gateway() string     { return t.gateway.String() }
func (t *Table) PrefixLen() int      { return t.prefixLen }
func (t *Table) Size() int           { return int(t.last - t.first + 1) }
func (t *Table) Locker() lock.Locker { return t.locker }

// Acquire returns vmID's lease, creating one if needed. New addresses are
// handed out sequentially from the cursor, skipping addresses in use and
// wrapping once; a full table is ErrResourceExhausted, never a reuse.
func (t *Table) Acquire(ctx context.Context, vmID string) (Lease, error) {
	var out Lease
	return out, t.store.Update(ctx, func(idx *index) error {
		if l := idx.Leases[vmID]; l != nil {
			out = *l
			return nil
		}
		used := make(map[uint32]struct{}, len(idx.Leases))
		for _, l := range idx.Leases {
			if ip := net.ParseIP(l.IP).To4(); ip != nil {
				used[binary.BigEndian.Uint32(ip)] = struct{}{}
			}
		}
		start := t.first
		if next := net.ParseIP(idx.Next).To4(); next != nil {
			if n := binary.BigEndian.Uint32(next); n >= t.first && n <= t.last {
				start = n
			}
		}
		size := t.last - t.first + 1
		for i := uint32(0); i < size; i++ {
			cand := t.first + (start-t.first+i)%size
			if _, taken := used[cand]; taken {
				continue
			}
			ip := toIP(cand)
			mac, err := MACForIP(ip)
			if err != nil {
				return err
			}
			out = Lease{VMID: vmID, IP: ip.String(), MAC: mac}
			idx.Leases[vmID] = &out
			nextIP := cand + 1
			if nextIP > t.last {
				nextIP = t.first
			}
			idx.Next = toIP(nextIP).String()
			return nil
		}
		return fmt.Errorf("%w: all %d addresses leased", types.ErrResourceExhausted, size)
	})
}

// Release drops vmID's lease; unknown ids are a no-op.
func (t *Table) Release(ctx context.Context, vmID string) error {
	return t.store.Update(ctx, func(idx *index) error {
		delete(idx.Leases, vmID)
		return nil
	})
}

// Get returns vmID's lease, if any.
func (t *Table) Get(ctx context.Context, vmID string) (Lease, bool, error) {
	var (
		out Lease
		ok  bool
	)
	err := t.store.With(ctx, func(idx *index) error {
		if l := idx.Leases[vmID]; l != nil {
			out, ok = *l, true
		}
		return nil
	})
	return out, ok, err
}

// LookupMAC finds the lease holding mac.
func (t *Table) LookupMAC(ctx context.Context, mac string) (Lease, bool, error) {
	var (
		out Lease
		ok  bool
	)
	mac = strings.ToLower(mac)
	err := t.store.With(ctx, func(idx *index) error {
		for _, l := range idx.Leases {
			if strings.ToLower(l.MAC) == mac {
				out, ok = *l, true
				return nil
			}
		}
		return nil
	})
	return out, ok, err
}

// List returns all leases ordered by IP.
func (t *Table) List(ctx context.Context) ([]Lease, error) {
	var out []Lease
	err := t.store.With(ctx, func(idx *index) error {
		out = collect(idx)
		return nil
	})
	return out, err
}

func collect(idx *index) []Lease {
	out := make([]Lease, 0, len(idx.Leases))
	for _, l := range idx.Leases {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		return ipKey(out[i].IP) < ipKey(out[j].IP)
	})
	return out
}

// MACForIP maps an IPv4 address to 06:00:a:b:c:d.
func MACForIP(ip net.IP) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("%s is not an IPv4 address", ip)
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x:%02x", macPrefix, v4[0], v4[1], v4[2], v4[3]), nil
}

// IPForMAC inverts MACForIP and rejects MACs it did not produce.
func IPForMAC(mac string) (net.IP, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("parse mac %q: %w", mac, err)
	}
	if len(hw) != 6 || hw[0] != 0x06 || hw[1] != 0x00 {
		return nil, fmt.Errorf("mac %q is not a derived guest MAC", mac)
	}
	return net.IPv4(hw[2], hw[3], hw[4], hw[5]).To4(), nil
}

func toIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

func ipKey(s string) uint32 {
	if ip := net.ParseIP(s).To4(); ip != nil {
		return binary.BigEndian.Uint32(ip)
	}
	return 0
}

package ipam

import (
	"context"

	"github.com/projecteru2/burrow/gc"
)

const gcName = "leases"

type leaseSnapshot struct {
	owners []string
}

// GCModule drops leases whose VM no longer exists.
func (t *Table) GCModule() gc.Module[leaseSnapshot] {
	return gc.Module[leaseSnapshot]{
		Name:   gcName,
		Locker: t.locker,
		ReadDB: func(_ context.Context) (leaseSnapshot, error) {
			var snap leaseSnapshot
			return snap, t.store.Read(func(idx *index) error {
				for id := range idx.Leases {
					snap.owners = append(snap.owners, id)
				}
				return nil
			})
		},
		Resolve: func(snap leaseSnapshot, others map[string]any) []string {
			live, ok := gc.LiveVMs(others)
			if !ok {
				return nil
			}
			var stale []string
			for _, id := range snap.owners {
				if _, alive := live[id]; !alive {
					stale = append(stale, id)
				}
			}
			return stale
		},
		Collect: func(_ context.Context, ids []string) error {
			return t.store.Write(func(idx *index) error {
				for _, id := range ids {
					delete(idx.Leases, id)
				}
				return nil
			})
		},
	}
}

// RegisterGC registers the lease module.
func (t *Table) RegisterGC(o *gc.Orchestrator) {
	gc.Register(o, t.GCModule())
}

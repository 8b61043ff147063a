package pool

import (
	"context"

	"github.com/projecteru2/burrow/gc"
)

const gcName = "tap-pool"

type poolSnapshot struct {
	owners map[string]string // tap name -> vm id
}

// GCModule frees pool entries still marked as owned by VMs that no longer exist.
func (p *Pool) GCModule() gc.Module[poolSnapshot] {
	return gc.Module[poolSnapshot]{
		Name:   gcName,
		Locker: p.locker,
		ReadDB: func(_ context.Context) (poolSnapshot, error) {
			snap := poolSnapshot{owners: make(map[string]string)}
			return snap, p.store.Read(func(f *File) error {
				for _, t := range f.Taps {
					if t != nil && t.Allocated {
						snap.owners[t.Name] = t.AllocatedTo
					}
				}
				return nil
			})
		},
		Resolve: func(snap poolSnapshot, others map[string]any) []string {
			live, ok := gc.LiveVMs(others)
			if !ok {
				return nil
			}
			var stale []string
			for tap, owner := range snap.owners {
				if _, alive := live[owner]; !alive {
					stale = append(stale, tap)
				}
			}
			return stale
		},
		Collect: func(_ context.Context, taps []string) error {
			free := make(map[string]struct{}, len(taps))
			for _, t := range taps {
				free[t] = struct{}{}
			}
			return p.store.Write(func(f *File) error {
				for _, t := range f.Taps {
					if t == nil {
						continue
					}
					if _, ok := free[t.Name]; ok {
						t.Allocated = false
						t.AllocatedTo = ""
					}
				}
				return nil
			})
		},
	}
}

// RegisterGC registers the pool module.
func (p *Pool) RegisterGC(o *gc.Orchestrator) {
	gc.Register(o, p.GCModule())
}

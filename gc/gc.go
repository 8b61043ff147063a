// Package gc runs garbage collection across independently locked modules.
package gc

import (
	"context"

	"github.com/projecteru2/burrow/lock"
)

// VMIDSet is implemented by snapshots that know the set of live VM ids.
// Other modules consult it in Resolve to find resources owned by VMs that
// no longer exist.
type VMIDSet interface {
	VMIDs() map[string]struct{}
}

// Module describes one participant in a GC cycle. S is the module's own
// snapshot type.
type Module[S any] struct {
	Name string

	// Locker is held for the whole cycle. A busy lock aborts the cycle.
	Locker lock.Locker

	// ReadDB snapshots the module's state. Called with the lock held.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve picks the ids to collect. others holds every module's
	// snapshot keyed by Module.Name, including this one.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the chosen ids. Called with the lock held.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	s, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}

// LiveVMs finds the VMIDSet among snapshots. ok is false if no module
// published one, in which case callers must not collect anything.
func LiveVMs(others map[string]any) (ids map[string]struct{}, ok bool) {
	for _, s := range others {
		if set, isSet := s.(VMIDSet); isSet {
			return set.VMIDs(), true
		}
	}
	return nil, false
}

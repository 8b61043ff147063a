package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
)

// ErrBusy aborts a cycle when some module's lock is held elsewhere.
var ErrBusy = errors.New("gc: module lock busy")

// Orchestrator runs GC across all registered modules.
type Orchestrator struct {
	modules []runner
}

// Report is what one cycle removed, per module name.
type Report map[string][]string

// Total counts removed items across modules.
func (r Report) Total() int {
	n := 0
	for _, ids := range r {
		n += len(ids)
	}
	return n
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds a typed Module. A package-level function because methods
// cannot take type parameters.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run executes one GC cycle:
//
//  1. TryLock every module; any busy module aborts the cycle with ErrBusy.
//  2. Snapshot each module.
//  3. Resolve targets per module with all snapshots visible.
//  4. Collect. A failing module does not stop the others.
//
// Locks are held for the whole cycle so the three phases see one view.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	logger := log.WithFunc("gc.Run")

	locked, err := o.lockAll(ctx)
	defer func() {
		for _, m := range locked {
			m.getLocker().Unlock(ctx) //nolint:errcheck,gosec
		}
	}()
	if err != nil {
		return nil, err
	}

	snapshots := make(map[string]any, len(locked))
	for _, m := range locked {
		snap, err := m.readSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("gc aborted: snapshot %s: %w", m.getName(), err)
		}
		snapshots[m.getName()] = snap
	}

	report := Report{}
	var errs []error
	for _, m := range locked {
		ids := m.resolveTargets(snapshots[m.getName()], snapshots)
		if len(ids) == 0 {
			continue
		}
		logger.Infof(ctx, "%s: collecting %d item(s): %s", m.getName(), len(ids), strings.Join(ids, ", "))
		if err := m.collect(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.getName(), err))
			continue
		}
		report[m.getName()] = ids
	}
	return report, errors.Join(errs...)
}

// lockAll returns the modules it locked even on failure so the caller can
// release them.
func (o *Orchestrator) lockAll(ctx context.Context) ([]runner, error) {
	logger := log.WithFunc("gc.lockAll")
	var locked []runner
	var busy []string
	for _, m := range o.modules {
		ok, err := m.getLocker().TryLock(ctx)
		switch {
		case err != nil:
			logger.Warnf(ctx, "skip %s: TryLock error: %v", m.getName(), err)
			busy = append(busy, m.getName())
		case !ok:
			logger.Warnf(ctx, "skip %s: lock held by another operation", m.getName())
			busy = append(busy, m.getName())
		default:
			locked = append(locked, m)
		}
	}
	if len(busy) > 0 {
		return locked, fmt.Errorf("%w: %s", ErrBusy, strings.Join(busy, ", "))
	}
	return locked, nil
}

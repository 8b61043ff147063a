package gc

import (
	"context"

	"github.com/projecteru2/burrow/lock"
)

// runner lets Orchestrator hold heterogeneous Module[S] values.
type runner interface {
	getName() string
	getLocker() lock.Locker
	readSnapshot(ctx context.Context) (any, error)
	resolveTargets(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}

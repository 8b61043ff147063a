// Package portalloc hands out host SSH ports from a fixed inclusive range.
package portalloc

import (
	"fmt"
	"sync"

	"github.com/projecteru2/burrow/types"
)

// Allocator tracks which ports in [low, high] are held. It has no
// persistence; callers re-Reserve held ports after a restart.
type Allocator struct {
	low, high int
	mu        sync.Mutex
	held      map[int]struct{}
}

func New(low, high int) (*Allocator, error) {
	if low < 1 || high > 65535 || low > high {
		return nil, fmt.Errorf("invalid port range: %d-%d", low, high)
	}
	return &Allocator{low: low, high: high, held: make(map[int]struct{})}, nil
}

// Allocate returns the lowest free port.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.low; p <= a.high; p++ {
		if _, ok := a.held[p]; !ok {
			a.held[p] = struct{}{}
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", types.ErrResourceExhausted, a.low, a.high)
}

// Reserve marks port as held. Ports outside the range are rejected.
func (a *Allocator) Reserve(port int) error {
	if port < a.low || port > a.high {
		return fmt.Errorf("port %d outside range %d-%d", port, a.low, a.high)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.held[port]; ok {
		return fmt.Errorf("%w: port %d", types.ErrAlreadyExists, port)
	}
	a.held[port] = struct{}{}
	return nil
}

// Release frees port; releasing a free or foreign port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

// Held reports whether port is currently allocated.
func (a *Allocator) Held(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.held[port]
	return ok
}

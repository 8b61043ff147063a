// Package keyed provides an in-process mutex per string key.
package keyed

import (
	"context"
	"fmt"
	"sync"
)

// Locker serialises callers that share a key. Entries are reference
// counted and dropped once nobody holds or waits on them.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key. The returned func releases it and must be
// called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)
	select {
	case e.ch <- struct{}{}:
		return func() { l.release(key, e) }, nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

// TryLock is Lock without waiting; ok is false if key is held.
func (l *Locker) TryLock(key string) (unlock func(), ok bool) {
	e := l.ref(key)
	select {
	case e.ch <- struct{}{}:
		return func() { l.release(key, e) }, true
	default:
		l.unref(key, e)
		return nil, false
	}
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Locker) release(key string, e *entry) {
	<-e.ch
	l.unref(key, e)
}

// Len returns the number of live keys; used by tests.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

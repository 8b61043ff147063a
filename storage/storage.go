package storage

import (
	"context"
)

// Initer is optionally implemented by T to initialise zero-value fields
// (e.g. nil maps) after deserialization or when the backing store is empty.
type Initer interface {
	Init()
}

// Store provides locked read/modify/write access to a data store.
// T is the top-level structure managed by the store.
type Store[T any] interface {
	// With loads the data under lock and passes it to fn.
	With(ctx context.Context, fn func(*T) error) error
	// Update performs a read-modify-write under lock; the data is persisted
	// only if fn returns nil.
	Update(ctx context.Context, fn func(*T) error) error

	// Read and Write are the lock-free variants for callers already holding
	// the lock through TryLock (GC).
	Read(fn func(*T) error) error
	Write(fn func(*T) error) error
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

package json

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/lock/flock"
)

type doc struct {
	Items map[string]int `json:"items"`
}

func (d *doc) Init() {
	if d.Items == nil {
		d.Items = make(map[string]int)
	}
}

func newStore(t *testing.T) *Store[doc] {
	dir := t.TempDir()
	return New[doc](filepath.Join(dir, "doc.json"), flock.New(filepath.Join(dir, "doc.lock")))
}

func TestMissingFileReadsInitialised(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.With(context.Background(), func(d *doc) error {
		require.NotNil(t, d.Items)
		require.Empty(t, d.Items)
		return nil
	}))
}

func TestUpdatePersistsOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Update(ctx, func(d *doc) error {
		d.Items["a"] = 1
		return nil
	}))

	boom := errors.New("boom")
	err := s.Update(ctx, func(d *doc) error {
		d.Items["b"] = 2
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.With(ctx, func(d *doc) error {
		require.Equal(t, map[string]int{"a": 1}, d.Items)
		return nil
	}))
}

func TestCorruptFileIsAnError(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))
	err := s.With(context.Background(), func(*doc) error { return nil })
	require.ErrorContains(t, err, "parse")
}

func TestTryLockExcludesUpdate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ok, err := s.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	other := New[doc](s.Path(), flock.New(filepath.Join(filepath.Dir(s.Path()), "doc.lock")))
	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Write(func(d *doc) error {
		d.Items["gc"] = 1
		return nil
	}))
	require.NoError(t, s.Unlock(ctx))

	require.NoError(t, other.With(ctx, func(d *doc) error {
		require.Equal(t, 1, d.Items["gc"])
		return nil
	}))
}

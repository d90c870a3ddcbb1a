// Package statetest provides a conformance suite for state.Backend
// implementations.
package statetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmrepl/internal/rlm/state"
)

// RunBackendTests exercises the Backend contract. newBackend must return a
// fresh, empty backend each call.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) state.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(ctx, "missing")
		assert.ErrorIs(t, err, state.ErrNotFound)
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, "env-1", []byte("one")))
		require.NoError(t, b.Put(ctx, "env-1", []byte("two")))

		got, err := b.Get(ctx, "env-1")
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, "b", []byte("x")))
		require.NoError(t, b.Put(ctx, "a", []byte("y")))

		ids, err := b.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)

		require.NoError(t, b.Delete(ctx, "a"))
		assert.ErrorIs(t, b.Delete(ctx, "a"), state.ErrNotFound)

		ids, err = b.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids)
	})

	t.Run("LeaseExclusive", func(t *testing.T) {
		b := newBackend(t)
		ok, err := b.TryAcquire(ctx, "env", "owner-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.TryAcquire(ctx, "env", "owner-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "second owner must not fork the state")

		ok, err = b.TryAcquire(ctx, "env", "owner-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "holder can renew")

		require.NoError(t, b.Release(ctx, "env", "owner-b"))
		ok, err = b.TryAcquire(ctx, "env", "owner-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "release by a non-holder is a no-op")

		require.NoError(t, b.Release(ctx, "env", "owner-a"))
		ok, err = b.TryAcquire(ctx, "env", "owner-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("LeaseExpires", func(t *testing.T) {
		b := newBackend(t)
		ok, err := b.TryAcquire(ctx, "env", "owner-a", 50*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		require.Eventually(t, func() bool {
			ok, err := b.TryAcquire(ctx, "env", "owner-b", time.Minute)
			return err == nil && ok
		}, 3*time.Second, 25*time.Millisecond)
	})
}

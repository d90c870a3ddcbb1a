package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmrepl/internal/rlm/state"
	"github.com/rand/rlmrepl/internal/rlm/state/statetest"
)

func TestBackend(t *testing.T) {
	statetest.RunBackendTests(t, func(t *testing.T) state.Backend {
		b, err := Open(Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestBackend_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "env", []byte("kept")))
	require.NoError(t, b.Close())

	b, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, "env")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
}

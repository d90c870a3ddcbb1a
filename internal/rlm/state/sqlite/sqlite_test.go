package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rand/rlmrepl/internal/rlm/state"
	"github.com/rand/rlmrepl/internal/rlm/state/statetest"
)

func TestBackend(t *testing.T) {
	statetest.RunBackendTests(t, func(t *testing.T) state.Backend {
		b, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "state.db")})
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	b, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "env", []byte("data")))
	require.NoError(t, b.Close())

	b, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, "env")
	require.NoError(t, err)
	require.Equal(t, "data", string(got))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

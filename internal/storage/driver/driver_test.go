package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildindex/backend/internal/config"
	"github.com/guildindex/backend/internal/storage"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, &config.Config{StoreDriver: Memory})
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, s)

	s, err = Open(ctx, &config.Config{StoreDriver: File, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.NoError(t, s.Ping(ctx))

	_, err = Open(ctx, &config.Config{StoreDriver: Postgres})
	assert.ErrorContains(t, err, "DATABASE_URL")

	_, err = Open(ctx, &config.Config{StoreDriver: Mongo})
	assert.ErrorContains(t, err, "MONGO_URI")

	_, err = Open(ctx, &config.Config{StoreDriver: "sqlite"})
	assert.Error(t, err)
}

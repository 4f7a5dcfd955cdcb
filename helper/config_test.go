package helper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfiguration(t *testing.T) {
	t.Run("Defaults are in memory and offline", func(t *testing.T) {
		config, err := LoadConfiguration("")
		require.NoError(t, err)
		assert.Equal(t, BackendMemory, config.Backends.Vector)
		assert.Equal(t, BackendMemory, config.Backends.Document)
		assert.Equal(t, BackendMemory, config.Backends.Graph)
		assert.Equal(t, "hash", config.Embedding.Provider)
		assert.Equal(t, 384, config.Embedding.Dimension)
		assert.True(t, config.Pipeline.GroupAttributes)
	})

	t.Run("YAML file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "persona.yaml")
		err := os.WriteFile(path, []byte(`
backends:
  vector: qdrant
  document: badger
  graph: sqlite
pipeline:
  store_timeout: 3s
  batch_parallelism: 8
search:
  limit: 25
`), 0600)
		require.NoError(t, err)

		config, err := LoadConfiguration(path)
		require.NoError(t, err)
		assert.Equal(t, BackendQdrant, config.Backends.Vector)
		assert.Equal(t, BackendBadger, config.Backends.Document)
		assert.Equal(t, BackendSQLite, config.Backends.Graph)
		assert.Equal(t, 3*time.Second, config.Pipeline.StoreTimeout)
		assert.Equal(t, 8, config.Pipeline.BatchParallelism)
		assert.Equal(t, 25, config.Search.Limit)
		assert.True(t, config.Pipeline.IncludeGlobal, "Expected untouched defaults to survive")
	})

	t.Run("Environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "persona.yaml")
		require.NoError(t, os.WriteFile(path, []byte("backends:\n  graph: sqlite\n"), 0600))
		t.Setenv("PERSONA_GRAPH_BACKEND", "postgres")
		t.Setenv("SEARCH_LIMIT", "7")

		config, err := LoadConfiguration(path)
		require.NoError(t, err)
		assert.Equal(t, BackendPostgres, config.Backends.Graph)
		assert.Equal(t, 7, config.Search.Limit)
	})

	t.Run("Unknown backend fails validation", func(t *testing.T) {
		t.Setenv("PERSONA_VECTOR_BACKEND", "elastic")
		_, err := LoadConfiguration("")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Missing file returns error", func(t *testing.T) {
		_, err := LoadConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestNewDatabaseConfiguration(t *testing.T) {
	SetTestDatabaseConfigEnvs(t, "55432")

	config, err := NewDatabaseConfiguration()
	require.NoError(t, err)
	assert.Equal(t, "55432", config.Port)
	assert.Equal(t, testDatabaseName, config.Database)
	assert.Contains(t, config.DSN(), "port=55432")
	assert.Contains(t, config.DSN(), "search_path=public")
}

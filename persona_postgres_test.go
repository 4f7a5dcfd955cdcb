package persona

import (
	"context"
	"log/slog"
	"testing"

	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresBackends(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	teardown, dbPort, err := helper.MustStartPostgresContainer()
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		teardown(context.Background())
	})

	helper.SetTestDatabaseConfigEnvs(t, dbPort)
	dbConfig, err := helper.NewDatabaseConfiguration()
	require.NoError(t, err, "failed to create database configuration")

	config := testConfiguration()
	config.Database = *dbConfig
	config.Backends = helper.BackendConfiguration{
		Vector:   helper.BackendPostgres,
		Document: helper.BackendPostgres,
		Graph:    helper.BackendPostgres,
	}
	config.Index = helper.IndexConfiguration{Rebuild: true, Kind: "hnsw", M: 8, EfConstruction: 32}

	p, err := NewPersona(config, slog.New(slog.DiscardHandler))
	require.NoError(t, err, "Expected NewPersona to not return an error")
	require.NotNil(t, p.DB, "Expected persona to have a database instance")
	t.Cleanup(func() {
		p.Close()
	})

	ctx := context.Background()

	t.Run("Upsert and fetch by name", func(t *testing.T) {
		ack, err := p.Upsert(ctx, "José Núñez", "Person", model.NewAttributeUpdate().Set("role", "Engineer"))
		require.NoError(t, err)
		assert.True(t, ack.Created)

		entity, err := p.Fetch(ctx, "jose nunez")
		require.NoError(t, err)
		assert.Equal(t, ack.EntityID, entity.ID)
		assert.Equal(t, 1, entity.Meta.Version)
	})

	t.Run("Link and context", func(t *testing.T) {
		_, err := p.Link(ctx, "José Núñez", "Person", "Acme", "Organization", "works at")
		require.NoError(t, err)

		entityContext, err := p.Context(ctx, "José Núñez", "Person", 1)
		require.NoError(t, err)
		assert.Equal(t, "José Núñez (Person) -[WORKS_AT]-> Acme (Organization)", entityContext.Summary)
	})

	t.Run("Search after index rebuild", func(t *testing.T) {
		results, err := p.Search(ctx, "engineer", 3)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "person:jose-nunez", results[0].EntityID)
	})

	t.Run("Delete across stores", func(t *testing.T) {
		require.NoError(t, p.DeleteEntity(ctx, "person:jose-nunez"))

		_, err := p.Fetch(ctx, "José Núñez")
		assert.ErrorIs(t, err, helper.ErrNotFound)
	})
}

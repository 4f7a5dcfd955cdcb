package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/siherrmann/persona"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

var people = []*model.NewEntity{
	{
		Type: "Person",
		Name: "Grace Hopper",
		Structured: model.Metadata{
			"role":         "Computer Scientist",
			"skills":       []string{"Compilers", "COBOL"},
			"organization": "US Navy",
			"education":    "PhD Mathematics, Yale",
		},
		Relationships: []model.RelationshipSpec{
			{Type: "member of", TargetID: "organization:us-navy", TargetLabel: "Organization", TargetName: "US Navy"},
		},
	},
	{
		Type: "Person",
		Name: "Margaret Hamilton",
		Structured: model.Metadata{
			"role":     "Software Engineer",
			"skills":   []string{"Flight Software", "Error Detection"},
			"projects": []string{"Apollo Guidance Computer"},
		},
		Text: "Led the team that wrote the on-board flight software for the Apollo missions.",
	},
	{
		Type: "Person",
		Name: "Edsger Dijkstra",
		Structured: model.Metadata{
			"role":   "Computer Scientist",
			"skills": []string{"Algorithms", "Structured Programming"},
			"city":   "Nuenen",
		},
	},
}

func main() {
	// Start a test PostgreSQL container
	teardown, dbPort, err := helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer teardown(context.Background())

	// All three stores on Postgres, with an hnsw index on the chunks
	config := helper.DefaultConfiguration()
	config.Backends = helper.BackendConfiguration{
		Vector:   helper.BackendPostgres,
		Document: helper.BackendPostgres,
		Graph:    helper.BackendPostgres,
	}
	config.Database = helper.DatabaseConfiguration{
		Host:     "localhost",
		Port:     dbPort,
		Database: "persona_test",
		Username: "persona",
		Password: "persona",
		Schema:   "public",
		SSLMode:  "disable",
	}
	config.Index = helper.IndexConfiguration{Rebuild: true, Kind: "hnsw", M: 16, EfConstruction: 64}
	config.Embedding.Provider = persona.EmbeddingHugot

	logger := helper.NewLogger(os.Stdout, "debug")
	p, err := persona.NewPersona(config, logger)
	if err != nil {
		log.Fatalf("Failed to create persona: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	for _, person := range people {
		id, err := p.AddEntity(ctx, person)
		if err != nil {
			log.Fatalf("Failed to add %s: %v", person.Name, err)
		}
		logger.Info("Added person", slog.String("entity_id", id))
	}

	_, err = p.Link(ctx, "Margaret Hamilton", "Person", "NASA", "Organization", "worked for")
	if err != nil {
		log.Fatalf("Failed to link: %v", err)
	}
	_, err = p.Link(ctx, "Grace Hopper", "Person", "Edsger Dijkstra", "Person", "influenced")
	if err != nil {
		log.Fatalf("Failed to link: %v", err)
	}

	// Search only within skill chunks of persons
	searchConfig := p.SearchConfig(3)
	searchConfig.EntityType = "Person"
	searchConfig.AttributeName = "skills"
	searchConfig.ScoreThreshold = model.Threshold(0.1)

	queries := []string{
		"who worked on programming languages",
		"space mission software",
		"graph algorithms",
	}
	for _, query := range queries {
		fmt.Printf("\nQuerying skills: %s\n", query)
		results, err := p.Pipeline.SearchSimilarEntities(ctx, query, searchConfig)
		if err != nil {
			log.Fatalf("Failed to search: %v", err)
		}
		for i, r := range results {
			fmt.Printf("  %d. %s (%.4f) %q\n", i+1, r.EntityName, r.Score, r.MatchedText)
		}
	}

	// Rebuild all Person chunks, e.g. after changing the chunk configuration
	batch, err := p.ProcessBatch(ctx, "Person", true)
	if err != nil {
		log.Fatalf("Failed to process batch: %v", err)
	}
	for _, r := range batch {
		if !r.Succeeded() {
			fmt.Printf("Batch failed for %s: %v\n", r.EntityID, r.Err)
			continue
		}
		fmt.Printf("Rebuilt %s: %d chunks\n", r.EntityID, r.Result.ChunkCount)
	}

	entityContext, err := p.Context(ctx, "Grace Hopper", "Person", 2)
	if err != nil {
		log.Fatalf("Failed to get context: %v", err)
	}
	fmt.Printf("\nContext: %s\n", entityContext.Summary)

	stats, err := p.Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to get stats: %v", err)
	}
	fmt.Printf("Graph: %d nodes %v, %d edges %v\n", stats.Nodes, stats.NodesByLabel, stats.Edges, stats.EdgesByType)

	fmt.Println("\nAdvanced example completed successfully!")
}

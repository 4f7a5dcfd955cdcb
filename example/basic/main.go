package main

import (
	"context"
	"fmt"
	"log"

	"github.com/siherrmann/persona"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

func main() {
	ctx := context.Background()

	// In-memory stores and the offline hashing encoder
	config := helper.DefaultConfiguration()
	config.Search.FallbackThreshold = 0.3

	p, err := persona.NewPersona(config, nil)
	if err != nil {
		log.Fatalf("Failed to create persona: %v", err)
	}
	defer p.Close()

	// Create an entity with structured attributes and a relationship
	id, err := p.AddEntity(ctx, &model.NewEntity{
		Type: "Person",
		Name: "Ada Lovelace",
		Structured: model.Metadata{
			"role":      "Mathematician",
			"skills":    []string{"Analysis", "Algorithms"},
			"location":  "London",
			"languages": []string{"English", "French"},
		},
		Source: "basic_example",
		Relationships: []model.RelationshipSpec{
			{Type: "worked with", TargetID: "person:charles-babbage", TargetLabel: "Person", TargetName: "Charles Babbage"},
		},
	})
	if err != nil {
		log.Fatalf("Failed to add entity: %v", err)
	}
	fmt.Printf("Created entity %s\n", id)

	info, err := p.EmbeddingsInfo(ctx, id)
	if err != nil {
		log.Fatalf("Failed to get embeddings info: %v", err)
	}
	fmt.Printf("Stored %d chunks (%d global, %d attribute): %v\n", info.TotalChunks, info.GlobalChunks, info.AttributeChunks, info.Attributes)

	// The tool layer works with names instead of ids
	ack, err := p.Upsert(ctx, "Charles Babbage", "Person", model.NewAttributeUpdate().
		Set("role", "Inventor").
		Set("projects", []string{"Difference Engine", "Analytical Engine"}))
	if err != nil {
		log.Fatalf("Failed to upsert: %v", err)
	}
	fmt.Printf("%s (%s)\n", ack.Message, ack.EntityID)

	ack, err = p.Link(ctx, "Charles Babbage", "Person", "Royal Society", "Organization", "member of")
	if err != nil {
		log.Fatalf("Failed to link: %v", err)
	}
	fmt.Println(ack.Message)

	// Partial update: set one key, clear another, leave the rest untouched
	result, err := p.UpdateEntity(ctx, id, model.NewAttributeUpdate().Set("location", "Marylebone").Clear("languages"), false)
	if err != nil {
		log.Fatalf("Failed to update entity: %v", err)
	}
	fmt.Printf("Updated to version %d, regenerated %d chunks\n", result.Version, result.ChunkCount)

	entityContext, err := p.Context(ctx, "Charles Babbage", "Person", 2)
	if err != nil {
		log.Fatalf("Failed to get context: %v", err)
	}
	fmt.Printf("\nContext: %s\n", entityContext.Summary)

	queryText := "who designed the analytical engine"
	fmt.Printf("\nQuerying: %s\n", queryText)

	results, err := p.Search(ctx, queryText, 5)
	if err != nil {
		log.Fatalf("Failed to search: %v", err)
	}

	fmt.Printf("\nFound %d results:\n", len(results))
	for i, r := range results {
		fmt.Printf("\n--- Result %d ---\n", i+1)
		fmt.Printf("Entity: %s (%s)\n", r.EntityName, r.EntityType)
		fmt.Printf("Score: %.4f\n", r.Score)
		fmt.Printf("Matched: %s\n", r.MatchedAttribute)
		fmt.Printf("Text: %s\n", r.MatchedText)
	}

	entity, err := p.Fetch(ctx, "ada lovelace")
	if err != nil {
		log.Fatalf("Failed to fetch: %v", err)
	}
	fmt.Printf("\nFetched %s, version %d: %v\n", entity.Name, entity.Meta.Version, entity.Structured)

	fmt.Println("\nBasic example completed successfully!")
}

// Package mongostore implements the document store on a MongoDB collection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// maxUpdateAttempts bounds the optimistic retries of Update on concurrent writes.
const maxUpdateAttempts = 5

// document is the stored form of an entity.
type document struct {
	ID         string    `bson:"_id"`
	Type       string    `bson:"type"`
	TypeKey    string    `bson:"type_key"`
	Name       string    `bson:"name"`
	NameKey    string    `bson:"name_key"`
	Structured bson.M    `bson:"structured"`
	Text       string    `bson:"text"`
	Content    bson.M    `bson:"content,omitempty"`
	Source     string    `bson:"source"`
	Tags       []string  `bson:"tags"`
	Version    int       `bson:"version"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
	Seq        int64     `bson:"seq"`
}

func toDocument(e *model.Entity) *document {
	return &document{
		ID:         e.ID,
		Type:       e.Type,
		TypeKey:    strings.ToLower(e.Type),
		Name:       e.Name,
		NameKey:    e.NameKey(),
		Structured: bson.M(e.Structured.Clone()),
		Text:       e.Text,
		Content:    bson.M(e.Content.Clone()),
		Source:     e.Meta.Source,
		Tags:       e.Meta.Tags,
		Version:    e.Meta.Version,
		CreatedAt:  e.Meta.CreatedAt,
		UpdatedAt:  e.Meta.UpdatedAt,
	}
}

func (d *document) entity() *model.Entity {
	structured, _ := normalize(map[string]interface{}(d.Structured)).(map[string]interface{})
	if structured == nil {
		structured = map[string]interface{}{}
	}
	var content model.Metadata
	if d.Content != nil {
		c, _ := normalize(map[string]interface{}(d.Content)).(map[string]interface{})
		content = model.Metadata(c)
	}
	return &model.Entity{
		ID:         d.ID,
		Type:       d.Type,
		Name:       d.Name,
		Structured: model.Metadata(structured),
		Text:       d.Text,
		Content:    content,
		Meta: model.EntityMeta{
			CreatedAt: d.CreatedAt.UTC(),
			UpdatedAt: d.UpdatedAt.UTC(),
			Source:    d.Source,
			Tags:      d.Tags,
			Version:   d.Version,
		},
	}
}

// normalize turns driver types into plain maps and slices.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.A:
		return normalize([]interface{}(t))
	case []interface{}:
		items := make([]interface{}, len(t))
		for i, item := range t {
			items[i] = normalize(item)
		}
		return items
	case primitive.D:
		m := make(map[string]interface{}, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.M:
		return normalize(map[string]interface{}(t))
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, item := range t {
			m[k] = normalize(item)
		}
		return m
	case int32:
		return int64(t)
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}

// Config selects the MongoDB deployment and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Store is a DocumentStore on MongoDB.
type Store struct {
	client   *mongo.Client
	entities *mongo.Collection
	counters *mongo.Collection
	log      *slog.Logger
}

// Connect connects to MongoDB and ensures the indexes exist.
func Connect(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	if config.Database == "" || config.Collection == "" {
		return nil, helper.NewError("mongo config", helper.Validation("database and collection are required"))
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI).SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true}))
	if err != nil {
		return nil, helper.NewError("mongo connect", classify(err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, helper.NewError("mongo ping", classify(err))
	}

	db := client.Database(config.Database)
	s := &Store{
		client:   client,
		entities: db.Collection(config.Collection),
		counters: db.Collection(config.Collection + "_counters"),
		log:      logger,
	}

	_, err = s.entities.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name_key", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "type_key", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "seq", Value: 1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, helper.NewError("mongo indexes", classify(err))
	}

	logger.Info("Initialized mongo document store", slog.String("database", config.Database), slog.String("collection", config.Collection))

	return s, nil
}

// nextSeq increments the creation counter of the collection.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": "entities"},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// Upsert replaces the record. The creation seq is only set on insert.
func (s *Store) Upsert(ctx context.Context, entity *model.Entity) error {
	if entity == nil || entity.ID == "" {
		return helper.NewError("upsert document", helper.Validation("entity id is required"))
	}

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return helper.NewError("next seq", classify(err))
	}

	doc := toDocument(entity)
	fields := bson.M{
		"type":       doc.Type,
		"type_key":   doc.TypeKey,
		"name":       doc.Name,
		"name_key":   doc.NameKey,
		"structured": doc.Structured,
		"text":       doc.Text,
		"content":    doc.Content,
		"source":     doc.Source,
		"tags":       doc.Tags,
		"version":    doc.Version,
		"created_at": doc.CreatedAt,
		"updated_at": doc.UpdatedAt,
	}

	_, err = s.entities.UpdateOne(
		ctx,
		bson.M{"_id": entity.ID},
		bson.M{"$set": fields, "$setOnInsert": bson.M{"seq": seq}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return helper.NewError("upsert document", classify(err))
	}
	return nil
}

// Update merges optimistically: the write only applies if the version is
// unchanged since the read, otherwise the merge is redone.
func (s *Store) Update(ctx context.Context, entityID string, update *model.AttributeUpdate) (*model.Entity, error) {
	if err := update.Validate(); err != nil {
		return nil, helper.NewError("update document", err)
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.find(ctx, entityID)
		if err != nil {
			return nil, helper.NewError("update document", err)
		}

		entity := current.entity()
		if !update.ApplyVersioned(entity, time.Now().UTC()) {
			return entity, nil
		}

		next := toDocument(entity)
		result, err := s.entities.UpdateOne(
			ctx,
			bson.M{"_id": entityID, "version": current.Version},
			bson.M{"$set": bson.M{
				"structured": next.Structured,
				"text":       next.Text,
				"version":    next.Version,
				"updated_at": next.UpdatedAt,
			}},
		)
		if err != nil {
			return nil, helper.NewError("update document", classify(err))
		}
		if result.MatchedCount == 1 {
			return entity, nil
		}
		s.log.Debug("Concurrent document update, retrying", slog.String("entity_id", entityID), slog.Int("attempt", attempt+1))
	}
	return nil, helper.NewError("update document", helper.Unavailable(fmt.Errorf("entity %s kept changing during update", entityID)))
}

func (s *Store) find(ctx context.Context, entityID string) (*document, error) {
	doc := &document{}
	err := s.entities.FindOne(ctx, bson.M{"_id": entityID}).Decode(doc)
	if err != nil {
		return nil, classify(err)
	}
	return doc, nil
}

func (s *Store) Fetch(ctx context.Context, entityID string) (*model.Entity, error) {
	doc, err := s.find(ctx, entityID)
	if err != nil {
		return nil, helper.NewError("fetch document", err)
	}
	return doc.entity(), nil
}

func (s *Store) FindByName(ctx context.Context, name string) ([]*model.Entity, error) {
	key := helper.NormalizeName(name)
	found := []*model.Entity{}
	if key == "" {
		return found, nil
	}

	cursor, err := s.entities.Find(ctx, bson.M{"name_key": key}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, helper.NewError("find by name", classify(err))
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		doc := &document{}
		if err := cursor.Decode(doc); err != nil {
			return nil, helper.NewError("decode document", err)
		}
		found = append(found, doc.entity())
	}
	if err := cursor.Err(); err != nil {
		return nil, helper.NewError("cursor error", classify(err))
	}
	return found, nil
}

func (s *Store) ListIDs(ctx context.Context, entityType string) ([]string, error) {
	filter := bson.M{}
	if entityType != "" {
		filter["type_key"] = strings.ToLower(entityType)
	}

	cursor, err := s.entities.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, helper.NewError("list ids", classify(err))
	}
	defer cursor.Close(ctx)

	ids := []string{}
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, helper.NewError("decode id", err)
		}
		ids = append(ids, row.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, helper.NewError("cursor error", classify(err))
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, entityID string) error {
	_, err := s.entities.DeleteOne(ctx, bson.M{"_id": entityID})
	if err != nil {
		return helper.NewError("delete document", classify(err))
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// classify maps driver errors onto the error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %w", helper.ErrNotFound, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return helper.Unavailable(err)
	default:
		return err
	}
}

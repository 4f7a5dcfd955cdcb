// Package qdrantstore implements the vector store on a Qdrant collection
// reached over gRPC.
package qdrantstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	qpb "github.com/qdrant/go-client/qdrant"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Payload keys of a stored point.
const (
	fieldChunkID       = "chunk_id"
	fieldEntityID      = "entity_id"
	fieldDocID         = "doc_id"
	fieldChunkType     = "chunk_type"
	fieldAttributeName = "attribute_name"
	fieldEntityType    = "entity_type"
	fieldText          = "text"
	fieldMetadata      = "metadata"
	fieldCreatedAt     = "created_at"
	fieldSeq           = "seq"
)

// pointNamespace derives stable point uuids from chunk ids that are not uuids.
var pointNamespace = uuid.MustParse("6f1c1c9e-54d1-4f5c-9d8e-3c1e0b7a2f11")

// Config selects the Qdrant endpoint and collection.
type Config struct {
	Address    string
	Collection string
	APIKey     string
	Dimension  int
}

// Store is a VectorStore backed by a Qdrant collection. Qdrant has no
// insertion order, so every point carries a seq payload that survives
// replacement and breaks score ties.
type Store struct {
	conn        *grpc.ClientConn
	points      qpb.PointsClient
	collections qpb.CollectionsClient
	config      Config
	log         *slog.Logger

	mu      sync.Mutex
	lastSeq int64
}

// New connects to Qdrant and creates the collection if it is missing.
func New(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	if config.Dimension <= 0 {
		return nil, helper.NewError("qdrant config", helper.Validation("embedding dimension must be positive, got %d", config.Dimension))
	}
	if config.Collection == "" {
		return nil, helper.NewError("qdrant config", helper.Validation("collection name is required"))
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, helper.NewError("qdrant dial", helper.Unavailable(err))
	}

	s := &Store{
		conn:        conn,
		points:      qpb.NewPointsClient(conn),
		collections: qpb.NewCollectionsClient(conn),
		config:      config,
		log:         logger,
	}

	if err := s.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("Initialized qdrant vector store", slog.String("address", config.Address), slog.String("collection", config.Collection))

	return s, nil
}

func (s *Store) withAuth(ctx context.Context) context.Context {
	if s.config.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", s.config.APIKey)
}

func (s *Store) ensureCollection(ctx context.Context) error {
	ctx = s.withAuth(ctx)

	exists, err := s.collections.CollectionExists(ctx, &qpb.CollectionExistsRequest{CollectionName: s.config.Collection})
	if err != nil {
		return helper.NewError("collection exists", classify(err))
	}
	if exists.GetResult().GetExists() {
		return nil
	}

	_, err = s.collections.Create(ctx, &qpb.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: &qpb.VectorsConfig{
			Config: &qpb.VectorsConfig_Params{
				Params: &qpb.VectorParams{
					Size:     uint64(s.config.Dimension),
					Distance: qpb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return helper.NewError("create collection", classify(err))
	}

	for _, field := range []string{fieldEntityID, fieldChunkType, fieldAttributeName, fieldEntityType} {
		_, err = s.points.CreateFieldIndex(ctx, &qpb.CreateFieldIndexCollection{
			CollectionName: s.config.Collection,
			FieldName:      field,
			FieldType:      qpb.FieldType_FieldTypeKeyword.Enum(),
			Wait:           boolPtr(true),
		})
		if err != nil {
			return helper.NewError("create field index", classify(err))
		}
	}

	s.log.Info("Created qdrant collection", slog.String("collection", s.config.Collection), slog.Int("dimension", s.config.Dimension))
	return nil
}

// UpsertChunk inserts or replaces a chunk. A replaced chunk keeps its seq.
func (s *Store) UpsertChunk(ctx context.Context, chunk *model.Chunk) error {
	if chunk.ID == "" || chunk.EntityID == "" {
		return helper.NewError("upsert chunk", helper.Validation("chunk id and entity id are required"))
	}
	if len(chunk.Embedding) != s.config.Dimension {
		return helper.NewError("upsert chunk", helper.Validation("embedding has dimension %d, expected %d", len(chunk.Embedding), s.config.Dimension))
	}
	ctx = s.withAuth(ctx)
	id := pointID(chunk.ID)

	existing, err := s.points.Get(ctx, &qpb.GetPoints{
		CollectionName: s.config.Collection,
		Ids:            []*qpb.PointId{id},
		WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Include{Include: &qpb.PayloadIncludeSelector{Fields: []string{fieldSeq}}}},
	})
	if err != nil {
		return helper.NewError("get point", classify(err))
	}

	seq := int64(0)
	if len(existing.GetResult()) > 0 {
		seq = existing.GetResult()[0].GetPayload()[fieldSeq].GetIntegerValue()
	}
	if seq == 0 {
		seq = s.nextSeq()
	}
	chunk.Seq = seq

	_, err = s.points.Upsert(ctx, &qpb.UpsertPoints{
		CollectionName: s.config.Collection,
		Wait:           boolPtr(true),
		Points: []*qpb.PointStruct{{
			Id: id,
			Vectors: &qpb.Vectors{
				VectorsOptions: &qpb.Vectors_Vector{
					Vector: &qpb.Vector{Vector: &qpb.Vector_Dense{Dense: &qpb.DenseVector{Data: chunk.Embedding}}},
				},
			},
			Payload: chunkPayload(chunk),
		}},
	})
	if err != nil {
		return helper.NewError("upsert point", classify(err))
	}
	return nil
}

// nextSeq is a nanosecond clock made strictly monotonic for this process.
func (s *Store) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// DeleteEntityChunks deletes all points of an entity and returns how many there were.
func (s *Store) DeleteEntityChunks(ctx context.Context, entityID string) (int, error) {
	ctx = s.withAuth(ctx)
	filter := buildFilter(model.VectorFilter{EntityID: entityID})

	count, err := s.count(ctx, filter)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	_, err = s.points.Delete(ctx, &qpb.DeletePoints{
		CollectionName: s.config.Collection,
		Wait:           boolPtr(true),
		Points: &qpb.PointsSelector{
			PointsSelectorOneOf: &qpb.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, helper.NewError("delete points", classify(err))
	}
	return count, nil
}

func (s *Store) count(ctx context.Context, filter *qpb.Filter) (int, error) {
	resp, err := s.points.Count(ctx, &qpb.CountPoints{
		CollectionName: s.config.Collection,
		Filter:         filter,
		Exact:          boolPtr(true),
	})
	if err != nil {
		return 0, helper.NewError("count points", classify(err))
	}
	return int(resp.GetResult().GetCount()), nil
}

// Search runs a filtered cosine search. Qdrant applies the threshold before
// the limit; ties are reordered by seq afterwards.
func (s *Store) Search(ctx context.Context, embedding []float32, query model.VectorQuery) ([]*model.Chunk, error) {
	if len(embedding) != s.config.Dimension {
		return nil, helper.NewError("search chunks", helper.Validation("query embedding has dimension %d, expected %d", len(embedding), s.config.Dimension))
	}
	ctx = s.withAuth(ctx)
	filter := buildFilter(query.Filter)

	limit := query.Limit
	if limit <= 0 {
		var err error
		limit, err = s.count(ctx, filter)
		if err != nil {
			return nil, err
		}
		if limit == 0 {
			return []*model.Chunk{}, nil
		}
	}

	request := &qpb.SearchPoints{
		CollectionName: s.config.Collection,
		Vector:         embedding,
		Filter:         filter,
		Limit:          uint64(limit),
		WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &qpb.WithVectorsSelector{SelectorOptions: &qpb.WithVectorsSelector_Enable{Enable: true}},
	}
	if query.ScoreThreshold != nil {
		threshold := float32(*query.ScoreThreshold)
		request.ScoreThreshold = &threshold
	}

	resp, err := s.points.Search(ctx, request)
	if err != nil {
		return nil, helper.NewError("search points", classify(err))
	}

	chunks := make([]*model.Chunk, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		chunk := chunkFromPayload(point.GetPayload())
		chunk.Embedding = denseVector(point.GetVectors().GetVector())
		chunk.Score = float64(point.GetScore())
		chunks = append(chunks, chunk)
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Seq < chunks[j].Seq
	})
	return chunks, nil
}

// ListEntityChunks scrolls all points of an entity and orders them by seq.
func (s *Store) ListEntityChunks(ctx context.Context, entityID string) ([]*model.Chunk, error) {
	ctx = s.withAuth(ctx)
	filter := buildFilter(model.VectorFilter{EntityID: entityID})
	pageSize := uint32(256)

	chunks := []*model.Chunk{}
	var offset *qpb.PointId
	for {
		resp, err := s.points.Scroll(ctx, &qpb.ScrollPoints{
			CollectionName: s.config.Collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          &pageSize,
			WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}},
			WithVectors:    &qpb.WithVectorsSelector{SelectorOptions: &qpb.WithVectorsSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, helper.NewError("scroll points", classify(err))
		}

		for _, point := range resp.GetResult() {
			chunk := chunkFromPayload(point.GetPayload())
			chunk.Embedding = denseVector(point.GetVectors().GetVector())
			chunks = append(chunks, chunk)
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Seq < chunks[j].Seq
	})
	return chunks, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// pointID uses the chunk id when it is a uuid and a name based uuid otherwise.
func pointID(chunkID string) *qpb.PointId {
	id, err := uuid.Parse(chunkID)
	if err != nil {
		id = uuid.NewSHA1(pointNamespace, []byte(chunkID))
	}
	return &qpb.PointId{PointIdOptions: &qpb.PointId_Uuid{Uuid: id.String()}}
}

func buildFilter(f model.VectorFilter) *qpb.Filter {
	conditions := []*qpb.Condition{}
	add := func(key, value string) {
		if value == "" {
			return
		}
		conditions = append(conditions, &qpb.Condition{
			ConditionOneOf: &qpb.Condition_Field{
				Field: &qpb.FieldCondition{
					Key:   key,
					Match: &qpb.Match{MatchValue: &qpb.Match_Keyword{Keyword: value}},
				},
			},
		})
	}
	add(fieldEntityID, f.EntityID)
	add(fieldChunkType, string(f.ChunkType))
	add(fieldAttributeName, f.AttributeName)
	add(fieldEntityType, f.EntityType)

	if len(conditions) == 0 {
		return nil
	}
	return &qpb.Filter{Must: conditions}
}

func chunkPayload(chunk *model.Chunk) map[string]*qpb.Value {
	return map[string]*qpb.Value{
		fieldChunkID:       toValue(chunk.ID),
		fieldEntityID:      toValue(chunk.EntityID),
		fieldDocID:         toValue(chunk.DocID),
		fieldChunkType:     toValue(string(chunk.Type)),
		fieldAttributeName: toValue(chunk.AttributeName),
		fieldEntityType:    toValue(chunk.EntityType()),
		fieldText:          toValue(chunk.Text),
		fieldMetadata:      toValue(map[string]interface{}(chunk.Metadata)),
		fieldCreatedAt:     toValue(chunk.CreatedAt.UTC().Format(time.RFC3339Nano)),
		fieldSeq:           toValue(chunk.Seq),
	}
}

func chunkFromPayload(payload map[string]*qpb.Value) *model.Chunk {
	chunk := &model.Chunk{
		ID:            payload[fieldChunkID].GetStringValue(),
		EntityID:      payload[fieldEntityID].GetStringValue(),
		DocID:         payload[fieldDocID].GetStringValue(),
		Type:          model.ChunkType(payload[fieldChunkType].GetStringValue()),
		AttributeName: payload[fieldAttributeName].GetStringValue(),
		Text:          payload[fieldText].GetStringValue(),
		Seq:           payload[fieldSeq].GetIntegerValue(),
	}
	if m, ok := fromValue(payload[fieldMetadata]).(map[string]interface{}); ok {
		chunk.Metadata = model.Metadata(m)
	}
	if t, err := time.Parse(time.RFC3339Nano, payload[fieldCreatedAt].GetStringValue()); err == nil {
		chunk.CreatedAt = t
	}
	return chunk
}

// denseVector reads a dense vector from either the dense oneof or the legacy data field.
func denseVector(v interface {
	GetDense() *qpb.DenseVector
	GetData() []float32
}) []float32 {
	if v == nil {
		return nil
	}
	if dense := v.GetDense(); dense != nil {
		return dense.GetData()
	}
	return v.GetData()
}

func toValue(v interface{}) *qpb.Value {
	switch t := v.(type) {
	case nil:
		return &qpb.Value{Kind: &qpb.Value_NullValue{NullValue: qpb.NullValue_NULL_VALUE}}
	case string:
		return &qpb.Value{Kind: &qpb.Value_StringValue{StringValue: t}}
	case bool:
		return &qpb.Value{Kind: &qpb.Value_BoolValue{BoolValue: t}}
	case int:
		return &qpb.Value{Kind: &qpb.Value_IntegerValue{IntegerValue: int64(t)}}
	case int32:
		return &qpb.Value{Kind: &qpb.Value_IntegerValue{IntegerValue: int64(t)}}
	case int64:
		return &qpb.Value{Kind: &qpb.Value_IntegerValue{IntegerValue: t}}
	case float32:
		return &qpb.Value{Kind: &qpb.Value_DoubleValue{DoubleValue: float64(t)}}
	case float64:
		return &qpb.Value{Kind: &qpb.Value_DoubleValue{DoubleValue: t}}
	case []string:
		values := make([]*qpb.Value, len(t))
		for i, item := range t {
			values[i] = toValue(item)
		}
		return &qpb.Value{Kind: &qpb.Value_ListValue{ListValue: &qpb.ListValue{Values: values}}}
	case []interface{}:
		values := make([]*qpb.Value, len(t))
		for i, item := range t {
			values[i] = toValue(item)
		}
		return &qpb.Value{Kind: &qpb.Value_ListValue{ListValue: &qpb.ListValue{Values: values}}}
	case model.Metadata:
		return toValue(map[string]interface{}(t))
	case map[string]interface{}:
		fields := make(map[string]*qpb.Value, len(t))
		for k, item := range t {
			fields[k] = toValue(item)
		}
		return &qpb.Value{Kind: &qpb.Value_StructValue{StructValue: &qpb.Struct{Fields: fields}}}
	default:
		return &qpb.Value{Kind: &qpb.Value_StringValue{StringValue: fmt.Sprint(t)}}
	}
}

func fromValue(v *qpb.Value) interface{} {
	if v == nil {
		return nil
	}
	switch k := v.GetKind().(type) {
	case *qpb.Value_StringValue:
		return k.StringValue
	case *qpb.Value_BoolValue:
		return k.BoolValue
	case *qpb.Value_IntegerValue:
		return k.IntegerValue
	case *qpb.Value_DoubleValue:
		return k.DoubleValue
	case *qpb.Value_ListValue:
		items := make([]interface{}, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			items[i] = fromValue(item)
		}
		return items
	case *qpb.Value_StructValue:
		fields := make(map[string]interface{}, len(k.StructValue.GetFields()))
		for key, item := range k.StructValue.GetFields() {
			fields[key] = fromValue(item)
		}
		return fields
	default:
		return nil
	}
}

// classify maps gRPC status codes onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return helper.Unavailable(err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return helper.Unavailable(err)
	case codes.NotFound:
		return fmt.Errorf("%w: %w", helper.ErrNotFound, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %w", helper.ErrValidation, err)
	default:
		return err
	}
}

func boolPtr(b bool) *bool {
	return &b
}

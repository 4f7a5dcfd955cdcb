// Package badgerstore implements the document store on an embedded Badger
// key-value database. Records are msgpack encoded.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"github.com/vmihailenco/msgpack/v5"
)

// Key prefixes
const (
	prefixDocument  byte = 0x01 // id -> record
	prefixNameIndex byte = 0x02 // name_key 0x00 id -> empty
	prefixTypeIndex byte = 0x03 // lower(type) 0x00 seq -> id
	prefixOrder     byte = 0x04 // seq -> id
)

var sequenceKey = []byte("\x00seq")

// record is the stored form of an entity. Seq is the creation order and
// survives full replacement.
type record struct {
	ID         string                 `msgpack:"id"`
	Type       string                 `msgpack:"type"`
	Name       string                 `msgpack:"name"`
	NameKey    string                 `msgpack:"name_key"`
	Structured map[string]interface{} `msgpack:"structured"`
	Text       string                 `msgpack:"text"`
	Content    map[string]interface{} `msgpack:"content"`
	Source     string                 `msgpack:"source"`
	Tags       []string               `msgpack:"tags"`
	Version    int                    `msgpack:"version"`
	CreatedAt  time.Time              `msgpack:"created_at"`
	UpdatedAt  time.Time              `msgpack:"updated_at"`
	Seq        uint64                 `msgpack:"seq"`
}

func newRecord(e *model.Entity, seq uint64) *record {
	return &record{
		ID:         e.ID,
		Type:       e.Type,
		Name:       e.Name,
		NameKey:    e.NameKey(),
		Structured: e.Structured.Clone(),
		Text:       e.Text,
		Content:    e.Content.Clone(),
		Source:     e.Meta.Source,
		Tags:       e.Meta.Tags,
		Version:    e.Meta.Version,
		CreatedAt:  e.Meta.CreatedAt,
		UpdatedAt:  e.Meta.UpdatedAt,
		Seq:        seq,
	}
}

func (r *record) entity() *model.Entity {
	structured := model.Metadata(r.Structured)
	if structured == nil {
		structured = model.Metadata{}
	}
	return &model.Entity{
		ID:         r.ID,
		Type:       r.Type,
		Name:       r.Name,
		Structured: structured,
		Text:       r.Text,
		Content:    model.Metadata(r.Content),
		Meta: model.EntityMeta{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			Source:    r.Source,
			Tags:      r.Tags,
			Version:   r.Version,
		},
	}
}

// Config selects the database directory. InMemory ignores Dir.
type Config struct {
	Dir      string
	InMemory bool
}

// Store is a DocumentStore on Badger.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// Open opens or creates the database.
func Open(config Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := badger.DefaultOptions(config.Dir)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, helper.NewError("open badger", err)
	}

	seq, err := db.GetSequence(sequenceKey, 100)
	if err != nil {
		db.Close()
		return nil, helper.NewError("badger sequence", err)
	}

	logger.Info("Initialized badger document store", slog.String("dir", config.Dir), slog.Bool("in_memory", config.InMemory))

	return &Store{db: db, seq: seq, log: logger}, nil
}

func documentKey(id string) []byte {
	return append([]byte{prefixDocument}, id...)
}

func nameIndexKey(nameKey string, id string) []byte {
	key := make([]byte, 0, 2+len(nameKey)+len(id))
	key = append(key, prefixNameIndex)
	key = append(key, nameKey...)
	key = append(key, 0x00)
	return append(key, id...)
}

func nameIndexPrefix(nameKey string) []byte {
	key := make([]byte, 0, 2+len(nameKey))
	key = append(key, prefixNameIndex)
	key = append(key, nameKey...)
	return append(key, 0x00)
}

func typeIndexPrefix(entityType string) []byte {
	normalized := strings.ToLower(entityType)
	key := make([]byte, 0, 2+len(normalized))
	key = append(key, prefixTypeIndex)
	key = append(key, normalized...)
	return append(key, 0x00)
}

func typeIndexKey(entityType string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(typeIndexPrefix(entityType), seq)
}

func orderKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixOrder}, seq)
}

func encode(r *record) ([]byte, error) {
	return msgpack.Marshal(r)
}

func decode(data []byte) (*record, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	r := &record{}
	if err := dec.Decode(r); err != nil {
		return nil, err
	}
	return r, nil
}

func getRecord(txn *badger.Txn, id string) (*record, error) {
	item, err := txn.Get(documentKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", helper.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var r *record
	err = item.Value(func(val []byte) error {
		var decodeErr error
		r, decodeErr = decode(val)
		return decodeErr
	})
	return r, err
}

func putRecord(txn *badger.Txn, r *record) error {
	data, err := encode(r)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := txn.Set(documentKey(r.ID), data); err != nil {
		return err
	}
	if err := txn.Set(nameIndexKey(r.NameKey, r.ID), []byte{}); err != nil {
		return err
	}
	if err := txn.Set(typeIndexKey(r.Type, r.Seq), []byte(r.ID)); err != nil {
		return err
	}
	return txn.Set(orderKey(r.Seq), []byte(r.ID))
}

func deleteIndexes(txn *badger.Txn, r *record) error {
	for _, key := range [][]byte{nameIndexKey(r.NameKey, r.ID), typeIndexKey(r.Type, r.Seq), orderKey(r.Seq)} {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, entity *model.Entity) error {
	if entity == nil || entity.ID == "" {
		return helper.NewError("upsert document", helper.Validation("entity id is required"))
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getRecord(txn, entity.ID)
		switch {
		case errors.Is(err, helper.ErrNotFound):
			seq, err := s.seq.Next()
			if err != nil {
				return err
			}
			return putRecord(txn, newRecord(entity, seq+1))
		case err != nil:
			return err
		}

		if err := deleteIndexes(txn, existing); err != nil {
			return err
		}
		return putRecord(txn, newRecord(entity, existing.Seq))
	})
	if err != nil {
		return helper.NewError("upsert document", classify(err))
	}
	return nil
}

func (s *Store) Update(ctx context.Context, entityID string, update *model.AttributeUpdate) (*model.Entity, error) {
	if err := update.Validate(); err != nil {
		return nil, helper.NewError("update document", err)
	}

	var updated *model.Entity
	err := s.db.Update(func(txn *badger.Txn) error {
		r, err := getRecord(txn, entityID)
		if err != nil {
			return err
		}

		updated = r.entity()
		if !update.ApplyVersioned(updated, time.Now().UTC()) {
			return nil
		}
		return putRecord(txn, newRecord(updated, r.Seq))
	})
	if err != nil {
		return nil, helper.NewError("update document", classify(err))
	}
	return updated, nil
}

func (s *Store) Fetch(ctx context.Context, entityID string) (*model.Entity, error) {
	var entity *model.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := getRecord(txn, entityID)
		if err != nil {
			return err
		}
		entity = r.entity()
		return nil
	})
	if err != nil {
		return nil, helper.NewError("fetch document", classify(err))
	}
	return entity, nil
}

// FindByName scans the name index. Matches are returned in creation order.
func (s *Store) FindByName(ctx context.Context, name string) ([]*model.Entity, error) {
	key := helper.NormalizeName(name)
	found := []*model.Entity{}
	if key == "" {
		return found, nil
	}

	records := []*record{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := nameIndexPrefix(key)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			r, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, helper.NewError("find by name", classify(err))
	}

	sortBySeq(records)
	for _, r := range records {
		found = append(found, r.entity())
	}
	return found, nil
}

// ListIDs walks the type index, or the order index for an empty type.
func (s *Store) ListIDs(ctx context.Context, entityType string) ([]string, error) {
	prefix := []byte{prefixOrder}
	if entityType != "" {
		prefix = typeIndexPrefix(entityType)
	}

	ids := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ids = append(ids, string(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, helper.NewError("list ids", classify(err))
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, entityID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		r, err := getRecord(txn, entityID)
		if errors.Is(err, helper.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := deleteIndexes(txn, r); err != nil {
			return err
		}
		return txn.Delete(documentKey(entityID))
	})
	if err != nil {
		return helper.NewError("delete document", classify(err))
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("Failed to release badger sequence", slog.String("error", err.Error()))
	}
	return s.db.Close()
}

func sortBySeq(records []*record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
}

// classify marks transaction conflicts as retryable.
func classify(err error) error {
	if errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrDBClosed) {
		return helper.Unavailable(err)
	}
	return err
}

// badgerLogger routes badger logs to slog. Badger is chatty at info level,
// so info is logged as debug.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), slog.String("component", "badger"))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), slog.String("component", "badger"))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), slog.String("component", "badger"))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), slog.String("component", "badger"))
}

package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

// DocumentStore is an in-memory DocumentStore keeping creation order.
type DocumentStore struct {
	mu       sync.RWMutex
	entities map[string]*model.Entity
	order    []string
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{entities: make(map[string]*model.Entity)}
}

func (s *DocumentStore) Upsert(ctx context.Context, entity *model.Entity) error {
	if entity == nil || entity.ID == "" {
		return helper.NewError("upsert document", helper.Validation("entity id is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[entity.ID]; !ok {
		s.order = append(s.order, entity.ID)
	}
	s.entities[entity.ID] = entity.Clone()
	return nil
}

func (s *DocumentStore) Update(ctx context.Context, entityID string, update *model.AttributeUpdate) (*model.Entity, error) {
	if err := update.Validate(); err != nil {
		return nil, helper.NewError("update document", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entities[entityID]
	if !ok {
		return nil, helper.NewError("update document", notFound(entityID))
	}

	next := current.Clone()
	if update.ApplyVersioned(next, time.Now().UTC()) {
		s.entities[entityID] = next
	}
	return next.Clone(), nil
}

func (s *DocumentStore) Fetch(ctx context.Context, entityID string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[entityID]
	if !ok {
		return nil, helper.NewError("fetch document", notFound(entityID))
	}
	return entity.Clone(), nil
}

func (s *DocumentStore) FindByName(ctx context.Context, name string) ([]*model.Entity, error) {
	key := helper.NormalizeName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	found := []*model.Entity{}
	if key == "" {
		return found, nil
	}
	for _, id := range s.order {
		if e := s.entities[id]; e.NameKey() == key {
			found = append(found, e.Clone())
		}
	}
	return found, nil
}

func (s *DocumentStore) ListIDs(ctx context.Context, entityType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []string{}
	for _, id := range s.order {
		if entityType == "" || strings.EqualFold(s.entities[id].Type, entityType) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *DocumentStore) Delete(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[entityID]; !ok {
		return nil
	}
	delete(s.entities, entityID)
	for i, id := range s.order {
		if id == entityID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *DocumentStore) Close() error {
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", helper.ErrNotFound, id)
}

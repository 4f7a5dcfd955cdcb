package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/persona/helper"
)

// Entity is the canonical record of a named, typed thing such as a person.
type Entity struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	Structured Metadata   `json:"structured,omitempty"`
	Text       string     `json:"text,omitempty"`
	Content    Metadata   `json:"content,omitempty"`
	Meta       EntityMeta `json:"metadata"`
}

// EntityMeta carries bookkeeping of an entity record.
type EntityMeta struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Version   int       `json:"version"`
}

// NewEntityID returns a fresh id of the form "<type>:<uuid>".
func NewEntityID(entityType string) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(strings.TrimSpace(entityType)), uuid.NewString())
}

// DocID identifies the entity version chunks were derived from.
func (e *Entity) DocID() string {
	return DocID(e.ID, e.Meta.Version)
}

func DocID(entityID string, version int) string {
	return fmt.Sprintf("%s@v%d", entityID, version)
}

// NameKey is the normalized name used for exact lookups.
func (e *Entity) NameKey() string {
	return helper.NormalizeName(e.Name)
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Structured = e.Structured.Clone()
	c.Content = e.Content.Clone()
	if e.Meta.Tags != nil {
		c.Meta.Tags = append([]string(nil), e.Meta.Tags...)
	}
	return &c
}

// NodeProperties are the properties mirrored onto the graph node.
func (e *Entity) NodeProperties() Metadata {
	return Metadata{
		"name":     e.Name,
		"name_key": e.NameKey(),
		"version":  e.Meta.Version,
	}
}

// NewEntity is the input of an entity creation.
type NewEntity struct {
	ID            string
	Type          string
	Name          string
	Structured    Metadata
	Text          string
	Content       Metadata
	Source        string
	Tags          []string
	Relationships []RelationshipSpec
}

// RelationshipSpec is an outgoing edge declared at creation time.
type RelationshipSpec struct {
	Type        string
	TargetID    string
	TargetLabel string
	TargetName  string
	Properties  Metadata
}

// Validate rejects input missing required fields.
func (n *NewEntity) Validate() error {
	if n == nil {
		return helper.Validation("entity is nil")
	}
	if strings.TrimSpace(n.Name) == "" {
		return helper.Validation("entity name is required")
	}
	if strings.TrimSpace(n.Type) == "" {
		return helper.Validation("entity type is required")
	}
	if err := ValidateAttributes(n.Structured); err != nil {
		return err
	}
	for i, rel := range n.Relationships {
		if strings.TrimSpace(rel.Type) == "" {
			return helper.Validation("relationship %d has no type", i)
		}
		if strings.TrimSpace(rel.TargetID) == "" {
			return helper.Validation("relationship %d has no target id", i)
		}
	}
	return nil
}

// Entity builds the version 1 record. The id is generated if missing.
func (n *NewEntity) Entity(now time.Time) *Entity {
	id := n.ID
	if id == "" {
		id = NewEntityID(n.Type)
	}
	structured := n.Structured.Clone()
	if structured == nil {
		structured = Metadata{}
	}
	return &Entity{
		ID:         id,
		Type:       n.Type,
		Name:       n.Name,
		Structured: structured,
		Text:       n.Text,
		Content:    n.Content.Clone(),
		Meta: EntityMeta{
			CreatedAt: now,
			UpdatedAt: now,
			Source:    n.Source,
			Tags:      append([]string(nil), n.Tags...),
			Version:   1,
		},
	}
}

// ValidateAttributes rejects empty keys and nested values.
func ValidateAttributes(attributes Metadata) error {
	for key, value := range attributes {
		if strings.TrimSpace(key) == "" {
			return helper.Validation("attribute name must not be empty")
		}
		if !IsAttributeValue(value) {
			return helper.Validation("attribute %q must be a scalar or a list of scalars, got %T", key, value)
		}
	}
	return nil
}

// IsAttributeValue reports whether v is a scalar or a list of scalars.
func IsAttributeValue(v interface{}) bool {
	switch t := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case []string, []int, []int64, []float64, []bool:
		return true
	case []interface{}:
		for _, item := range t {
			switch item.(type) {
			case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			default:
				return false
			}
		}
		return true
	default:
		return false
	}
}

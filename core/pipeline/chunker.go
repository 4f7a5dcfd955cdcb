package pipeline

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

// AttributeGroup is a named bucket of related structured keys.
type AttributeGroup struct {
	Name string
	Keys []string
}

// AttributeGroups is the static key to group lookup table. Groups are emitted
// in this order; keys missing from the table form a group named after the key.
var AttributeGroups = []AttributeGroup{
	{Name: "identity", Keys: []string{"name", "full_name", "first_name", "last_name", "title", "role"}},
	{Name: "skills", Keys: []string{"skills", "expertise", "technologies", "tools", "languages"}},
	{Name: "experience", Keys: []string{"experience", "years_experience", "positions", "roles"}},
	{Name: "education", Keys: []string{"education", "degrees", "certifications", "qualifications"}},
	{Name: "location", Keys: []string{"location", "city", "country", "region", "address"}},
	{Name: "contact", Keys: []string{"email", "phone", "website", "linkedin", "github"}},
	{Name: "organization", Keys: []string{"company", "organization", "employer", "team", "department"}},
	{Name: "projects", Keys: []string{"projects", "portfolio", "achievements", "contributions"}},
}

var keyToGroup = func() map[string]string {
	m := make(map[string]string)
	for _, g := range AttributeGroups {
		for _, k := range g.Keys {
			m[k] = g.Name
		}
	}
	return m
}()

// GroupFor returns the group of an attribute key, or the key itself when the
// key is not in the table.
func GroupFor(key string) string {
	if g, ok := keyToGroup[strings.ToLower(key)]; ok {
		return g
	}
	return key
}

// ChunkOptions selects the chunk granularities to generate.
type ChunkOptions struct {
	IncludeGlobal     bool
	IncludeAttributes bool
	GroupAttributes   bool
	// Summary is used as the global chunk body when the entity has no text.
	Summary string
}

// ChunkFunc turns one entity version into its chunk set.
type ChunkFunc func(entityID string, docID string, doc *model.Entity, opts ChunkOptions) []*model.Chunk

// GenerateAllChunks is the default ChunkFunc. Every call produces fresh chunk ids.
func GenerateAllChunks(entityID string, docID string, doc *model.Entity, opts ChunkOptions) []*model.Chunk {
	now := time.Now().UTC()
	var chunks []*model.Chunk

	newChunk := func(chunkType model.ChunkType, attribute string, text string, keys []string) *model.Chunk {
		metadata := model.Metadata{
			model.PayloadEntityType: doc.Type,
			model.PayloadEntityName: doc.Name,
		}
		if doc.Meta.Source != "" {
			metadata[model.PayloadSource] = doc.Meta.Source
		}
		if len(keys) > 0 {
			metadata[model.PayloadAttributes] = keys
		}
		return &model.Chunk{
			ID:            uuid.NewString(),
			EntityID:      entityID,
			DocID:         docID,
			Type:          chunkType,
			AttributeName: attribute,
			Text:          text,
			Metadata:      metadata,
			CreatedAt:     now,
		}
	}

	if opts.IncludeGlobal {
		chunks = append(chunks, newChunk(model.ChunkTypeGlobal, "", GlobalText(doc, opts.Summary), nil))
	}

	if !opts.IncludeAttributes {
		return chunks
	}

	if opts.GroupAttributes {
		for _, group := range groupAttributes(doc.Structured) {
			lines := make([]string, 0, len(group.Keys))
			for _, key := range group.Keys {
				lines = append(lines, fmt.Sprintf("%s: %s", helper.TitleKey(key), FormatValue(doc.Structured[key])))
			}
			text := fmt.Sprintf("%s - %s:\n%s", doc.Name, helper.TitleKey(group.Name), strings.Join(lines, "\n"))
			chunks = append(chunks, newChunk(model.ChunkTypeAttribute, group.Name, text, group.Keys))
		}
		return chunks
	}

	for _, key := range doc.Structured.Keys() {
		value := FormatValue(doc.Structured[key])
		if value == "" {
			continue
		}
		text := fmt.Sprintf("%s - %s: %s", doc.Name, helper.TitleKey(key), value)
		chunks = append(chunks, newChunk(model.ChunkTypeAttribute, key, text, []string{key}))
	}
	return chunks
}

// GlobalText builds "{name} ({type})" followed by the text, the summary or a
// synopsis of the structured fields, whichever is available first.
func GlobalText(doc *model.Entity, summary string) string {
	header := fmt.Sprintf("%s (%s)", doc.Name, doc.Type)

	body := strings.TrimSpace(doc.Text)
	if body == "" {
		body = strings.TrimSpace(summary)
	}
	if body == "" {
		body = Synopsis(doc)
	}
	if body == "" {
		return header
	}
	return header + "\n\n" + body
}

// Synopsis is the deterministic description of an entity without text:
// one "Key: value" line per non-empty attribute in key order, followed by the
// longer string values of the unstructured content.
func Synopsis(doc *model.Entity) string {
	var lines []string
	for _, key := range doc.Structured.Keys() {
		if value := FormatValue(doc.Structured[key]); value != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", helper.TitleKey(key), value))
		}
	}
	for _, key := range doc.Content.Keys() {
		if s, ok := doc.Content[key].(string); ok && len(strings.TrimSpace(s)) > 10 {
			lines = append(lines, strings.TrimSpace(s))
		}
	}
	return strings.Join(lines, "\n")
}

// groupAttributes buckets the non-empty attributes. Table groups come first in
// table order, then ungrouped keys sorted by name.
func groupAttributes(structured model.Metadata) []AttributeGroup {
	byGroup := make(map[string][]string)
	var ungrouped []string
	for _, key := range structured.Keys() {
		if FormatValue(structured[key]) == "" {
			continue
		}
		lower := strings.ToLower(key)
		if group, ok := keyToGroup[lower]; ok {
			byGroup[group] = append(byGroup[group], key)
		} else if isGroupName(lower) {
			// a key named like a group joins it, attribute names stay unique
			byGroup[lower] = append(byGroup[lower], key)
		} else {
			ungrouped = append(ungrouped, key)
		}
	}

	var groups []AttributeGroup
	for _, g := range AttributeGroups {
		present, ok := byGroup[g.Name]
		if !ok {
			continue
		}
		// keep table order inside a group, keys named after the group last
		ordered := make([]string, 0, len(present))
		for _, k := range g.Keys {
			for _, p := range present {
				if strings.ToLower(p) == k {
					ordered = append(ordered, p)
				}
			}
		}
		for _, p := range present {
			if _, ok := keyToGroup[strings.ToLower(p)]; !ok {
				ordered = append(ordered, p)
			}
		}
		groups = append(groups, AttributeGroup{Name: g.Name, Keys: ordered})
	}
	sort.Strings(ungrouped)
	for _, key := range ungrouped {
		groups = append(groups, AttributeGroup{Name: key, Keys: []string{key}})
	}
	return groups
}

func isGroupName(name string) bool {
	for _, g := range AttributeGroups {
		if g.Name == name {
			return true
		}
	}
	return false
}

// FormatValue renders an attribute value for chunk text. Lists are joined
// with ", " and empty values render as "".
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []string:
		return joinNonEmpty(len(t), func(i int) string { return strings.TrimSpace(t[i]) })
	case []interface{}:
		return joinNonEmpty(len(t), func(i int) string { return FormatValue(t[i]) })
	case map[string]interface{}:
		return formatMap(model.Metadata(t))
	case model.Metadata:
		return formatMap(t)
	default:
		if rv := reflect.ValueOf(t); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			return joinNonEmpty(rv.Len(), func(i int) string { return FormatValue(rv.Index(i).Interface()) })
		}
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func formatMap(m model.Metadata) string {
	var parts []string
	for _, k := range m.Keys() {
		if value := FormatValue(m[k]); value != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", k, value))
		}
	}
	return strings.Join(parts, ", ")
}

func joinNonEmpty(n int, item func(i int) string) string {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if s := item(i); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

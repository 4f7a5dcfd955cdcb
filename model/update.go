package model

import (
	"sort"
	"time"
)

// AttributeUpdate is an explicit partial update of an entity.
//
// Keys passed to Set are added or overwritten, keys passed to Clear (or Set
// with a nil value) are removed, and keys never mentioned stay untouched.
// An update built with ReplaceAttributes replaces the structured attributes
// entirely instead of merging.
type AttributeUpdate struct {
	set     Metadata
	clear   map[string]struct{}
	replace bool
	text    *string
}

func NewAttributeUpdate() *AttributeUpdate {
	return &AttributeUpdate{
		set:   Metadata{},
		clear: map[string]struct{}{},
	}
}

// ReplaceAttributes builds an update replacing all structured attributes.
func ReplaceAttributes(attributes Metadata) *AttributeUpdate {
	u := NewAttributeUpdate()
	u.replace = true
	for k, v := range attributes {
		u.Set(k, v)
	}
	return u
}

// UpdateFromMap builds a merge update from a plain map. Nil values clear.
func UpdateFromMap(attributes map[string]interface{}) *AttributeUpdate {
	u := NewAttributeUpdate()
	for k, v := range attributes {
		u.Set(k, v)
	}
	return u
}

func (u *AttributeUpdate) Set(key string, value interface{}) *AttributeUpdate {
	if value == nil {
		return u.Clear(key)
	}
	delete(u.clear, key)
	u.set[key] = cloneValue(value)
	return u
}

func (u *AttributeUpdate) Clear(key string) *AttributeUpdate {
	delete(u.set, key)
	u.clear[key] = struct{}{}
	return u
}

func (u *AttributeUpdate) SetText(text string) *AttributeUpdate {
	u.text = &text
	return u
}

func (u *AttributeUpdate) ClearText() *AttributeUpdate {
	return u.SetText("")
}

// Sets returns the attributes to add or overwrite.
func (u *AttributeUpdate) Sets() Metadata {
	if u == nil {
		return Metadata{}
	}
	return u.set.Clone()
}

// Clears returns the attribute names to remove, sorted.
func (u *AttributeUpdate) Clears() []string {
	if u == nil {
		return nil
	}
	keys := make([]string, 0, len(u.clear))
	for k := range u.clear {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (u *AttributeUpdate) Replace() bool {
	return u != nil && u.replace
}

// Text returns the new text and whether the update changes it.
func (u *AttributeUpdate) Text() (string, bool) {
	if u == nil || u.text == nil {
		return "", false
	}
	return *u.text, true
}

func (u *AttributeUpdate) IsEmpty() bool {
	return u == nil || (!u.replace && len(u.set) == 0 && len(u.clear) == 0 && u.text == nil)
}

// Validate checks that all set values are scalars or lists of scalars.
func (u *AttributeUpdate) Validate() error {
	if u == nil {
		return nil
	}
	return ValidateAttributes(u.set)
}

// Apply merges the update into e. It reports whether the content changed and
// leaves version bookkeeping to the caller.
func (u *AttributeUpdate) Apply(e *Entity) bool {
	if u.IsEmpty() {
		return false
	}
	if e.Structured == nil {
		e.Structured = Metadata{}
	}

	changed := false
	if u.replace {
		next := u.set.Clone()
		if len(next) != len(e.Structured) {
			changed = true
		} else {
			for k, v := range next {
				old, ok := e.Structured[k]
				if !ok || !sameValue(old, v) {
					changed = true
					break
				}
			}
		}
		e.Structured = next
	} else {
		for k, v := range u.set {
			old, ok := e.Structured[k]
			if !ok || !sameValue(old, v) {
				changed = true
			}
			e.Structured[k] = cloneValue(v)
		}
		for k := range u.clear {
			if _, ok := e.Structured[k]; ok {
				delete(e.Structured, k)
				changed = true
			}
		}
	}

	if text, ok := u.Text(); ok && text != e.Text {
		e.Text = text
		changed = true
	}
	return changed
}

// ApplyVersioned applies the update and bumps the version once if content changed.
func (u *AttributeUpdate) ApplyVersioned(e *Entity, now time.Time) bool {
	if !u.Apply(e) {
		return false
	}
	e.Meta.Version++
	e.Meta.UpdatedAt = now
	return true
}

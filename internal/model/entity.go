package model

import "time"

// Common entity types produced by the built-in extractors.
const (
	EntityPerson = "PERSON"
	EntityOrg    = "ORG"
	EntityLoc    = "LOC"
	EntityMisc   = "MISC"
)

// Span is one entity mention returned by an extractor.
type Span struct {
	Text     string `json:"text"`
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

// EntityKey identifies a canonical entity.
type EntityKey struct {
	Normalized string `json:"normalized"`
	Type       string `json:"type"`
	Language   string `json:"language"`
}

// Entity is a normalized, deduplicated span.
type Entity struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"` // surface form at first sighting
	Normalized   string    `json:"normalized"`
	Type         string    `json:"type"`
	Language     string    `json:"language"`
	ExternalLink string    `json:"external_link,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the entity's identity key.
func (e *Entity) Key() EntityKey {
	return EntityKey{Normalized: e.Normalized, Type: e.Type, Language: e.Language}
}

// EntityLink joins a record to an entity with an occurrence count.
type EntityLink struct {
	RecordID string `json:"record_id"`
	EntityID string `json:"entity_id"`
	Count    int    `json:"count"`
}

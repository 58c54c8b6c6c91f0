// Package model defines the core domain types shared across the enrichment
// pipeline: entities, pipeline runs, candidate documents, extracted records,
// and audit entries.
package model

import (
	"fmt"
	"time"
)

// EntityType identifies which archive table an entity belongs to.
type EntityType string

// Known entity types. The set is extensible; the pipeline treats unknown
// types as opaque as long as a task is configured for them.
const (
	EntityArtist       EntityType = "artist"
	EntityLabel        EntityType = "label"
	EntityCollective   EntityType = "collective"
	EntityBrand        EntityType = "brand"
	EntityMediaSubject EntityType = "media-subject"
)

// EntityTypes returns all known entity types in declaration order.
func EntityTypes() []EntityType {
	return []EntityType{EntityArtist, EntityLabel, EntityCollective, EntityBrand, EntityMediaSubject}
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityArtist, EntityLabel, EntityCollective, EntityBrand, EntityMediaSubject:
		return true
	}
	return false
}

// Entity is an archive record eligible for enrichment. The pipeline never
// creates or deletes entities; it only attaches derived data to them.
type Entity struct {
	ID          string     `json:"id"`
	Type        EntityType `json:"type"`
	DisplayName string     `json:"display_name"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Key returns the natural key used for dedup and upsert conflict targets.
func (e Entity) Key() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// CandidateDocument is raw material returned by a discovery source for one
// entity. Candidates are ephemeral: they feed extraction and are then
// discarded, surviving only as source refs on the extracted record.
type CandidateDocument struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	// Relevance is the provider's own relevance hint, 0-100. Zero means
	// the provider gave no hint.
	Relevance int `json:"relevance,omitempty"`
}

package model

import "time"

// ExtractedRecord is the structured output of an AI extraction applied to an
// entity's candidate documents: a manager contact, a label's demo policy, a
// media caption. Records are persisted only when they clear the acceptance
// gate (confidence threshold or dual-model consensus).
type ExtractedRecord struct {
	ID         string         `json:"id"`
	Task       string         `json:"task"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Kind       string         `json:"kind"`
	Fields     map[string]any `json:"fields"`
	// ConfidenceScore is 0-100. Consensus-validated records carry 100.
	ConfidenceScore int `json:"confidence_score"`
	// SourceRefs lists the candidate document URLs the record was
	// distilled from. Empty for generated fallbacks.
	SourceRefs []string  `json:"source_refs,omitempty"`
	Consensus  bool      `json:"consensus"`
	Generated  bool      `json:"generated"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditEntry is an append-only log row written for every pipeline write.
// Entries are never updated or deleted.
type AuditEntry struct {
	ID               int64      `json:"id"`
	Action           string     `json:"action"`
	EntityType       EntityType `json:"entity_type"`
	EntityID         string     `json:"entity_id,omitempty"`
	ExtractedSummary string     `json:"extracted_summary"`
	SourceRefs       []string   `json:"source_refs,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

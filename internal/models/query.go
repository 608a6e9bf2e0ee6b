package models

// EntityFilter narrows entity listings. Empty fields do not filter.
type EntityFilter struct {
	EntityType   string `json:"entity_type,omitempty"`
	Name         string `json:"name,omitempty"`
	NameContains string `json:"name_contains,omitempty"` // case-insensitive substring
	Source       string `json:"source,omitempty"`
	Status       string `json:"status,omitempty"`
}

// RelationshipFilter narrows relationship listings. Empty fields do not filter.
type RelationshipFilter struct {
	SubjectID string `json:"subject_id,omitempty"`
	ObjectID  string `json:"object_id,omitempty"`
	Predicate string `json:"predicate,omitempty"`
}

// Page is a limit/offset window. Limit is always positive once it reaches a store.
type Page struct {
	Limit  int
	Offset int
}

// EntityPage is one window of a filtered entity listing.
type EntityPage struct {
	Items  []*Entity `json:"items"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// RelationshipPage is one window of a filtered relationship listing.
type RelationshipPage struct {
	Items  []*Relationship `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

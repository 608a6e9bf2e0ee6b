package models

// Entity is a graph node. It is created by a bundle load and never mutated.
type Entity struct {
	EntityID   string     `json:"entity_id"`
	EntityType string     `json:"entity_type"`
	Name       *string    `json:"name"`
	Status     *string    `json:"status"`
	Confidence *float64   `json:"confidence"`
	UsageCount *int64     `json:"usage_count"`
	CreatedAt  *string    `json:"created_at,omitempty"`
	Source     *string    `json:"source"`
	Synonyms   []string   `json:"synonyms"`
	Properties Properties `json:"properties"`
}

// Relationship is a directed, predicate-labeled edge identified by its triple.
type Relationship struct {
	SubjectID       string     `json:"subject_id"`
	Predicate       string     `json:"predicate"`
	ObjectID        string     `json:"object_id"`
	Confidence      *float64   `json:"confidence"`
	SourceDocuments []string   `json:"source_documents"`
	CreatedAt       *string    `json:"created_at,omitempty"`
	Properties      Properties `json:"properties"`
}

// Triple is the identity of a relationship.
type Triple struct {
	SubjectID string
	Predicate string
	ObjectID  string
}

// Triple returns the relationship's identity.
func (r *Relationship) Triple() Triple {
	return Triple{SubjectID: r.SubjectID, Predicate: r.Predicate, ObjectID: r.ObjectID}
}

func (t Triple) String() string {
	return t.SubjectID + " --" + t.Predicate + "--> " + t.ObjectID
}

// Document is one entry of a bundle's optional static asset listing.
// Documents are not part of the graph.
type Document struct {
	Path string `json:"path"`
}

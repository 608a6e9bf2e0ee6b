package models

import "time"

// BundleRecord tracks the bundle currently materialized in a store.
// A store holds at most one record at a time.
type BundleRecord struct {
	BundleID          string     `json:"bundle_id"`
	Checksum          string     `json:"checksum"`
	BundleVersion     string     `json:"bundle_version"`
	Domain            string     `json:"domain"`
	Label             string     `json:"label,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	Metadata          Properties `json:"metadata"`
	EntityCount       int        `json:"entity_count"`
	RelationshipCount int        `json:"relationship_count"`
	LoadedAt          time.Time  `json:"loaded_at"`
}

// SameContent reports whether two records describe identical bundle content.
func (b *BundleRecord) SameContent(other *BundleRecord) bool {
	return b != nil && other != nil && b.BundleID == other.BundleID && b.Checksum == other.Checksum
}

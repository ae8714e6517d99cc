package models

// Progress is the client-defined mapping of assignment/topic keys to progress values.
// The service never inspects it.
type Progress map[string]interface{}

// Student represents a stored student record
type Student struct {
	Name     string   `json:"name" bson:"name"`         // Display name, not unique
	Slug     string   `json:"slug" bson:"slug"`         // Unique key derived from the name
	Progress Progress `json:"progress" bson:"progress"` // Opaque progress document
}

// StudentSummary is the projection returned when listing students
type StudentSummary struct {
	Name string `json:"name" bson:"name"`
	Slug string `json:"slug" bson:"slug"`
}

// BulkResult reports the aggregate outcome of a restore
type BulkResult struct {
	Upserted int64 `json:"upserted"`
	Modified int64 `json:"modified"`
	Matched  int64 `json:"matched"`
}

package db

import (
	"context"
	"errors"
	"strings"

	"progress-server-go/models"
	"progress-server-go/slug"
)

var (
	// ErrNotFound is returned when no record exists under the requested slug.
	ErrNotFound = errors.New("student not found")
	// ErrDuplicateKey is returned when a write would produce a second record with the same slug.
	ErrDuplicateKey = errors.New("duplicate slug")
	// ErrEmptySlug is returned when a name derives to an empty slug.
	ErrEmptySlug = errors.New("name yields an empty slug")
	// ErrEmptyBatch is returned by BulkUpsert when no entry carries a usable slug.
	ErrEmptyBatch = errors.New("no valid records in batch")
)

// StudentStore is the record store every request handler works against.
// Implementations only rely on the backend's single-document atomicity.
type StudentStore interface {
	// FindBySlug returns nil, nil when the slug is unknown.
	FindBySlug(ctx context.Context, slug string) (*models.Student, error)
	ListSummaries(ctx context.Context) ([]models.StudentSummary, error)
	// UpsertProgress stores progress under slug, creating a record with an empty name if needed.
	UpsertProgress(ctx context.Context, slug string, progress models.Progress) error
	InsertNew(ctx context.Context, name string) (string, error)
	// BulkInsert returns the number of inserted records. When some names collide with
	// existing slugs the count of successful inserts is returned alongside ErrDuplicateKey.
	BulkInsert(ctx context.Context, names []string) (int, error)
	Rename(ctx context.Context, oldSlug, newName string) (string, error)
	Delete(ctx context.Context, slug string) (bool, error)
	// ScanAll streams every record to fn. Iteration stops at the first error fn returns.
	ScanAll(ctx context.Context, fn func(models.Student) error) error
	BulkUpsert(ctx context.Context, docs []map[string]interface{}) (models.BulkResult, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// newStudent builds the record inserted for a freshly added name.
func newStudent(name string) models.Student {
	return models.Student{
		Name:     name,
		Slug:     slug.Slugify(name),
		Progress: models.Progress{},
	}
}

// uniqueNames drops exact duplicates while keeping first-seen order.
func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// prepareRestore turns raw restore entries into records ready to upsert.
// Entries without a non-empty string slug, or whose slug sanitizes to nothing, are dropped.
func prepareRestore(docs []map[string]interface{}) ([]models.Student, error) {
	out := make([]models.Student, 0, len(docs))
	for _, doc := range docs {
		raw, ok := doc["slug"].(string)
		if !ok || raw == "" {
			continue
		}
		s := slug.Slugify(raw)
		if s == "" {
			continue
		}
		name, _ := doc["name"].(string)
		progress, ok := doc["progress"].(map[string]interface{})
		if !ok || progress == nil {
			progress = map[string]interface{}{}
		}
		out = append(out, models.Student{Name: name, Slug: s, Progress: progress})
	}
	if len(out) == 0 {
		return nil, ErrEmptyBatch
	}
	return out, nil
}

// CleanNames trims roster entries and drops blanks.
func CleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

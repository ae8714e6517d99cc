package db

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"progress-server-go/models"
	"progress-server-go/slug"
)

// MemoryService keeps student records in process memory. It is meant for local
// development and tests; nothing survives a restart.
type MemoryService struct {
	mu       sync.RWMutex
	students map[string]models.Student
}

var _ StudentStore = (*MemoryService)(nil)

// NewMemoryService creates an empty in-memory store
func NewMemoryService() *MemoryService {
	return &MemoryService{students: make(map[string]models.Student)}
}

// FindBySlug returns a copy of the student stored under slug, or nil.
func (s *MemoryService) FindBySlug(_ context.Context, slug string) (*models.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.students[slug]
	if !ok {
		return nil, nil
	}
	st.Progress = cloneProgress(st.Progress)
	return &st, nil
}

// ListSummaries returns the name and slug of every student.
func (s *MemoryService) ListSummaries(_ context.Context) ([]models.StudentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.StudentSummary, 0, len(s.students))
	for _, st := range s.students {
		out = append(out, models.StudentSummary{Name: st.Name, Slug: st.Slug})
	}
	return out, nil
}

// UpsertProgress replaces the progress stored under slug, creating the record if needed.
func (s *MemoryService) UpsertProgress(_ context.Context, slug string, progress models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.students[slug]
	st.Slug = slug
	st.Progress = cloneProgress(progress)
	s.students[slug] = st
	return nil
}

// InsertNew adds a student with empty progress and returns its slug.
func (s *MemoryService) InsertNew(_ context.Context, name string) (string, error) {
	st := newStudent(name)
	if st.Slug == "" {
		return "", ErrEmptySlug
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.students[st.Slug]; exists {
		return "", ErrDuplicateKey
	}
	s.students[st.Slug] = st
	return st.Slug, nil
}

// BulkInsert adds every new name and returns how many went in. Names whose slug is
// taken are skipped and reported with ErrDuplicateKey.
func (s *MemoryService) BulkInsert(_ context.Context, names []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted, dupes := 0, 0
	for _, name := range uniqueNames(names) {
		st := newStudent(name)
		if st.Slug == "" {
			continue
		}
		if _, exists := s.students[st.Slug]; exists {
			dupes++
			continue
		}
		s.students[st.Slug] = st
		inserted++
	}
	if dupes > 0 {
		return inserted, ErrDuplicateKey
	}
	return inserted, nil
}

// Rename changes the name of a student and moves it to the slug derived from newName.
func (s *MemoryService) Rename(_ context.Context, oldSlug, newName string) (string, error) {
	newSlug := slug.Slugify(newName)
	if newSlug == "" {
		return "", ErrEmptySlug
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.students[oldSlug]
	if !ok {
		return "", ErrNotFound
	}
	if newSlug != oldSlug {
		if _, taken := s.students[newSlug]; taken {
			return "", ErrDuplicateKey
		}
		delete(s.students, oldSlug)
	}
	st.Name = newName
	st.Slug = newSlug
	s.students[newSlug] = st
	return newSlug, nil
}

// Delete removes the student stored under slug and reports whether one existed.
func (s *MemoryService) Delete(_ context.Context, slug string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.students[slug]; !ok {
		return false, nil
	}
	delete(s.students, slug)
	return true, nil
}

// ScanAll works on a snapshot so fn may call back into the store.
func (s *MemoryService) ScanAll(ctx context.Context, fn func(models.Student) error) error {
	s.mu.RLock()
	snapshot := make([]models.Student, 0, len(s.students))
	for _, st := range s.students {
		st.Progress = cloneProgress(st.Progress)
		snapshot = append(snapshot, st)
	}
	s.mu.RUnlock()

	for _, st := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
	}
	return nil
}

// BulkUpsert restores records from a backup.
func (s *MemoryService) BulkUpsert(_ context.Context, docs []map[string]interface{}) (models.BulkResult, error) {
	records, err := prepareRestore(docs)
	if err != nil {
		return models.BulkResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res models.BulkResult
	for _, rec := range records {
		cur, exists := s.students[rec.Slug]
		if !exists {
			res.Upserted++
		} else {
			res.Matched++
			if cur.Name != rec.Name || !reflect.DeepEqual(cloneProgress(cur.Progress), cloneProgress(rec.Progress)) {
				res.Modified++
			}
		}
		rec.Progress = cloneProgress(rec.Progress)
		s.students[rec.Slug] = rec
	}
	return res, nil
}

// Count returns the number of students held.
func (s *MemoryService) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.students)), nil
}

// Ping always succeeds.
func (s *MemoryService) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryService) Close(context.Context) error { return nil }

// cloneProgress deep-copies a progress document through its JSON form so callers
// never share nested maps with the store.
func cloneProgress(p models.Progress) models.Progress {
	if p == nil {
		return models.Progress{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out models.Progress
	if err := json.Unmarshal(data, &out); err != nil {
		return p
	}
	return out
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"progress-server-go/models"
	"progress-server-go/slug"
)

const (
	studentsKey       = "students" // Set: every stored slug
	studentInfoPrefix = "student:" // Hash prefix: student:{slug} -> name, slug, progress (JSON)
	scanBatchSize     = int64(200) // SSCAN COUNT hint used by ScanAll
)

// insertScript claims the slug in the students set and writes the record only if the claim succeeded.
var insertScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'name', ARGV[2], 'slug', ARGV[1], 'progress', ARGV[3])
return 1
`)

// renameScript moves a record to a new slug. Returns -1 when the old slug is unknown
// and -2 when the new slug belongs to another record.
var renameScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return -1
end
if ARGV[1] == ARGV[2] then
  redis.call('HSET', KEYS[2], 'name', ARGV[3])
  return 1
end
if redis.call('SISMEMBER', KEYS[1], ARGV[2]) == 1 then
  return -2
end
local progress = redis.call('HGET', KEYS[2], 'progress')
if not progress then
  progress = '{}'
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[3], 'name', ARGV[3], 'slug', ARGV[2], 'progress', progress)
return 1
`)

// RedisService stores student records in Redis
type RedisService struct {
	Client *redis.Client
	Logger *zap.Logger
}

var _ StudentStore = (*RedisService)(nil)

// NewRedisService creates a new RedisService instance
func NewRedisService(client *redis.Client, logger *zap.Logger) *RedisService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisService{
		Client: client,
		Logger: logger,
	}
}

// Helper to generate student info key
func getStudentInfoKey(slug string) string {
	return studentInfoPrefix + slug
}

func encodeProgress(p models.Progress) (string, error) {
	if p == nil {
		p = models.Progress{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode progress: %w", err)
	}
	return string(data), nil
}

// decodeStudent rebuilds a record from its hash fields.
func decodeStudent(data map[string]string) (models.Student, error) {
	st := models.Student{
		Name:     data["name"],
		Slug:     data["slug"],
		Progress: models.Progress{},
	}
	if raw := data["progress"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Progress); err != nil {
			return st, fmt.Errorf("failed to decode progress of %s: %w", st.Slug, err)
		}
		if st.Progress == nil {
			st.Progress = models.Progress{}
		}
	}
	return st, nil
}

// FindBySlug returns the student stored under slug, or nil when there is none.
func (s *RedisService) FindBySlug(ctx context.Context, slug string) (*models.Student, error) {
	data, err := s.Client.HGetAll(ctx, getStudentInfoKey(slug)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get student from Redis: %w", err)
	}
	if len(data) == 0 {
		return nil, nil // Not found
	}
	st, err := decodeStudent(data)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSummaries returns the name and slug of every student.
func (s *RedisService) ListSummaries(ctx context.Context) ([]models.StudentSummary, error) {
	slugs, err := s.Client.SMembers(ctx, studentsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get student slugs from Redis: %w", err)
	}

	cmds := make([]*redis.SliceCmd, len(slugs))
	_, err = s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, sl := range slugs {
			cmds[i] = pipe.HMGet(ctx, getStudentInfoKey(sl), "name", "slug")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get student summaries from Redis: %w", err)
	}

	out := make([]models.StudentSummary, 0, len(slugs))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) < 2 || vals[1] == nil {
			s.Logger.Warn("slug listed without record", zap.String("slug", slugs[i]))
			continue
		}
		name, _ := vals[0].(string)
		sl, _ := vals[1].(string)
		out = append(out, models.StudentSummary{Name: name, Slug: sl})
	}
	return out, nil
}

// UpsertProgress replaces the progress stored under slug, creating the record if needed.
func (s *RedisService) UpsertProgress(ctx context.Context, slug string, progress models.Progress) error {
	encoded, err := encodeProgress(progress)
	if err != nil {
		return err
	}
	key := getStudentInfoKey(slug)
	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, studentsKey, slug)
		pipe.HSetNX(ctx, key, "name", "")
		pipe.HSet(ctx, key, "slug", slug, "progress", encoded)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store progress for %s: %w", slug, err)
	}
	return nil
}

func (s *RedisService) insert(ctx context.Context, st models.Student) (bool, error) {
	encoded, err := encodeProgress(st.Progress)
	if err != nil {
		return false, err
	}
	n, err := insertScript.Run(ctx, s.Client,
		[]string{studentsKey, getStudentInfoKey(st.Slug)},
		st.Slug, st.Name, encoded,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add student to Redis: %w", err)
	}
	return n == 1, nil
}

// InsertNew adds a student with empty progress and returns its slug.
func (s *RedisService) InsertNew(ctx context.Context, name string) (string, error) {
	st := newStudent(name)
	if st.Slug == "" {
		return "", ErrEmptySlug
	}
	ok, err := s.insert(ctx, st)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrDuplicateKey
	}
	return st.Slug, nil
}

// BulkInsert adds every new name and returns how many went in. Names whose slug is
// taken are skipped and reported with ErrDuplicateKey.
func (s *RedisService) BulkInsert(ctx context.Context, names []string) (int, error) {
	inserted, dupes := 0, 0
	for _, name := range uniqueNames(names) {
		st := newStudent(name)
		if st.Slug == "" {
			continue
		}
		ok, err := s.insert(ctx, st)
		if err != nil {
			return inserted, err
		}
		if !ok {
			dupes++
			continue
		}
		inserted++
	}
	if dupes > 0 {
		s.Logger.Info("bulk insert skipped duplicates", zap.Int("inserted", inserted), zap.Int("duplicates", dupes))
		return inserted, ErrDuplicateKey
	}
	return inserted, nil
}

// Rename changes the name of a student and moves it to the slug derived from newName.
func (s *RedisService) Rename(ctx context.Context, oldSlug, newName string) (string, error) {
	newSlug := slug.Slugify(newName)
	if newSlug == "" {
		return "", ErrEmptySlug
	}
	n, err := renameScript.Run(ctx, s.Client,
		[]string{studentsKey, getStudentInfoKey(oldSlug), getStudentInfoKey(newSlug)},
		oldSlug, newSlug, newName,
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to rename student %s: %w", oldSlug, err)
	}
	switch n {
	case -1:
		return "", ErrNotFound
	case -2:
		return "", ErrDuplicateKey
	}
	return newSlug, nil
}

// Delete removes the student stored under slug and reports whether one existed.
func (s *RedisService) Delete(ctx context.Context, slug string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, studentsKey, slug)
		pipe.Del(ctx, getStudentInfoKey(slug))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete student %s: %w", slug, err)
	}
	return removed.Val() > 0, nil
}

// ScanAll walks the slug set with SSCAN and fetches each batch of records in one pipeline.
func (s *RedisService) ScanAll(ctx context.Context, fn func(models.Student) error) error {
	var cursor uint64
	seen := make(map[string]struct{})
	for {
		batch, next, err := s.Client.SScan(ctx, studentsKey, cursor, "", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan student slugs: %w", err)
		}

		// SSCAN may return an element more than once.
		cmds := make([]*redis.StringStringMapCmd, 0, len(batch))
		_, err = s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, sl := range batch {
				if _, dup := seen[sl]; dup {
					continue
				}
				seen[sl] = struct{}{}
				cmds = append(cmds, pipe.HGetAll(ctx, getStudentInfoKey(sl)))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to fetch student batch: %w", err)
		}
		for _, cmd := range cmds {
			data := cmd.Val()
			if len(data) == 0 {
				continue
			}
			st, err := decodeStudent(data)
			if err != nil {
				return err
			}
			if err := fn(st); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// BulkUpsert restores records from a backup.
func (s *RedisService) BulkUpsert(ctx context.Context, docs []map[string]interface{}) (models.BulkResult, error) {
	records, err := prepareRestore(docs)
	if err != nil {
		return models.BulkResult{}, err
	}

	current := make(map[string]*models.Student, len(records))
	cmds := make(map[string]*redis.StringStringMapCmd, len(records))
	_, err = s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			if _, ok := cmds[rec.Slug]; !ok {
				cmds[rec.Slug] = pipe.HGetAll(ctx, getStudentInfoKey(rec.Slug))
			}
		}
		return nil
	})
	if err != nil {
		return models.BulkResult{}, fmt.Errorf("failed to read existing students: %w", err)
	}
	for sl, cmd := range cmds {
		if data := cmd.Val(); len(data) > 0 {
			st, err := decodeStudent(data)
			if err != nil {
				return models.BulkResult{}, err
			}
			current[sl] = &st
		}
	}

	var res models.BulkResult
	_, err = s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range records {
			rec := records[i]
			encoded, err := encodeProgress(rec.Progress)
			if err != nil {
				return err
			}
			if cur, ok := current[rec.Slug]; ok {
				res.Matched++
				if cur.Name != rec.Name || !sameProgress(cur.Progress, rec.Progress) {
					res.Modified++
				}
			} else {
				res.Upserted++
			}
			current[rec.Slug] = &rec

			pipe.SAdd(ctx, studentsKey, rec.Slug)
			pipe.HSet(ctx, getStudentInfoKey(rec.Slug), "name", rec.Name, "slug", rec.Slug, "progress", encoded)
		}
		return nil
	})
	if err != nil {
		return models.BulkResult{}, fmt.Errorf("failed to restore students: %w", err)
	}
	return res, nil
}

// Count returns the number of students in the set.
func (s *RedisService) Count(ctx context.Context) (int64, error) {
	n, err := s.Client.SCard(ctx, studentsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to count students: %w", err)
	}
	return n, nil
}

// Ping checks the connection to Redis.
func (s *RedisService) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisService) Close(context.Context) error {
	return s.Client.Close()
}

func sameProgress(a, b models.Progress) bool {
	return reflect.DeepEqual(cloneProgress(a), cloneProgress(b))
}

// InitializeRedisClient creates and tests a Redis client connection
func InitializeRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

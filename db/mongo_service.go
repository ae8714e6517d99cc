package db

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"progress-server-go/models"
	"progress-server-go/slug"
)

// MongoService stores student records in a MongoDB collection with a unique index on slug.
type MongoService struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	Logger     *zap.Logger
}

var _ StudentStore = (*MongoService)(nil)

// withoutID keeps the internal document identifier out of every read.
var withoutID = bson.M{"_id": 0}

// NewMongoService wraps an already connected client and makes sure the slug index exists.
func NewMongoService(ctx context.Context, client *mongo.Client, database, collection string, logger *zap.Logger) (*MongoService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MongoService{
		Client:     client,
		Collection: client.Database(database).Collection(collection),
		Logger:     logger,
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureIndexes creates the unique slug index. Existing duplicate slugs make this fail.
func (s *MongoService) EnsureIndexes(ctx context.Context) error {
	name, err := s.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("slug_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to ensure slug index: %w", err)
	}
	s.Logger.Debug("index ready", zap.String("index", name))
	return nil
}

// translateWriteError maps the server's duplicate key codes (11000 family) onto ErrDuplicateKey.
func translateWriteError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}

// storedStudent is the on-disk shape. Rows written by older deployments may hold
// progress that is not a document, so it is decoded lazily.
type storedStudent struct {
	Name     string        `bson:"name"`
	Slug     string        `bson:"slug"`
	Progress bson.RawValue `bson:"progress"`
}

// student converts a stored row, replacing non-document progress with an empty object.
func (s *MongoService) student(doc storedStudent) (models.Student, error) {
	st := models.Student{Name: doc.Name, Slug: doc.Slug, Progress: models.Progress{}}
	switch doc.Progress.Type {
	case bson.TypeEmbeddedDocument:
		dec, err := bson.NewDecoder(bsonrw.NewBSONDocumentReader(doc.Progress.Value))
		if err != nil {
			return st, err
		}
		dec.DefaultDocumentM()
		if err := dec.Decode(&st.Progress); err != nil {
			return st, fmt.Errorf("failed to decode progress of %s: %w", doc.Slug, err)
		}
	case 0, bson.TypeNull, bson.TypeUndefined:
	default:
		s.Logger.Warn("ignoring progress that is not a document",
			zap.String("slug", doc.Slug), zap.Stringer("type", doc.Progress.Type))
	}
	return st, nil
}

// FindBySlug returns the student stored under slug, or nil when there is none.
func (s *MongoService) FindBySlug(ctx context.Context, slug string) (*models.Student, error) {
	var doc storedStudent
	err := s.Collection.FindOne(ctx, bson.M{"slug": slug}, options.FindOne().SetProjection(withoutID)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get student %s: %w", slug, err)
	}
	st, err := s.student(doc)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSummaries returns the name and slug of every student.
func (s *MongoService) ListSummaries(ctx context.Context) ([]models.StudentSummary, error) {
	cur, err := s.Collection.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 0, "name": 1, "slug": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	out := []models.StudentSummary{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to read students: %w", err)
	}
	return out, nil
}

// UpsertProgress replaces the progress stored under slug, creating the record if needed.
func (s *MongoService) UpsertProgress(ctx context.Context, slug string, progress models.Progress) error {
	if progress == nil {
		progress = models.Progress{}
	}
	_, err := s.Collection.UpdateOne(ctx,
		bson.M{"slug": slug},
		bson.M{
			"$set":         bson.M{"slug": slug, "progress": progress},
			"$setOnInsert": bson.M{"name": ""},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store progress for %s: %w", slug, translateWriteError(err))
	}
	return nil
}

// InsertNew adds a student with empty progress and returns its slug.
func (s *MongoService) InsertNew(ctx context.Context, name string) (string, error) {
	st := newStudent(name)
	if st.Slug == "" {
		return "", ErrEmptySlug
	}
	if _, err := s.Collection.InsertOne(ctx, st); err != nil {
		return "", fmt.Errorf("failed to add student %s: %w", st.Slug, translateWriteError(err))
	}
	return st.Slug, nil
}

// BulkInsert submits an unordered InsertMany; colliding names fail individually while the
// rest of the batch is written.
func (s *MongoService) BulkInsert(ctx context.Context, names []string) (int, error) {
	docs := make([]interface{}, 0, len(names))
	for _, name := range uniqueNames(names) {
		if st := newStudent(name); st.Slug != "" {
			docs = append(docs, st)
		}
	}
	if len(docs) == 0 {
		return 0, nil
	}

	_, err := s.Collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return len(docs), nil
	}

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		inserted := len(docs) - len(bwe.WriteErrors)
		if mongo.IsDuplicateKeyError(err) {
			s.Logger.Info("bulk insert skipped duplicates",
				zap.Int("inserted", inserted), zap.Int("duplicates", len(bwe.WriteErrors)))
			return inserted, fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
		return inserted, fmt.Errorf("bulk insert failed: %w", err)
	}
	return 0, fmt.Errorf("bulk insert failed: %w", err)
}

// Rename changes the name of a student and moves it to the slug derived from newName.
func (s *MongoService) Rename(ctx context.Context, oldSlug, newName string) (string, error) {
	newSlug := slug.Slugify(newName)
	if newSlug == "" {
		return "", ErrEmptySlug
	}
	res, err := s.Collection.UpdateOne(ctx,
		bson.M{"slug": oldSlug},
		bson.M{"$set": bson.M{"name": newName, "slug": newSlug}},
	)
	if err != nil {
		return "", fmt.Errorf("failed to rename student %s: %w", oldSlug, translateWriteError(err))
	}
	if res.MatchedCount == 0 {
		return "", ErrNotFound
	}
	return newSlug, nil
}

// Delete removes the student stored under slug and reports whether one existed.
func (s *MongoService) Delete(ctx context.Context, slug string) (bool, error) {
	res, err := s.Collection.DeleteOne(ctx, bson.M{"slug": slug})
	if err != nil {
		return false, fmt.Errorf("failed to delete student %s: %w", slug, err)
	}
	return res.DeletedCount > 0, nil
}

// ScanAll iterates a cursor over the whole collection, decoding one document at a time.
func (s *MongoService) ScanAll(ctx context.Context, fn func(models.Student) error) error {
	cur, err := s.Collection.Find(ctx, bson.M{}, options.Find().SetProjection(withoutID))
	if err != nil {
		return fmt.Errorf("failed to scan students: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc storedStudent
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode student: %w", err)
		}
		st, err := s.student(doc)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("student cursor failed: %w", err)
	}
	return nil
}

// restoreModels builds one upsert per record, keyed by slug.
func restoreModels(records []models.Student) []mongo.WriteModel {
	out := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		out = append(out, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"slug": rec.Slug}).
			SetUpdate(bson.M{"$set": bson.M{"name": rec.Name, "slug": rec.Slug, "progress": rec.Progress}}).
			SetUpsert(true))
	}
	return out
}

// BulkUpsert restores records from a backup in one unordered bulk write.
func (s *MongoService) BulkUpsert(ctx context.Context, docs []map[string]interface{}) (models.BulkResult, error) {
	records, err := prepareRestore(docs)
	if err != nil {
		return models.BulkResult{}, err
	}
	res, err := s.Collection.BulkWrite(ctx, restoreModels(records), options.BulkWrite().SetOrdered(false))
	if err != nil {
		return models.BulkResult{}, fmt.Errorf("restore failed: %w", translateWriteError(err))
	}
	return models.BulkResult{
		Upserted: res.UpsertedCount,
		Modified: res.ModifiedCount,
		Matched:  res.MatchedCount,
	}, nil
}

// Count returns the collection size from its metadata.
func (s *MongoService) Count(ctx context.Context) (int64, error) {
	n, err := s.Collection.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count students: %w", err)
	}
	return n, nil
}

// Ping checks the connection to the primary.
func (s *MongoService) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoService) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// ConnectMongo opens the single client shared by the whole process and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("could not connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("could not reach MongoDB: %w", err)
	}
	return client, nil
}

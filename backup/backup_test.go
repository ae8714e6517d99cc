package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progress-server-go/db"
	"progress-server-go/models"
)

type failingScanner struct {
	before []models.Student
	err    error
}

func (f failingScanner) ScanAll(_ context.Context, fn func(models.Student) error) error {
	for _, st := range f.before {
		if err := fn(st); err != nil {
			return err
		}
	}
	return f.err
}

func TestFilename(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 20, 30, 123000000, time.FixedZone("CEST", 2*60*60))
	assert.Equal(t, "students-backup-2024-05-01T08-20-30-123Z.json", Filename(ts))
}

func TestWriterEmpty(t *testing.T) {
	var buf bytes.Buffer
	bw := NewWriter(&buf)
	assert.False(t, bw.Started())
	require.NoError(t, bw.Close())
	assert.Equal(t, "[]", buf.String())
}

func TestWriterRecords(t *testing.T) {
	var buf bytes.Buffer
	started := 0
	bw := NewWriter(&buf)
	bw.OnStart = func() { started++ }

	require.NoError(t, bw.Write(models.Student{Name: "A", Slug: "a", Progress: models.Progress{"x": 1}}))
	require.NoError(t, bw.Write(models.Student{Name: "B", Slug: "b"}))
	require.NoError(t, bw.Close())

	assert.Equal(t, 1, started)
	assert.Equal(t, 2, bw.Count())
	assert.JSONEq(t, `[{"name":"A","slug":"a","progress":{"x":1}},{"name":"B","slug":"b","progress":{}}]`, buf.String())
	assert.NotContains(t, buf.String(), "\n")
}

func TestExportFailsBeforeWriting(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("cursor died")

	_, err := Export(context.Background(), failingScanner{err: boom}, &buf)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, buf.Len())
}

func TestExportFailsMidStream(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("cursor died")

	n, err := Export(context.Background(), failingScanner{
		before: []models.Student{{Name: "A", Slug: "a"}},
		err:    boom,
	}, &buf)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Equal(t, `[{"name":"A","slug":"a","progress":{}}`, buf.String())
}

func TestExportRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := db.NewMemoryService()
	_, err := src.BulkInsert(ctx, []string{"Ada Lovelace", "Grace Hopper"})
	require.NoError(t, err)
	require.NoError(t, src.UpsertProgress(ctx, "ada-lovelace", models.Progress{"week1": "done", "score": float64(7)}))
	require.NoError(t, src.UpsertProgress(ctx, "nameless", models.Progress{}))

	var buf bytes.Buffer
	n, err := Export(ctx, src, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	docs, err := Decode(&buf)
	require.NoError(t, err)

	dst := db.NewMemoryService()
	res, err := dst.BulkUpsert(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, models.BulkResult{Upserted: 3}, res)

	assert.Equal(t, collect(t, src), collect(t, dst))
}

func collect(t *testing.T, s Scanner) []models.Student {
	t.Helper()
	var out []models.Student
	require.NoError(t, s.ScanAll(context.Background(), func(st models.Student) error {
		out = append(out, st)
		return nil
	}))
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

type fakeUploader struct {
	put       *s3.PutObjectInput
	body      []byte
	parts     [][]byte
	completed *types.CompletedMultipartUpload
	aborted   bool
	putErr    error
	partErr   error
	failPart  int32
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.put = in
	f.body, _ = io.ReadAll(in.Body)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, UploadId: aws.String("upload-1")}, nil
}

func (f *fakeUploader) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.partErr != nil && *in.PartNumber == f.failPart {
		return nil, f.partErr
	}
	data, _ := io.ReadAll(in.Body)
	f.parts = append(f.parts, data)
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", *in.PartNumber))}, nil
}

func (f *fakeUploader) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = in.MultipartUpload
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeUploader) AbortMultipartUpload(_ context.Context, _ *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = true
	return &s3.AbortMultipartUploadOutput{}, nil
}

func seededStore(t *testing.T, names ...string) *db.MemoryService {
	t.Helper()
	store := db.NewMemoryService()
	_, err := store.BulkInsert(context.Background(), names)
	require.NoError(t, err)
	return store
}

func TestSnapshotterTake(t *testing.T) {
	store := seededStore(t, "Ada Lovelace")

	up := &fakeUploader{}
	snap := NewSnapshotterWithClient(up, "tracker-backups", "nightly/")
	snap.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	got, err := snap.Take(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{Key: "nightly/students-backup-2024-01-02T03-04-05-000Z.json", Count: 1}, got)
	assert.Equal(t, "tracker-backups", *up.put.Bucket)
	assert.Equal(t, "application/json", *up.put.ContentType)
	assert.JSONEq(t, `[{"name":"Ada Lovelace","slug":"ada-lovelace","progress":{}}]`, string(up.body))
	assert.Nil(t, up.completed)
}

func TestSnapshotterTakeMultipart(t *testing.T) {
	store := seededStore(t, "Ada Lovelace", "Grace Hopper", "Alan Turing", "Edsger Dijkstra")

	up := &fakeUploader{}
	snap := NewSnapshotterWithClient(up, "b", "")
	snap.partSize = 32

	got, err := snap.Take(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Count)
	assert.Nil(t, up.put)
	assert.False(t, up.aborted)

	require.Greater(t, len(up.parts), 1)
	var whole []byte
	for i, p := range up.parts {
		if i < len(up.parts)-1 {
			assert.Len(t, p, 32)
		}
		whole = append(whole, p...)
	}
	var docs []map[string]interface{}
	require.NoError(t, json.Unmarshal(whole, &docs))
	assert.Len(t, docs, 4)

	require.NotNil(t, up.completed)
	require.Len(t, up.completed.Parts, len(up.parts))
	for i, p := range up.completed.Parts {
		assert.Equal(t, int32(i+1), *p.PartNumber)
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), *p.ETag)
	}
}

func TestSnapshotterAbortsFailedPart(t *testing.T) {
	store := seededStore(t, "Ada Lovelace", "Grace Hopper", "Alan Turing", "Edsger Dijkstra")

	boom := errors.New("slow down")
	up := &fakeUploader{partErr: boom, failPart: 2}
	snap := NewSnapshotterWithClient(up, "b", "")
	snap.partSize = 32

	_, err := snap.Take(context.Background(), store)
	assert.ErrorIs(t, err, boom)
	assert.True(t, up.aborted)
	assert.Nil(t, up.completed)
}

func TestSnapshotterExportFailsMidUpload(t *testing.T) {
	boom := errors.New("cursor killed")
	src := failingScanner{
		before: []models.Student{
			{Name: "Ada Lovelace", Slug: "ada-lovelace"},
			{Name: "Grace Hopper", Slug: "grace-hopper"},
		},
		err: boom,
	}

	up := &fakeUploader{}
	snap := NewSnapshotterWithClient(up, "b", "")
	snap.partSize = 32

	_, err := snap.Take(context.Background(), src)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "export")
	assert.True(t, up.aborted)
	assert.Nil(t, up.completed)
	assert.Nil(t, up.put)
}

func TestSnapshotterErrors(t *testing.T) {
	var disabled *Snapshotter
	_, err := disabled.Take(context.Background(), db.NewMemoryService())
	assert.ErrorIs(t, err, ErrSnapshotsDisabled)

	boom := errors.New("access denied")
	snap := NewSnapshotterWithClient(&fakeUploader{putErr: boom}, "b", "")
	_, err = snap.Take(context.Background(), db.NewMemoryService())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "upload")

	up := &fakeUploader{}
	snap = NewSnapshotterWithClient(up, "b", "")
	_, err = snap.Take(context.Background(), failingScanner{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, up.put, "nothing is uploaded when the export fails before its first record")
}

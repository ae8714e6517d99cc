package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"progress-server-go/config"
)

// S3 rejects multipart parts below 5 MiB except the last one.
const defaultPartSize = 8 << 20

// ErrSnapshotsDisabled is returned when no bucket is configured.
var ErrSnapshotsDisabled = errors.New("backup snapshots are not configured")

var errUploadAborted = errors.New("snapshot upload aborted")

// ObjectUploader is the slice of the S3 client used for snapshots.
type ObjectUploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Snapshotter writes backups as objects into an S3-compatible bucket (AWS S3 or MinIO).
type Snapshotter struct {
	client   ObjectUploader
	bucket   string
	prefix   string
	partSize int
	now      func() time.Time
}

// Snapshot describes an uploaded backup.
type Snapshot struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// NewSnapshotter builds a Snapshotter from configuration. It returns nil, nil when
// cfg.Bucket is empty.
func NewSnapshotter(ctx context.Context, cfg config.S3Config) (*Snapshotter, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSnapshotterWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewSnapshotterWithClient(client ObjectUploader, bucket, prefix string) *Snapshotter {
	return &Snapshotter{client: client, bucket: bucket, prefix: prefix, partSize: defaultPartSize, now: time.Now}
}

type exportResult struct {
	count int
	err   error
}

// Take streams the export into the bucket. At most one part is held in memory; an
// export that fits in one part is sent with a single PutObject, anything larger
// goes up as a multipart upload. A failed export never leaves an object behind.
func (s *Snapshotter) Take(ctx context.Context, src Scanner) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, ErrSnapshotsDisabled
	}
	pr, pw := io.Pipe()
	exported := make(chan exportResult, 1)
	go func() {
		n, err := Export(ctx, src, pw)
		pw.CloseWithError(err)
		exported <- exportResult{count: n, err: err}
	}()

	key := path.Join(s.prefix, Filename(s.now()))
	uploadErr := s.upload(ctx, key, pr)
	if uploadErr != nil {
		// unblocks the exporter if it is still writing
		pr.CloseWithError(errUploadAborted)
	}
	res := <-exported
	if res.err != nil && !errors.Is(res.err, errUploadAborted) {
		return Snapshot{}, fmt.Errorf("export: %w", res.err)
	}
	if uploadErr != nil {
		return Snapshot{}, fmt.Errorf("upload %s: %w", key, uploadErr)
	}
	return Snapshot{Key: key, Count: res.count}, nil
}

func (s *Snapshotter) upload(ctx context.Context, key string, r io.Reader) error {
	buf := make([]byte, s.partSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf[:n]),
			ContentType: aws.String("application/json"),
		})
		return err
	case err != nil:
		return err
	}
	return s.uploadParts(ctx, key, r, buf)
}

// uploadParts sends first and the rest of r as a multipart upload, reusing first as
// the read buffer.
func (s *Snapshotter) uploadParts(ctx context.Context, key string, r io.Reader, first []byte) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return err
	}

	var parts []types.CompletedPart
	buf, chunk := first, first
	for num := int32(1); len(chunk) > 0; num++ {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   created.UploadId,
			PartNumber: aws.Int32(num),
			Body:       bytes.NewReader(chunk),
		})
		if err != nil {
			return s.abort(ctx, key, created.UploadId, fmt.Errorf("part %d: %w", num, err))
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})

		n, err := io.ReadFull(r, buf)
		switch {
		case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
			chunk = buf[:n]
		case errors.Is(err, io.EOF):
			chunk = nil
		default:
			return s.abort(ctx, key, created.UploadId, err)
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return s.abort(ctx, key, created.UploadId, err)
	}
	return nil
}

func (s *Snapshotter) abort(ctx context.Context, key string, uploadID *string, cause error) error {
	_, err := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		return fmt.Errorf("%w (abort failed: %v)", cause, err)
	}
	return cause
}

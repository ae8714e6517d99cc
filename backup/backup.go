package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"progress-server-go/models"
)

// Scanner is the part of the record store a backup needs.
type Scanner interface {
	ScanAll(ctx context.Context, fn func(models.Student) error) error
}

// Filename returns the attachment name for a backup taken at t, e.g.
// students-backup-2024-05-01T10-20-30-123Z.json.
func Filename(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "students-backup-" + stamp + ".json"
}

// Writer encodes records as a single JSON array without newlines. Nothing is written
// to the underlying writer until the first record or Close, so a failure before that
// point leaves the destination untouched.
type Writer struct {
	w       io.Writer
	count   int
	started bool

	// OnStart runs once, right before the first byte is written.
	OnStart func()
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Started reports whether any bytes reached the underlying writer.
func (bw *Writer) Started() bool {
	return bw.started
}

// Count is the number of records written so far.
func (bw *Writer) Count() int {
	return bw.count
}

func (bw *Writer) start() error {
	if bw.started {
		return nil
	}
	bw.started = true
	if bw.OnStart != nil {
		bw.OnStart()
	}
	_, err := io.WriteString(bw.w, "[")
	return err
}

// Write appends one record to the array.
func (bw *Writer) Write(st models.Student) error {
	if st.Progress == nil {
		st.Progress = models.Progress{}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode %s: %w", st.Slug, err)
	}
	if err := bw.start(); err != nil {
		return err
	}
	if bw.count > 0 {
		if _, err := io.WriteString(bw.w, ","); err != nil {
			return err
		}
	}
	if _, err := bw.w.Write(data); err != nil {
		return err
	}
	bw.count++
	return nil
}

// Close terminates the array. An empty backup is "[]".
func (bw *Writer) Close() error {
	if err := bw.start(); err != nil {
		return err
	}
	_, err := io.WriteString(bw.w, "]")
	return err
}

// Export streams every record from s into w and returns how many were written.
func Export(ctx context.Context, s Scanner, w io.Writer) (int, error) {
	bw := NewWriter(w)
	if err := s.ScanAll(ctx, bw.Write); err != nil {
		return bw.Count(), err
	}
	if err := bw.Close(); err != nil {
		return bw.Count(), err
	}
	return bw.Count(), nil
}

// Decode parses a backup document into the raw entries a restore accepts.
func Decode(r io.Reader) ([]map[string]interface{}, error) {
	var docs []map[string]interface{}
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return nil, fmt.Errorf("backup must be a JSON array of objects: %w", err)
	}
	return docs, nil
}

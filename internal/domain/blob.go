package domain

import (
	"context"
	"fmt"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads round archives.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader serves round archives back to operators.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveDayLayout names an archive file: one per UTC settlement day.
const ArchiveDayLayout = "2006-01-02"

// ArchiveDay returns the archive day a round settled at t belongs to.
func ArchiveDay(t time.Time) string {
	return t.UTC().Format(ArchiveDayLayout)
}

// ParseArchiveDay checks that s names a calendar day in ArchiveDayLayout.
func ParseArchiveDay(s string) (time.Time, error) {
	t, err := time.Parse(ArchiveDayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("archive day %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// ArchiveReport summarises one archive run.
type ArchiveReport struct {
	// Days lists the days written by this run, oldest first.
	Days []string
	// Existing counts days skipped because their file was already there.
	Existing int
	Rounds   int64
}

// Archiver copies settled round history to cold storage. Each day is
// written once; later runs skip it.
type Archiver interface {
	ArchiveRounds(ctx context.Context, before time.Time) (ArchiveReport, error)
}

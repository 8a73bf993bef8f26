// Package snapshot persists the records of one completed crawl run as a
// single durable CSV file. Writes are all-or-nothing: the new snapshot is
// staged in the target directory and renamed over the old one, so readers
// only ever observe a complete snapshot.
package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aluiziolira/go-book-catalog/extract"
	"github.com/aluiziolira/go-book-catalog/models"
)

// ErrNoSnapshot is returned by Read when no snapshot file exists.
var ErrNoSnapshot = errors.New("snapshot: not found")

// WriteError wraps a failure to persist a snapshot. The previous snapshot
// file, if any, remains authoritative.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Errorf("snapshot write: %w", e.Err).Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// LoadError wraps a malformed snapshot encountered during Read.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Errorf("snapshot load: %w", e.Err).Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

var header = []string{"id", "title", "price", "category", "image_url", "availability", "rating"}

// Store reads and writes snapshots at a fixed path.
type Store struct {
	path string
}

// New returns a store backed by the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Present reports whether a snapshot file exists.
func (s *Store) Present() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Write persists the records atomically. The snapshot is staged as a temp
// file in the destination directory and renamed into place only after a
// successful flush and sync.
func (s *Store) Write(books []*models.Book) error {
	if err := ensureDir(s.path); err != nil {
		return &WriteError{Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".books-*.csv")
	if err != nil {
		return &WriteError{Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	writer := csv.NewWriter(tmp)
	writer.Comma = ';'
	if err := writer.Write(header); err != nil {
		cleanup()
		return &WriteError{Err: fmt.Errorf("write header: %w", err)}
	}
	for _, book := range books {
		record := []string{
			book.ID,
			book.Title,
			book.Price,
			book.Category,
			book.ImageURL,
			book.Availability,
			book.RatingText,
		}
		if err := writer.Write(record); err != nil {
			cleanup()
			return &WriteError{Err: fmt.Errorf("write record: %w", err)}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		cleanup()
		return &WriteError{Err: fmt.Errorf("flush records: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return &WriteError{Err: fmt.Errorf("sync temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &WriteError{Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &WriteError{Err: fmt.Errorf("replace snapshot: %w", err)}
	}
	return nil
}

// Read loads every record from the snapshot in stored order. A missing
// file returns ErrNoSnapshot; malformed content returns a LoadError.
func (s *Store) Read() ([]*models.Book, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, &LoadError{Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = ';'
	// Older snapshots omit the rating column.
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	if len(rows) == 0 {
		return nil, &LoadError{Err: errors.New("missing header row")}
	}
	if rows[0][0] != header[0] {
		return nil, &LoadError{Err: fmt.Errorf("unexpected header %v", rows[0])}
	}

	books := make([]*models.Book, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) < len(header)-1 {
			return nil, &LoadError{Err: fmt.Errorf("row %d: %d columns", i+2, len(row))}
		}
		book := &models.Book{
			ID:           row[0],
			Title:        row[1],
			Price:        row[2],
			Category:     row[3],
			ImageURL:     row[4],
			Availability: row[5],
		}
		if book.ID == "" {
			return nil, &LoadError{Err: fmt.Errorf("row %d: empty id", i+2)}
		}
		if len(row) > 6 {
			book.RatingText = row[6]
			book.RatingNumeric = extract.RatingToNumeric(row[6])
		}
		books = append(books, book)
	}
	return books, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

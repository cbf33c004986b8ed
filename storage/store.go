package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"
)

// Store is the file-store leaf: immutable parquet data files plus the log
// directory, addressed by paths relative to the table root. All writes are
// create-once; nothing is ever modified in place.
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore creates a Store rooted at the given directory.
func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

// Root returns the table root directory.
func (s *Store) Root() string {
	return s.root
}

// NewDataFileName returns a unique relative path for a new data file.
func NewDataFileName() string {
	return fmt.Sprintf("part-%s.parquet", uuid.NewString())
}

func (s *Store) abs(path string) string {
	return filepath.Join(s.root, path)
}

// WriteParquet writes rows to a new parquet file at the given relative path
// and returns the file size in bytes. The file must not already exist.
func (s *Store) WriteParquet(path string, schema *parquet.Schema, rows []map[string]interface{}) (int64, error) {
	full := s.abs(path)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := s.fs.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create data file: %w", err)
	}

	writer := parquet.NewGenericWriter[map[string]interface{}](file, &parquet.WriterConfig{Schema: schema})
	if _, err := writer.Write(rows); err != nil {
		file.Close()
		s.fs.Remove(full)
		return 0, fmt.Errorf("failed to write records: %w", err)
	}
	if err := writer.Close(); err != nil {
		file.Close()
		s.fs.Remove(full)
		return 0, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("failed to close data file: %w", err)
	}

	info, err := s.fs.Stat(full)
	if err != nil {
		return 0, fmt.Errorf("failed to stat data file: %w", err)
	}
	return info.Size(), nil
}

// ReadParquet reads every row of the parquet file at the given relative path.
func (s *Store) ReadParquet(path string) ([]map[string]interface{}, error) {
	file, err := s.fs.Open(s.abs(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	// Leaf columns of a flat schema appear in field order, so a value's
	// column index maps straight to a field name.
	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name()
	}

	var result []map[string]interface{}
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 64)
		for {
			n, err := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				record := make(map[string]interface{}, len(names))
				for _, v := range buf[i] {
					col := int(v.Column())
					if col < 0 || col >= len(names) {
						continue
					}
					if v.IsNull() {
						record[names[col]] = nil
					} else {
						record[names[col]] = ValueToInterface(v)
					}
				}
				result = append(result, record)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to read rows: %w", err)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("failed to close row reader: %w", err)
		}
	}
	return result, nil
}

// OpenParquet opens the parquet file for footer-level inspection.
func (s *Store) OpenParquet(path string) (*parquet.File, func() error, error) {
	file, err := s.fs.Open(s.abs(path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open data file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat data file: %w", err)
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	return pf, file.Close, nil
}

// ValueToInterface converts a parquet value to its normalized Go
// representation: long/timestamp as int64, double as float64.
func ValueToInterface(v parquet.Value) interface{} {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return v.String()
	default:
		return v.String()
	}
}

// CreateExclusive atomically creates a file that must not already exist.
// The caller distinguishes a lost race via os.IsExist on the error.
func (s *Store) CreateExclusive(path string) (afero.File, error) {
	full := s.abs(path)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}
	return s.fs.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
}

// ReadFile reads an entire non-parquet file (log entries, checkpoints).
func (s *Store) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(s.fs, s.abs(path))
}

// Exists reports whether the path exists.
func (s *Store) Exists(path string) (bool, error) {
	return afero.Exists(s.fs, s.abs(path))
}

// Remove deletes the file at the given relative path.
func (s *Store) Remove(path string) error {
	return s.fs.Remove(s.abs(path))
}

// ModTime returns the modification time of the file.
func (s *Store) ModTime(path string) (time.Time, error) {
	info, err := s.fs.Stat(s.abs(path))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// List returns the sorted file names (not full paths) in a directory.
// A missing directory yields an empty list.
func (s *Store) List(dir string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.abs(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Walk visits every regular file under the given relative directory,
// reporting paths relative to the table root.
func (s *Store) Walk(dir string, fn func(relPath string, info os.FileInfo) error) error {
	base := s.abs(dir)
	return afero.Walk(s.fs, base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

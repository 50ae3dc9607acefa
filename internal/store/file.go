// internal/store/file.go
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/journal"
)

// FileStore writes <dir>/<session>.json and the journal as
// <dir>/<session>.journal.jsonl.
type FileStore struct {
	dir string
	log *zap.Logger
}

// NewFileStore creates dir if needed. A leading ~ is expanded.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand results dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: expanded, log: logger.Named("file_store")}, nil
}

// Dir returns the expanded results directory.
func (s *FileStore) Dir() string { return s.dir }

// ResultPath is where the result of a session is written.
func (s *FileStore) ResultPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// JournalPath is where the journal of a session is written.
func (s *FileStore) JournalPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".journal.jsonl")
}

// Save writes the journal, points result.JournalRef at it and writes the result.
func (s *FileStore) Save(_ context.Context, result *schemas.ApplicationResult) error {
	id := result.Meta.SessionID
	if id == "" {
		return errors.New("result has no session id")
	}

	jpath := s.JournalPath(id)
	if err := writeAtomic(jpath, func(f *os.File) error {
		return journal.WriteJSONL(f, result.Journal)
	}); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	result.JournalRef = jpath

	rpath := s.ResultPath(id)
	if err := writeAtomic(rpath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	s.log.Debug("Result written.", zap.String("session_id", id), zap.String("path", rpath))
	return nil
}

// Load reads a result written by Save.
func (s *FileStore) Load(sessionID string) (*schemas.ApplicationResult, error) {
	data, err := os.ReadFile(s.ResultPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r schemas.ApplicationResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", sessionID, err)
	}
	return &r, nil
}

// writeAtomic writes through a temp file in the same directory and renames
// it into place, so readers never see a partial file.
func writeAtomic(path string, write func(*os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// internal/store/file_test.go
package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/journal"
)

func TestFileStore_SaveWritesResultAndJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	fs, err := NewFileStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	r := sampleResult()
	require.NoError(t, fs.Save(context.Background(), r))

	assert.Equal(t, fs.JournalPath(r.Meta.SessionID), r.JournalRef)

	f, err := os.Open(r.JournalRef)
	require.NoError(t, err)
	defer f.Close()
	entries, err := journal.ReadJSONL(f)
	require.NoError(t, err)
	assert.Equal(t, r.Journal, entries)

	got, err := fs.Load(r.Meta.SessionID)
	require.NoError(t, err)
	assert.Equal(t, r.JournalRef, got.JournalRef)
	assert.Equal(t, r.FinalState, got.FinalState)
	assert.Len(t, got.Journal, 2, "the result keeps the journal verbatim")

	leftovers, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileStore_Errors(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Error(t, fs.Save(context.Background(), &schemas.ApplicationResult{}))
	_, err = fs.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingSink struct{ err error }

func (f failingSink) Save(context.Context, *schemas.ApplicationResult) error { return f.err }

func TestMulti_SavesEverywhere(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	m := Multi{fs, failingSink{err: boom}}
	r := sampleResult()

	err = m.Save(context.Background(), r)
	assert.ErrorIs(t, err, boom)
	_, loadErr := fs.Load(r.Meta.SessionID)
	assert.NoError(t, loadErr, "an earlier sink still saved")

	assert.NoError(t, Multi{}.Save(context.Background(), r))
}

func TestOpen_FileOnly(t *testing.T) {
	dir := t.TempDir()
	sinks, closeAll, err := Open(context.Background(), config.ResultsConfig{Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeAll()

	require.Len(t, sinks, 1)
	assert.IsType(t, &FileStore{}, sinks[0])
}

package delta

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npiesco/fsdb/storage"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	store := storage.NewStore(afero.NewMemMapFs(), "/data/events")
	return NewLog(store, 10)
}

func testMetadata() *Metadata {
	return &Metadata{
		ID: "test-table",
		Schema: Schema{Fields: []SchemaField{
			{Name: "id", Type: TypeLong, Nullable: true},
			{Name: "name", Type: TypeString, Nullable: true},
		}},
	}
}

func addAction(path string, size int64) Action {
	return Action{Add: &AddFile{Path: path, Size: size, DataChange: true}}
}

func removeAction(path string) Action {
	return Action{Remove: &RemoveFile{Path: path, DataChange: true}}
}

// writeLogEntry claims a version slot and writes a raw payload into it,
// simulating a writer that died before publishing the full commit.
func writeLogEntry(t *testing.T, log *Log, version int64, payload []byte) {
	t.Helper()
	file, err := log.store.CreateExclusive(path.Join(LogDir, commitFileName(version)))
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err = file.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, file.Close())
}

func TestCommitAssignsContiguousVersions(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	v, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = log.Commit(ctx, v, []Action{addAction("a.parquet", 100)}, OpWrite, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = log.Commit(ctx, v, []Action{addAction("b.parquet", 200)}, OpWrite, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	versions, err := log.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, versions)
}

func TestSnapshotReplay(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)
	_, err = log.Commit(ctx, 0, []Action{addAction("a.parquet", 100), addAction("b.parquet", 200)}, OpWrite, nil)
	require.NoError(t, err)
	_, err = log.Commit(ctx, 1, []Action{removeAction("a.parquet"), addAction("c.parquet", 300)}, OpWrite, nil)
	require.NoError(t, err)

	snap, err := log.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.False(t, snap.Contains("a.parquet"))
	assert.True(t, snap.Contains("b.parquet"))
	assert.True(t, snap.Contains("c.parquet"))
	require.Len(t, snap.Tombstones, 1)
	assert.Equal(t, "a.parquet", snap.Tombstones[0].Path)

	// Replaying from scratch must agree with the incrementally built cache.
	fresh := NewLog(log.store, 10)
	snap2, err := fresh.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, snap.Version, snap2.Version)
	assert.Equal(t, snap.Files, snap2.Files)
}

func TestSnapshotTimeTravel(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)
	_, err = log.Commit(ctx, 0, []Action{addAction("a.parquet", 100)}, OpWrite, nil)
	require.NoError(t, err)
	_, err = log.Commit(ctx, 1, []Action{removeAction("a.parquet")}, OpDelete, nil)
	require.NoError(t, err)

	v1 := int64(1)
	snap, err := log.Snapshot(ctx, &v1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.True(t, snap.Contains("a.parquet"))

	missing := int64(99)
	_, err = log.Snapshot(ctx, &missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitRebaseOnLostRace(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)

	// Both writers compute against version 0; the loser must rebase onto
	// the winner's commit rather than fail or clobber it.
	v1, err := log.Commit(ctx, 0, []Action{addAction("a.parquet", 100)}, OpWrite, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	v2, err := log.Commit(ctx, 0, []Action{addAction("b.parquet", 200)}, OpWrite, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	snap, err := log.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.True(t, snap.Contains("a.parquet"))
	assert.True(t, snap.Contains("b.parquet"))
}

func TestCommitConflictOnDoubleRemove(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)
	_, err = log.Commit(ctx, 0, []Action{addAction("a.parquet", 100)}, OpWrite, nil)
	require.NoError(t, err)

	// First remove wins the slot; the second, computed against the same
	// base, targets a file that is no longer live.
	_, err = log.Commit(ctx, 1, []Action{removeAction("a.parquet")}, OpDelete, nil)
	require.NoError(t, err)

	_, err = log.Commit(ctx, 1, []Action{removeAction("a.parquet")}, OpDelete, nil)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("file-%d.parquet", i)
			_, errs[i] = log.Commit(ctx, 0, []Action{addAction(path, 100)}, OpWrite, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	snap, err := log.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), snap.Version)
	assert.Len(t, snap.Files, writers)
}

func TestReadCommitMissing(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.ReadCommit(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecodeCommit(t *testing.T) {
	complete, err := encodeActions([]Action{
		addAction("a.parquet", 100),
		{CommitInfo: &CommitInfo{Timestamp: 1, Operation: OpWrite}},
	})
	require.NoError(t, err)
	noTrailer, err := encodeActions([]Action{addAction("a.parquet", 100)})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{name: "complete", payload: complete, wantErr: nil},
		{name: "empty", payload: nil, wantErr: ErrIncompleteCommit},
		{name: "missing trailer", payload: noTrailer, wantErr: ErrIncompleteCommit},
		{name: "truncated final line", payload: complete[:len(complete)-5], wantErr: ErrIncompleteCommit},
		{name: "garbage before trailer", payload: append([]byte("not json\n"), complete...), wantErr: ErrCorruption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions, err := decodeCommit(tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, actions, 2)
			assert.NotNil(t, actions[1].CommitInfo)
		})
	}
}

func TestSnapshotIgnoresAbandonedCommitSlot(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)
	_, err = log.Commit(ctx, 0, []Action{addAction("a.parquet", 100)}, OpWrite, nil)
	require.NoError(t, err)

	// A writer that died right after claiming the slot leaves an empty file.
	writeLogEntry(t, log, 2, nil)

	snap, err := NewLog(log.store, 10).Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.True(t, snap.Contains("a.parquet"))

	// Asking for the unpublished version by number is still an error.
	v2 := int64(2)
	_, err = log.Snapshot(ctx, &v2)
	assert.ErrorIs(t, err, ErrIncompleteCommit)
}

func TestSnapshotIgnoresTornTailCommit(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)

	// A payload cut short at a line boundary carries no commitInfo trailer,
	// so none of its actions may become visible.
	torn, err := encodeActions([]Action{addAction("a.parquet", 100)})
	require.NoError(t, err)
	writeLogEntry(t, log, 1, torn)

	snap, err := NewLog(log.store, 10).Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
	assert.False(t, snap.Contains("a.parquet"))
}

func TestCommitReclaimsAbandonedSlot(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	log.reclaimAfter = 0

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)
	writeLogEntry(t, log, 1, nil)

	v, err := log.Commit(ctx, 0, []Action{addAction("a.parquet", 100)}, OpWrite, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	snap, err := log.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.True(t, snap.Contains("a.parquet"))
}

func TestCommitWritesTrailerLast(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	_, err := log.Commit(ctx, -1, []Action{{MetaData: testMetadata()}}, OpCreateTable, nil)
	require.NoError(t, err)

	actions, err := log.ReadCommit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.NotNil(t, actions[0].MetaData)
	assert.NotNil(t, actions[1].CommitInfo)
}

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{name: "Add only", action: Action{Add: &AddFile{Path: "a"}}, wantErr: false},
		{name: "Remove only", action: Action{Remove: &RemoveFile{Path: "a"}}, wantErr: false},
		{name: "Empty", action: Action{}, wantErr: true},
		{
			name:    "Two members",
			action:  Action{Add: &AddFile{Path: "a"}, Remove: &RemoveFile{Path: "a"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseCommitFileName(t *testing.T) {
	v, ok := parseCommitFileName("00000000000000000042.json")
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	_, ok = parseCommitFileName("checkpoint.parquet")
	assert.False(t, ok)

	_, ok = parseCommitFileName("0000.json")
	assert.False(t, ok)
}

func TestConcurrentModificationSentinel(t *testing.T) {
	assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", ErrConcurrentModification), ErrConcurrentModification))
}

package delta

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/npiesco/fsdb/core"
	"github.com/npiesco/fsdb/storage"
)

// Row is the engine's row currency.
type Row = map[string]interface{}

// Options tunes a table handle.
type Options struct {
	TargetFileSize   int64
	MaxCommitRetries int
}

func (o Options) withDefaults() Options {
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = 128 * 1024 * 1024
	}
	if o.MaxCommitRetries <= 0 {
		o.MaxCommitRetries = 10
	}
	return o
}

// Table is a handle over one delta table: the file store plus its
// transaction log.
type Table struct {
	store *storage.Store
	log   *Log
	opts  Options
}

// CreateTable initializes a new table by committing its metadata as
// version 0.
func CreateTable(ctx context.Context, store *storage.Store, schema Schema, partitionColumns []string, configuration map[string]string, opts Options) (*Table, error) {
	for _, col := range partitionColumns {
		if _, ok := schema.Field(col); !ok {
			return nil, fmt.Errorf("partition column %s not in schema", col)
		}
	}
	t := &Table{
		store: store,
		log:   NewLog(store, opts.withDefaults().MaxCommitRetries),
		opts:  opts.withDefaults(),
	}
	meta := &Metadata{
		ID:               uuid.NewString(),
		Schema:           schema,
		PartitionColumns: partitionColumns,
		Configuration:    configuration,
	}
	if _, err := t.log.Commit(ctx, -1, []Action{{MetaData: meta}}, OpCreateTable, nil); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	core.Infof(ctx, "created table %s at %s", meta.ID, store.Root())
	return t, nil
}

// OpenTable opens an existing table rooted at the store.
func OpenTable(ctx context.Context, store *storage.Store, opts Options) (*Table, error) {
	t := &Table{
		store: store,
		log:   NewLog(store, opts.withDefaults().MaxCommitRetries),
		opts:  opts.withDefaults(),
	}
	snap, err := t.log.Snapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	if snap.Metadata == nil {
		return nil, fmt.Errorf("%w: table has no metadata", ErrCorruption)
	}
	return t, nil
}

// Log exposes the transaction log.
func (t *Table) Log() *Log {
	return t.log
}

// Store exposes the underlying file store.
func (t *Table) Store() *storage.Store {
	return t.store
}

// Snapshot returns the live file set at the given version (nil = latest).
func (t *Table) Snapshot(ctx context.Context, version *int64) (*Snapshot, error) {
	return t.log.Snapshot(ctx, version)
}

// Metadata returns the table metadata at the latest version.
func (t *Table) Metadata(ctx context.Context) (*Metadata, error) {
	snap, err := t.log.Snapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	if snap.Metadata == nil {
		return nil, fmt.Errorf("%w: table has no metadata", ErrCorruption)
	}
	return snap.Metadata, nil
}

func (t *Table) normalizeRows(meta *Metadata, rows []Row) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		normalized := make(Row, len(meta.Schema.Fields))
		for _, f := range meta.Schema.Fields {
			value, err := NormalizeValue(f.Type, row[f.Name])
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			if value == nil && !f.Nullable {
				return nil, fmt.Errorf("row %d: column %s is not nullable", i, f.Name)
			}
			normalized[f.Name] = value
		}
		out[i] = normalized
	}
	return out, nil
}

// partitionKey renders the directory prefix and partition values for a row.
func partitionKey(meta *Metadata, row Row) (string, map[string]string) {
	if len(meta.PartitionColumns) == 0 {
		return "", nil
	}
	values := make(map[string]string, len(meta.PartitionColumns))
	dir := ""
	for _, col := range meta.PartitionColumns {
		v := "__null__"
		if row[col] != nil {
			v = fmt.Sprint(row[col])
		}
		values[col] = v
		dir = path.Join(dir, fmt.Sprintf("%s=%s", col, v))
	}
	return dir, values
}

// writeDataFile writes one parquet data file with exact write-time stats and
// returns its AddFile action.
func (t *Table) writeDataFile(meta *Metadata, dir string, partitionValues map[string]string, rows []Row, dataChange bool) (AddFile, error) {
	pqSchema, err := meta.Schema.ParquetSchema()
	if err != nil {
		return AddFile{}, err
	}
	stats := ComputeColumnStatistics(&meta.Schema, rows)
	filePath := path.Join(dir, storage.NewDataFileName())
	size, err := t.store.WriteParquet(filePath, pqSchema, rows)
	if err != nil {
		return AddFile{}, err
	}
	return AddFile{
		Path:             filePath,
		Size:             size,
		PartitionValues:  partitionValues,
		ModificationTime: time.Now().UnixMilli(),
		DataChange:       dataChange,
		Stats:            stats,
	}, nil
}

// Append writes rows as new data files (one per partition) and commits them
// as a single version. Returns the committed version.
func (t *Table) Append(ctx context.Context, rows []Row) (int64, error) {
	if len(rows) == 0 {
		return -1, fmt.Errorf("no rows to append")
	}
	snap, err := t.log.Snapshot(ctx, nil)
	if err != nil {
		return -1, err
	}
	meta := snap.Metadata
	normalized, err := t.normalizeRows(meta, rows)
	if err != nil {
		return -1, err
	}

	groups := make(map[string][]Row)
	partValues := make(map[string]map[string]string)
	for _, row := range normalized {
		dir, values := partitionKey(meta, row)
		groups[dir] = append(groups[dir], row)
		partValues[dir] = values
	}

	var actions []Action
	var bytesWritten int64
	for dir, group := range groups {
		add, err := t.writeDataFile(meta, dir, partValues[dir], group, true)
		if err != nil {
			return -1, err
		}
		bytesWritten += add.Size
		actions = append(actions, Action{Add: &add})
	}

	metrics := map[string]int64{
		"numFiles":       int64(len(actions)),
		"numOutputRows":  int64(len(normalized)),
		"numOutputBytes": bytesWritten,
	}
	version, err := t.log.Commit(ctx, snap.Version, actions, OpWrite, metrics)
	if err != nil {
		return -1, err
	}
	core.Infof(ctx, "appended %d rows in %d files at version %d", len(normalized), len(actions), version)
	return version, nil
}

// ScanMetrics reports how much work data skipping saved on a scan.
type ScanMetrics struct {
	FilesScanned int
	FilesSkipped int
	RowsReturned int64
}

// Scan returns the rows visible at the latest version that may satisfy the
// filter. Files are pruned with column statistics; rows are only filtered
// when the whole predicate is understood, otherwise every row of the
// surviving files is returned for the caller to filter downstream.
func (t *Table) Scan(ctx context.Context, filter string) ([]Row, *ScanMetrics, error) {
	snap, err := t.log.Snapshot(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return t.scanSnapshot(ctx, snap, ExtractPredicates(filter))
}

// ScanAt reads the table as of a past version.
func (t *Table) ScanAt(ctx context.Context, version int64, filter string) ([]Row, *ScanMetrics, error) {
	snap, err := t.log.Snapshot(ctx, &version)
	if err != nil {
		return nil, nil, err
	}
	return t.scanSnapshot(ctx, snap, ExtractPredicates(filter))
}

// HistoryEntry pairs a commit version with its recorded commit info.
type HistoryEntry struct {
	Version int64       `json:"version"`
	Info    *CommitInfo `json:"commitInfo,omitempty"`
}

// History lists the commit log, newest first.
func (t *Table) History(ctx context.Context) ([]HistoryEntry, error) {
	versions, err := t.log.Versions(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		actions, err := t.log.ReadCommit(ctx, versions[i])
		if err != nil {
			if errors.Is(err, ErrIncompleteCommit) {
				continue
			}
			return nil, err
		}
		entry := HistoryEntry{Version: versions[i]}
		for _, a := range actions {
			if a.CommitInfo != nil {
				entry.Info = a.CommitInfo
				break
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (t *Table) scanSnapshot(ctx context.Context, snap *Snapshot, pred *Predicate) ([]Row, *ScanMetrics, error) {
	metrics := &ScanMetrics{}
	filterRows := pred != nil && !pred.HasUnsupported()

	start := time.Now()
	var result []Row
	for _, file := range snap.LiveFiles() {
		if CanSkipFile(file.Stats, pred) {
			metrics.FilesSkipped++
			continue
		}
		metrics.FilesScanned++
		rows, err := t.store.ReadParquet(file.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", file.Path, err)
		}
		for _, row := range rows {
			if filterRows && !EvalRow(pred, row) {
				continue
			}
			result = append(result, row)
		}
	}
	metrics.RowsReturned = int64(len(result))
	core.Debugf(ctx, "scanned %d files (%d skipped), %d rows in %v",
		metrics.FilesScanned, metrics.FilesSkipped, metrics.RowsReturned, time.Since(start))
	return result, metrics, nil
}

package delta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/npiesco/fsdb/core"
)

// OptimizeOptions tunes a compaction run.
type OptimizeOptions struct {
	// TargetFileSize overrides the table default when positive.
	TargetFileSize int64
	// ZOrderColumns, when set, clusters rewritten rows by the interleaved-bit
	// key of these columns.
	ZOrderColumns []string
}

// OptimizeMetrics summarizes one optimize run.
type OptimizeMetrics struct {
	FilesAdded          int
	FilesRemoved        int
	PartitionsOptimized int
	FilesConsidered     int
	BytesCompacted      int64
}

const maintenanceRetries = 3

// OptimizeTable compacts small files (and optionally Z-order clusters them)
// into files near the target size, committed atomically with
// dataChange=false so change-tracking consumers can tell reshuffles from
// real mutations. Running it on an already compacted table commits nothing
// and returns empty metrics.
func (t *Table) OptimizeTable(ctx context.Context, opts OptimizeOptions) (*OptimizeMetrics, error) {
	for attempt := 0; attempt < maintenanceRetries; attempt++ {
		metrics, err := t.optimizeAttempt(ctx, opts)
		if err == nil {
			return metrics, nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrConcurrentModification) {
			core.Warnf(ctx, "optimize attempt %d conflicted, recomputing: %v", attempt+1, err)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: optimize after %d attempts", ErrConcurrentModification, maintenanceRetries)
}

// ZOrderTable is OptimizeTable with Z-order clustering on the given columns.
func (t *Table) ZOrderTable(ctx context.Context, columns []string, targetFileSize int64) (*OptimizeMetrics, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("zorder requires at least one column")
	}
	return t.OptimizeTable(ctx, OptimizeOptions{TargetFileSize: targetFileSize, ZOrderColumns: columns})
}

func partitionGroupKey(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + values[k]
	}
	return strings.Join(parts, "/")
}

func (t *Table) optimizeAttempt(ctx context.Context, opts OptimizeOptions) (*OptimizeMetrics, error) {
	snap, err := t.log.Snapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	meta := snap.Metadata
	target := opts.TargetFileSize
	if target <= 0 {
		target = t.opts.TargetFileSize
	}
	zorder := len(opts.ZOrderColumns) > 0
	if zorder {
		for _, col := range opts.ZOrderColumns {
			if _, ok := meta.Schema.Field(col); !ok {
				return nil, fmt.Errorf("zorder column %s not in schema", col)
			}
		}
	}

	metrics := &OptimizeMetrics{}

	partitions := make(map[string][]AddFile)
	for _, file := range snap.LiveFiles() {
		partitions[partitionGroupKey(file.PartitionValues)] = append(partitions[partitionGroupKey(file.PartitionValues)], file)
	}
	partKeys := make([]string, 0, len(partitions))
	for k := range partitions {
		partKeys = append(partKeys, k)
	}
	sort.Strings(partKeys)

	var actions []Action
	now := time.Now().UnixMilli()
	for _, pk := range partKeys {
		files := partitions[pk]
		metrics.FilesConsidered += len(files)

		var bins [][]AddFile
		if zorder {
			// Clustering rewrites the whole partition so ranges tighten
			// across every file, not just the small ones.
			if len(files) > 0 {
				bins = append(bins, files)
			}
		} else {
			bins = binPackBySize(files, target)
		}

		rewrote := false
		for _, bin := range bins {
			binActions, bytes, err := t.rewriteBin(meta, bin, target, opts.ZOrderColumns, now)
			if err != nil {
				return nil, err
			}
			if len(binActions) == 0 {
				continue
			}
			rewrote = true
			actions = append(actions, binActions...)
			metrics.BytesCompacted += bytes
			for _, a := range binActions {
				if a.Add != nil {
					metrics.FilesAdded++
				}
				if a.Remove != nil {
					metrics.FilesRemoved++
				}
			}
		}
		if rewrote {
			metrics.PartitionsOptimized++
		}
	}

	if len(actions) == 0 {
		core.Debugf(ctx, "optimize found nothing to rewrite")
		return metrics, nil
	}

	version, err := t.log.Commit(ctx, snap.Version, actions, OpOptimize, map[string]int64{
		"numFilesAdded":   int64(metrics.FilesAdded),
		"numFilesRemoved": int64(metrics.FilesRemoved),
	})
	if err != nil {
		return nil, err
	}
	core.Infof(ctx, "optimize rewrote %d files into %d at version %d",
		metrics.FilesRemoved, metrics.FilesAdded, version)
	return metrics, nil
}

// binPackBySize groups files below the target size into rewrite bins of at
// least two files, accumulating until a bin reaches the target.
func binPackBySize(files []AddFile, target int64) [][]AddFile {
	var small []AddFile
	for _, f := range files {
		if f.Size < target {
			small = append(small, f)
		}
	}
	sort.Slice(small, func(i, j int) bool { return small[i].Size < small[j].Size })

	var bins [][]AddFile
	var current []AddFile
	var currentSize int64
	for _, f := range small {
		current = append(current, f)
		currentSize += f.Size
		if currentSize >= target {
			bins = append(bins, current)
			current, currentSize = nil, 0
		}
	}
	if len(current) > 0 {
		bins = append(bins, current)
	}
	// A lone small file gains nothing from being rewritten alone.
	var out [][]AddFile
	for _, bin := range bins {
		if len(bin) >= 2 {
			out = append(out, bin)
		}
	}
	return out
}

func (t *Table) rewriteBin(meta *Metadata, bin []AddFile, target int64, zorderColumns []string, now int64) ([]Action, int64, error) {
	if len(bin) == 0 {
		return nil, 0, nil
	}
	var rows []Row
	var binBytes int64
	for _, f := range bin {
		fileRows, err := t.store.ReadParquet(f.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s: %w", f.Path, err)
		}
		rows = append(rows, fileRows...)
		binBytes += f.Size
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}
	if len(zorderColumns) > 0 {
		sortByZOrder(rows, zorderColumns)
	}

	bytesPerRow := binBytes / int64(len(rows))
	if bytesPerRow < 1 {
		bytesPerRow = 1
	}
	perFile := int(target / bytesPerRow)
	if perFile < 1 {
		perFile = 1
	}

	dir := path.Dir(bin[0].Path)
	if dir == "." {
		dir = ""
	}
	var actions []Action
	var written int64
	for start := 0; start < len(rows); start += perFile {
		end := start + perFile
		if end > len(rows) {
			end = len(rows)
		}
		add, err := t.writeDataFile(meta, dir, bin[0].PartitionValues, rows[start:end], false)
		if err != nil {
			return nil, 0, err
		}
		written += add.Size
		actions = append(actions, Action{Add: &add})
	}
	for _, f := range bin {
		actions = append(actions, Action{Remove: &RemoveFile{
			Path:              f.Path,
			DeletionTimestamp: now,
			DataChange:        false,
		}})
	}
	return actions, written, nil
}

// VacuumMetrics reports what a vacuum run deleted or would delete.
type VacuumMetrics struct {
	Deleted []string
	Skipped []string
	DryRun  bool
}

// VacuumTable physically deletes files whose tombstones have aged past the
// retention threshold and which no retained version still lists live.
func (t *Table) VacuumTable(ctx context.Context, retention time.Duration) (*VacuumMetrics, error) {
	return t.vacuum(ctx, retention, false)
}

// VacuumDryRun performs the identical analysis without deleting anything.
func (t *Table) VacuumDryRun(ctx context.Context, retention time.Duration) (*VacuumMetrics, error) {
	return t.vacuum(ctx, retention, true)
}

func (t *Table) vacuum(ctx context.Context, retention time.Duration, dryRun bool) (*VacuumMetrics, error) {
	if retention < 0 {
		return nil, fmt.Errorf("retention must not be negative")
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	latest, err := t.log.Snapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	versions, err := t.log.Versions(ctx)
	if err != nil {
		return nil, err
	}

	// Time travel past the retention window is unsupported: only versions
	// committed inside the window, plus the latest, protect files from
	// deletion.
	var retained []int64
	for _, v := range versions {
		actions, err := t.log.ReadCommit(ctx, v)
		if err != nil {
			if errors.Is(err, ErrIncompleteCommit) {
				continue
			}
			return nil, err
		}
		for _, a := range actions {
			if a.CommitInfo != nil && a.CommitInfo.Timestamp >= cutoff {
				retained = append(retained, v)
				break
			}
		}
	}
	if len(retained) == 0 || retained[len(retained)-1] != latest.Version {
		retained = append(retained, latest.Version)
	}

	candidates := make(map[string]bool)
	for _, tomb := range latest.Tombstones {
		if tomb.DeletionTimestamp <= cutoff {
			candidates[tomb.Path] = true
		}
	}

	// Orphans: physically present data files no version ever registered,
	// typically left behind by a writer that failed before its commit.
	tracked := make(map[string]bool)
	for p := range latest.Files {
		tracked[p] = true
	}
	for _, tomb := range latest.Tombstones {
		tracked[tomb.Path] = true
	}
	err = t.store.Walk("", func(relPath string, info os.FileInfo) error {
		if strings.HasPrefix(relPath, LogDir+"/") || relPath == LogDir {
			return nil
		}
		if !strings.HasSuffix(relPath, ".parquet") {
			return nil
		}
		if !tracked[relPath] && info.ModTime().UnixMilli() <= cutoff {
			candidates[relPath] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan data directory: %w", err)
	}

	metrics := &VacuumMetrics{DryRun: dryRun}
	paths := make([]string, 0, len(candidates))
	for p := range candidates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		exists, err := t.store.Exists(p)
		if err != nil {
			core.Warnf(ctx, "vacuum cannot verify %s, skipping: %v", p, err)
			metrics.Skipped = append(metrics.Skipped, p)
			continue
		}
		if !exists {
			// Already deleted by an earlier run; the tombstone just has
			// not aged out of the snapshot yet.
			continue
		}
		live, err := t.liveInRetained(ctx, p, retained)
		if err != nil {
			// Fail safe: an unverifiable file is skipped, never deleted.
			core.Warnf(ctx, "vacuum cannot verify %s, skipping: %v", p, err)
			metrics.Skipped = append(metrics.Skipped, p)
			continue
		}
		if live {
			metrics.Skipped = append(metrics.Skipped, p)
			continue
		}
		if !dryRun {
			if err := t.store.Remove(p); err != nil && !os.IsNotExist(err) {
				core.Warnf(ctx, "vacuum failed to delete %s: %v", p, err)
				metrics.Skipped = append(metrics.Skipped, p)
				continue
			}
		}
		metrics.Deleted = append(metrics.Deleted, p)
	}

	core.Infof(ctx, "vacuum (dryRun=%v) deleted %d files, skipped %d",
		dryRun, len(metrics.Deleted), len(metrics.Skipped))
	return metrics, nil
}

func (t *Table) liveInRetained(ctx context.Context, path string, retained []int64) (bool, error) {
	for _, v := range retained {
		version := v
		snap, err := t.log.Snapshot(ctx, &version)
		if err != nil {
			return false, err
		}
		if snap.Contains(path) {
			return true, nil
		}
	}
	return false, nil
}

// DeleteMetrics summarizes a delete-where run.
type DeleteMetrics struct {
	RowsDeleted  int64
	RowsCopied   int64
	FilesAdded   int
	FilesRemoved int
}

// DeleteRowsWhere removes every row satisfying the filter as one atomic
// commit, rewriting only the files that actually contain matching rows.
// An empty filter deletes all rows.
func (t *Table) DeleteRowsWhere(ctx context.Context, filter string) (*DeleteMetrics, error) {
	pred := ExtractPredicates(filter)
	if pred.HasUnsupported() {
		return nil, fmt.Errorf("unsupported delete filter %q", filter)
	}
	deleteAll := strings.TrimSpace(filter) == ""

	for attempt := 0; attempt < maintenanceRetries; attempt++ {
		metrics, err := t.deleteAttempt(ctx, pred, deleteAll)
		if err == nil {
			return metrics, nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrConcurrentModification) {
			core.Warnf(ctx, "delete attempt %d conflicted, recomputing: %v", attempt+1, err)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: delete after %d attempts", ErrConcurrentModification, maintenanceRetries)
}

func (t *Table) deleteAttempt(ctx context.Context, pred *Predicate, deleteAll bool) (*DeleteMetrics, error) {
	snap, err := t.log.Snapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	meta := snap.Metadata
	metrics := &DeleteMetrics{}
	now := time.Now().UnixMilli()

	var actions []Action
	for _, file := range snap.LiveFiles() {
		if !deleteAll && CanSkipFile(file.Stats, pred) {
			continue
		}
		rows, err := t.store.ReadParquet(file.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Path, err)
		}
		kept := make([]Row, 0, len(rows))
		for _, row := range rows {
			if deleteAll || EvalRow(pred, row) {
				metrics.RowsDeleted++
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == len(rows) {
			continue // nothing matched, leave the file untouched
		}
		actions = append(actions, Action{Remove: &RemoveFile{
			Path:              file.Path,
			DeletionTimestamp: now,
			DataChange:        true,
		}})
		metrics.FilesRemoved++
		if len(kept) > 0 {
			dir := path.Dir(file.Path)
			if dir == "." {
				dir = ""
			}
			add, err := t.writeDataFile(meta, dir, file.PartitionValues, kept, true)
			if err != nil {
				return nil, err
			}
			metrics.FilesAdded++
			metrics.RowsCopied += int64(len(kept))
			actions = append(actions, Action{Add: &add})
		}
	}

	if len(actions) == 0 {
		return metrics, nil
	}
	if _, err := t.log.Commit(ctx, snap.Version, actions, OpDelete, map[string]int64{
		"numDeletedRows":  metrics.RowsDeleted,
		"numAddedFiles":   int64(metrics.FilesAdded),
		"numRemovedFiles": int64(metrics.FilesRemoved),
	}); err != nil {
		return nil, err
	}
	return metrics, nil
}

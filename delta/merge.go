package delta

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/npiesco/fsdb/core"
)

// MergeValue is the right-hand side of an update or insert assignment:
// either a source column reference or a literal.
type MergeValue struct {
	SourceColumn string
	Literal      interface{}
}

// FromSource references a source column.
func FromSource(column string) MergeValue {
	return MergeValue{SourceColumn: column}
}

// Lit wraps a literal value.
func Lit(value interface{}) MergeValue {
	return MergeValue{Literal: value}
}

// MatchedUpdateClause updates target rows matched by the join. Conditions
// see target columns by name and source columns as "source.<name>".
type MatchedUpdateClause struct {
	Condition *Predicate
	Updates   map[string]MergeValue
}

// MatchedDeleteClause deletes target rows matched by the join.
type MatchedDeleteClause struct {
	Condition *Predicate
}

// NotMatchedInsertClause inserts source rows with no target match. An empty
// Values map inserts the source row projected onto the target schema.
type NotMatchedInsertClause struct {
	Condition *Predicate
	Values    map[string]MergeValue
}

// matchedClause is the closed variant evaluated in declaration order.
type matchedClause struct {
	update *MatchedUpdateClause
	del    *MatchedDeleteClause
}

// MergeMetrics summarizes one executed merge.
type MergeMetrics struct {
	RowsUpdated  int64
	RowsDeleted  int64
	RowsInserted int64
	RowsCopied   int64
	FilesAdded   int
	FilesRemoved int
	BytesWritten int64
	Duration     time.Duration
}

// MergeBuilder accumulates a join condition and matched/not-matched clauses,
// then applies them as a single atomic commit.
type MergeBuilder struct {
	table       *Table
	source      []Row
	joinColumns []string
	matched     []matchedClause
	notMatched  []NotMatchedInsertClause
	maxRetries  int
}

// Merge starts a merge of the source row set into the table, joined by
// equality on the given columns.
func (t *Table) Merge(source []Row, joinColumns ...string) *MergeBuilder {
	return &MergeBuilder{
		table:       t,
		source:      source,
		joinColumns: joinColumns,
		maxRetries:  3,
	}
}

// WhenMatchedUpdate appends an update clause; clauses apply in declaration
// order, first satisfied condition wins.
func (b *MergeBuilder) WhenMatchedUpdate(clause MatchedUpdateClause) *MergeBuilder {
	b.matched = append(b.matched, matchedClause{update: &clause})
	return b
}

// WhenMatchedDelete appends a delete clause.
func (b *MergeBuilder) WhenMatchedDelete(clause MatchedDeleteClause) *MergeBuilder {
	b.matched = append(b.matched, matchedClause{del: &clause})
	return b
}

// WhenNotMatchedInsert appends an insert clause for unmatched source rows.
func (b *MergeBuilder) WhenNotMatchedInsert(clause NotMatchedInsertClause) *MergeBuilder {
	b.notMatched = append(b.notMatched, clause)
	return b
}

// WithMaxRetries bounds how often the merge recomputes after losing to a
// concurrent writer.
func (b *MergeBuilder) WithMaxRetries(n int) *MergeBuilder {
	if n > 0 {
		b.maxRetries = n
	}
	return b
}

const joinKeySep = "\x1f"

func (b *MergeBuilder) joinKey(row Row) (string, bool) {
	parts := make([]string, len(b.joinColumns))
	for i, col := range b.joinColumns {
		v, ok := row[col]
		if !ok || v == nil {
			return "", false
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, joinKeySep), true
}

// joinPredicate bounds the join keys so data skipping can exclude target
// files that provably contain no matchable row.
func (b *MergeBuilder) joinPredicate() *Predicate {
	var conjuncts []*Predicate
	for _, col := range b.joinColumns {
		var min, max interface{}
		for _, src := range b.source {
			v := src[col]
			if v == nil {
				continue
			}
			if min == nil || CompareValues(v, min) < 0 {
				min = v
			}
			if max == nil || CompareValues(v, max) > 0 {
				max = v
			}
		}
		if min == nil {
			continue
		}
		conjuncts = append(conjuncts, Compare(col, OpGe, min), Compare(col, OpLe, max))
	}
	if len(conjuncts) == 0 {
		return nil
	}
	return And(conjuncts...)
}

// mergedView exposes target columns by name and source columns with a
// "source." prefix for clause conditions.
func mergedView(target, source Row) Row {
	view := make(Row, len(target)+len(source))
	for k, v := range target {
		view[k] = v
	}
	for k, v := range source {
		view["source."+k] = v
	}
	return view
}

func (b *MergeBuilder) resolveValue(meta *Metadata, field SchemaField, mv MergeValue, source Row) (interface{}, error) {
	if mv.SourceColumn != "" {
		return NormalizeValue(field.Type, source[mv.SourceColumn])
	}
	return NormalizeValue(field.Type, mv.Literal)
}

func (b *MergeBuilder) applyUpdates(meta *Metadata, target, source Row, updates map[string]MergeValue) (Row, error) {
	out := make(Row, len(target))
	for k, v := range target {
		out[k] = v
	}
	for col, mv := range updates {
		field, ok := meta.Schema.Field(col)
		if !ok {
			return nil, fmt.Errorf("update targets unknown column %s", col)
		}
		value, err := b.resolveValue(meta, field, mv, source)
		if err != nil {
			return nil, err
		}
		out[col] = value
	}
	return out, nil
}

func rowsEqual(schema *Schema, a, b Row) bool {
	for _, f := range schema.Fields {
		av, bv := a[f.Name], b[f.Name]
		if (av == nil) != (bv == nil) {
			return false
		}
		if av == nil {
			continue
		}
		if CompareValues(av, bv) != 0 {
			return false
		}
	}
	return true
}

// Execute runs the merge. Either the whole merge is visible at the new
// version or none of it is; on conflict with concurrent writers the merge
// recomputes from the latest snapshot up to the retry bound.
func (b *MergeBuilder) Execute(ctx context.Context) (*MergeMetrics, error) {
	if len(b.joinColumns) == 0 {
		return nil, fmt.Errorf("merge requires at least one join column")
	}
	if len(b.matched) == 0 && len(b.notMatched) == 0 {
		return nil, fmt.Errorf("merge requires at least one clause")
	}

	start := time.Now()
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		metrics, err := b.attempt(ctx)
		if err == nil {
			metrics.Duration = time.Since(start)
			return metrics, nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrConcurrentModification) {
			core.Warnf(ctx, "merge attempt %d conflicted, recomputing: %v", attempt+1, err)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: after %d attempts", ErrMergeConflict, b.maxRetries)
}

func (b *MergeBuilder) attempt(ctx context.Context) (*MergeMetrics, error) {
	snap, err := b.table.Snapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	meta := snap.Metadata
	metrics := &MergeMetrics{}

	// Normalize source values for columns the target schema knows about;
	// extra source columns ride along untouched for clause conditions.
	source := make([]Row, len(b.source))
	for i, src := range b.source {
		normalized := make(Row, len(src))
		for k, v := range src {
			if field, ok := meta.Schema.Field(k); ok {
				nv, err := NormalizeValue(field.Type, v)
				if err != nil {
					return nil, fmt.Errorf("source row %d: %w", i, err)
				}
				normalized[k] = nv
			} else {
				normalized[k] = v
			}
		}
		source[i] = normalized
	}

	index := make(map[string]Row, len(source))
	for i, src := range source {
		key, ok := b.joinKey(src)
		if !ok {
			continue // null join key never matches; handled as not-matched
		}
		if _, dup := index[key]; dup {
			return nil, fmt.Errorf("source row %d duplicates join key %q", i, key)
		}
		index[key] = src
	}

	joinPred := b.joinPredicate()
	matchedKeys := make(map[string]bool)
	var actions []Action
	now := time.Now().UnixMilli()

	for _, file := range snap.LiveFiles() {
		if CanSkipFile(file.Stats, joinPred) {
			continue
		}
		rows, err := b.table.store.ReadParquet(file.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Path, err)
		}

		changed := false
		updatedInFile := int64(0)
		kept := make([]Row, 0, len(rows))
		for _, row := range rows {
			key, ok := b.joinKey(row)
			src, hit := index[key]
			if !ok || !hit {
				kept = append(kept, row)
				continue
			}
			matchedKeys[key] = true
			clause, found := b.firstMatchedClause(row, src)
			if !found {
				kept = append(kept, row)
				continue
			}
			if clause.del != nil {
				changed = true
				metrics.RowsDeleted++
				continue
			}
			updated, err := b.applyUpdates(meta, row, src, clause.update.Updates)
			if err != nil {
				return nil, err
			}
			// An update that reproduces the row verbatim is a copy, not
			// an update.
			if !rowsEqual(&meta.Schema, row, updated) {
				changed = true
				updatedInFile++
			}
			kept = append(kept, updated)
		}

		if !changed {
			continue
		}
		metrics.RowsUpdated += updatedInFile
		metrics.RowsCopied += int64(len(kept)) - updatedInFile
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
			add, err := b.table.writeDataFile(meta, dir, file.PartitionValues, kept, true)
			if err != nil {
				return nil, err
			}
			metrics.FilesAdded++
			metrics.BytesWritten += add.Size
			actions = append(actions, Action{Add: &add})
		}
	}

	insertActions, inserted, insertedBytes, err := b.buildInserts(snap, meta, index, matchedKeys)
	if err != nil {
		return nil, err
	}
	actions = append(actions, insertActions...)
	metrics.RowsInserted = inserted
	metrics.FilesAdded += len(insertActions)
	metrics.BytesWritten += insertedBytes

	if len(actions) == 0 {
		return metrics, nil
	}

	_, err = b.table.log.Commit(ctx, snap.Version, actions, OpMerge, map[string]int64{
		"numTargetRowsUpdated":  metrics.RowsUpdated,
		"numTargetRowsDeleted":  metrics.RowsDeleted,
		"numTargetRowsInserted": metrics.RowsInserted,
		"numTargetFilesAdded":   int64(metrics.FilesAdded),
		"numTargetFilesRemoved": int64(metrics.FilesRemoved),
	})
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func (b *MergeBuilder) firstMatchedClause(target, source Row) (matchedClause, bool) {
	view := mergedView(target, source)
	for _, clause := range b.matched {
		cond := clause.condition()
		if cond == nil || EvalRow(cond, view) {
			return clause, true
		}
	}
	return matchedClause{}, false
}

func (c matchedClause) condition() *Predicate {
	if c.update != nil {
		return c.update.Condition
	}
	return c.del.Condition
}

func (b *MergeBuilder) buildInserts(snap *Snapshot, meta *Metadata, index map[string]Row, matchedKeys map[string]bool) ([]Action, int64, int64, error) {
	if len(b.notMatched) == 0 {
		return nil, 0, 0, nil
	}

	keys := make([]string, 0, len(index))
	for key := range index {
		if !matchedKeys[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var inserts []Row
	for _, key := range keys {
		src := index[key]
		for _, clause := range b.notMatched {
			// Insert conditions see source columns both bare and prefixed.
			if clause.Condition != nil && !EvalRow(clause.Condition, mergedView(src, src)) {
				continue
			}
			row, err := b.insertRow(meta, src, clause)
			if err != nil {
				return nil, 0, 0, err
			}
			inserts = append(inserts, row)
			break
		}
	}
	if len(inserts) == 0 {
		return nil, 0, 0, nil
	}

	var actions []Action
	var bytes int64
	for _, batch := range b.batchRows(snap, inserts) {
		groups := make(map[string][]Row)
		values := make(map[string]map[string]string)
		for _, row := range batch {
			dir, pv := partitionKey(meta, row)
			groups[dir] = append(groups[dir], row)
			values[dir] = pv
		}
		for dir, group := range groups {
			add, err := b.table.writeDataFile(meta, dir, values[dir], group, true)
			if err != nil {
				return nil, 0, 0, err
			}
			bytes += add.Size
			actions = append(actions, Action{Add: &add})
		}
	}
	return actions, int64(len(inserts)), bytes, nil
}

func (b *MergeBuilder) insertRow(meta *Metadata, source Row, clause NotMatchedInsertClause) (Row, error) {
	row := make(Row, len(meta.Schema.Fields))
	for _, f := range meta.Schema.Fields {
		var value interface{}
		var err error
		if mv, ok := clause.Values[f.Name]; ok {
			value, err = b.resolveValue(meta, f, mv, source)
		} else if len(clause.Values) == 0 {
			value, err = NormalizeValue(f.Type, source[f.Name])
		}
		if err != nil {
			return nil, err
		}
		if value == nil && !f.Nullable {
			return nil, fmt.Errorf("insert leaves non-nullable column %s null", f.Name)
		}
		row[f.Name] = value
	}
	return row, nil
}

// batchRows splits insert rows so each output file lands near the target
// file size, estimated from the table's observed bytes per row.
func (b *MergeBuilder) batchRows(snap *Snapshot, rows []Row) [][]Row {
	bytesPerRow := int64(128)
	if snap.TotalRows() > 0 {
		if observed := snap.TotalSize() / snap.TotalRows(); observed > 0 {
			bytesPerRow = observed
		}
	}
	perFile := b.table.opts.TargetFileSize / bytesPerRow
	if perFile < 1 {
		perFile = 1
	}
	var batches [][]Row
	for start := 0; start < len(rows); start += int(perFile) {
		end := start + int(perFile)
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[start:end])
	}
	return batches
}

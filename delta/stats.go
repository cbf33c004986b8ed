package delta

import (
	"github.com/parquet-go/parquet-go"

	"github.com/npiesco/fsdb/storage"
)

// ColumnStats carries the exact per-column extremes of one data file. Values
// are observed at write time, never estimated, so data skipping can trust
// them unconditionally.
type ColumnStats struct {
	NumRecords int64                  `json:"numRecords"`
	MinValues  map[string]interface{} `json:"minValues,omitempty"`
	MaxValues  map[string]interface{} `json:"maxValues,omitempty"`
	NullCount  map[string]int64       `json:"nullCount,omitempty"`
}

// ComputeColumnStatistics scans rows once and returns exact
// min/max/null-count per schema column.
func ComputeColumnStatistics(schema *Schema, rows []map[string]interface{}) *ColumnStats {
	stats := &ColumnStats{
		NumRecords: int64(len(rows)),
		MinValues:  make(map[string]interface{}),
		MaxValues:  make(map[string]interface{}),
		NullCount:  make(map[string]int64),
	}
	cols := statColumns(schema, rows)
	for _, col := range cols {
		stats.NullCount[col] = 0
	}
	for _, row := range rows {
		for _, col := range cols {
			value, ok := row[col]
			if !ok || value == nil {
				stats.NullCount[col]++
				continue
			}
			if cur, ok := stats.MinValues[col]; !ok || CompareValues(value, cur) < 0 {
				stats.MinValues[col] = value
			}
			if cur, ok := stats.MaxValues[col]; !ok || CompareValues(value, cur) > 0 {
				stats.MaxValues[col] = value
			}
		}
	}
	return stats
}

func statColumns(schema *Schema, rows []map[string]interface{}) []string {
	if schema != nil {
		return schema.ColumnNames()
	}
	seen := make(map[string]bool)
	var names []string
	for _, row := range rows {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				names = append(names, col)
			}
		}
	}
	return names
}

// Min returns the minimum non-null value of a column, or nil when the column
// holds no non-null values in this file.
func (s *ColumnStats) Min(column string) interface{} {
	if s == nil || s.MinValues == nil {
		return nil
	}
	return s.MinValues[column]
}

// Max is the counterpart of Min.
func (s *ColumnStats) Max(column string) interface{} {
	if s == nil || s.MaxValues == nil {
		return nil
	}
	return s.MaxValues[column]
}

// Nulls returns the null count of a column. Unknown columns count as fully
// null, which keeps skip decisions conservative.
func (s *ColumnStats) Nulls(column string) (int64, bool) {
	if s == nil || s.NullCount == nil {
		return 0, false
	}
	n, ok := s.NullCount[column]
	return n, ok
}

// StatsFromParquetFooter rebuilds column statistics from parquet row-group
// metadata. Used to cross-check write-time stats and to register externally
// produced files.
func StatsFromParquetFooter(pf *parquet.File) *ColumnStats {
	stats := &ColumnStats{
		MinValues: make(map[string]interface{}),
		MaxValues: make(map[string]interface{}),
		NullCount: make(map[string]int64),
	}
	fields := pf.Schema().Fields()
	for _, rg := range pf.RowGroups() {
		stats.NumRecords += rg.NumRows()
		for idx, chunk := range rg.ColumnChunks() {
			if idx >= len(fields) {
				continue
			}
			name := fields[idx].Name()
			fileChunk, ok := chunk.(*parquet.FileColumnChunk)
			if !ok {
				continue
			}
			stats.NullCount[name] += fileChunk.NullCount()
			min, max, hasBounds := fileChunk.Bounds()
			if !hasBounds {
				continue
			}
			minVal := storage.ValueToInterface(min)
			maxVal := storage.ValueToInterface(max)
			if cur, ok := stats.MinValues[name]; !ok || CompareValues(minVal, cur) < 0 {
				stats.MinValues[name] = minVal
			}
			if cur, ok := stats.MaxValues[name]; !ok || CompareValues(maxVal, cur) > 0 {
				stats.MaxValues[name] = maxVal
			}
		}
	}
	return stats
}

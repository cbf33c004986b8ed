package delta

import (
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npiesco/fsdb/storage"
)

func TestComputeColumnStatistics(t *testing.T) {
	schema := &Schema{Fields: []SchemaField{
		{Name: "id", Type: TypeLong, Nullable: true},
		{Name: "name", Type: TypeString, Nullable: true},
		{Name: "score", Type: TypeDouble, Nullable: true},
	}}

	rows := []map[string]interface{}{
		{"id": int64(3), "name": "cherry", "score": 0.5},
		{"id": int64(1), "name": "apple", "score": nil},
		{"id": int64(2), "name": "banana", "score": 2.5},
	}

	stats := ComputeColumnStatistics(schema, rows)

	assert.Equal(t, int64(3), stats.NumRecords)
	assert.Equal(t, int64(1), stats.Min("id"))
	assert.Equal(t, int64(3), stats.Max("id"))
	assert.Equal(t, "apple", stats.Min("name"))
	assert.Equal(t, "cherry", stats.Max("name"))
	assert.Equal(t, 0.5, stats.Min("score"))
	assert.Equal(t, 2.5, stats.Max("score"))

	nulls, ok := stats.Nulls("score")
	require.True(t, ok)
	assert.Equal(t, int64(1), nulls)

	nulls, ok = stats.Nulls("id")
	require.True(t, ok)
	assert.Equal(t, int64(0), nulls)
}

func TestComputeColumnStatisticsAllNull(t *testing.T) {
	schema := &Schema{Fields: []SchemaField{
		{Name: "id", Type: TypeLong, Nullable: true},
	}}
	rows := []map[string]interface{}{{"id": nil}, {"id": nil}}

	stats := ComputeColumnStatistics(schema, rows)

	assert.Equal(t, int64(2), stats.NumRecords)
	assert.Nil(t, stats.Min("id"))
	assert.Nil(t, stats.Max("id"))
	nulls, ok := stats.Nulls("id")
	require.True(t, ok)
	assert.Equal(t, int64(2), nulls)
}

func TestComputeColumnStatisticsEmpty(t *testing.T) {
	stats := ComputeColumnStatistics(nil, nil)
	assert.Equal(t, int64(0), stats.NumRecords)
	assert.Nil(t, stats.Min("anything"))
}

func TestComputeColumnStatisticsWithoutSchema(t *testing.T) {
	rows := []map[string]interface{}{
		{"a": int64(1)},
		{"a": int64(5), "b": "x"},
	}
	stats := ComputeColumnStatistics(nil, rows)

	assert.Equal(t, int64(1), stats.Min("a"))
	assert.Equal(t, int64(5), stats.Max("a"))
	nulls, ok := stats.Nulls("b")
	require.True(t, ok)
	assert.Equal(t, int64(1), nulls)
}

func TestStatsJSONRoundTripKeepsSkipDecisions(t *testing.T) {
	// Stats travel through the commit log as JSON, where int64 becomes
	// float64. Skip decisions must not change across that boundary.
	schema := &Schema{Fields: []SchemaField{{Name: "id", Type: TypeLong, Nullable: true}}}
	rows := []map[string]interface{}{{"id": int64(10)}, {"id": int64(20)}}
	stats := ComputeColumnStatistics(schema, rows)

	actions := []Action{
		{Add: &AddFile{Path: "a.parquet", Size: 1, Stats: stats}},
		{CommitInfo: &CommitInfo{Timestamp: 1, Operation: OpWrite}},
	}
	payload, err := encodeActions(actions)
	require.NoError(t, err)
	decoded, err := decodeCommit(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	got := decoded[0].Add.Stats
	assert.True(t, CanSkipFile(got, ExtractPredicates("id > 20")))
	assert.False(t, CanSkipFile(got, ExtractPredicates("id = 15")))
	assert.True(t, CanSkipFile(got, ExtractPredicates("id < 10")))
}

func TestStatsFromParquetFooterMatchesWriteTimeStats(t *testing.T) {
	store := storage.NewStore(afero.NewMemMapFs(), "/data/events")
	pqSchema := parquet.NewSchema("events", parquet.Group{
		"id":    parquet.Optional(parquet.Leaf(parquet.Int64Type)),
		"name":  parquet.Optional(parquet.String()),
		"value": parquet.Optional(parquet.Leaf(parquet.DoubleType)),
	})
	rows := []map[string]interface{}{
		{"id": int64(3), "name": "pear", "value": 1.5},
		{"id": int64(1), "name": "apple", "value": nil},
		{"id": int64(7), "name": nil, "value": -2.0},
	}
	_, err := store.WriteParquet("stats.parquet", pqSchema, rows)
	require.NoError(t, err)

	pf, closeFile, err := store.OpenParquet("stats.parquet")
	require.NoError(t, err)
	defer closeFile()

	got := StatsFromParquetFooter(pf)
	want := ComputeColumnStatistics(nil, rows)

	assert.Equal(t, want.NumRecords, got.NumRecords)
	for _, col := range []string{"id", "name", "value"} {
		assert.Equal(t, want.MinValues[col], got.MinValues[col], "min %s", col)
		assert.Equal(t, want.MaxValues[col], got.MaxValues[col], "max %s", col)
		assert.Equal(t, want.NullCount[col], got.NullCount[col], "nulls %s", col)
	}
}

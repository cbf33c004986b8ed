package storage

import (
	"os"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *parquet.Schema {
	return parquet.NewSchema("test", parquet.Group{
		"id":    parquet.Optional(parquet.Leaf(parquet.Int64Type)),
		"name":  parquet.Optional(parquet.String()),
		"value": parquet.Optional(parquet.Leaf(parquet.DoubleType)),
	})
}

func TestWriteReadParquet(t *testing.T) {
	tests := []struct {
		name string
		rows []map[string]interface{}
	}{
		{
			name: "Simple rows",
			rows: []map[string]interface{}{
				{"id": int64(1), "name": "alpha", "value": 1.5},
				{"id": int64(2), "name": "beta", "value": 2.5},
			},
		},
		{
			name: "Rows with nulls",
			rows: []map[string]interface{}{
				{"id": int64(1), "name": nil, "value": nil},
				{"id": nil, "name": "beta", "value": 2.5},
			},
		},
		{
			name: "Single row",
			rows: []map[string]interface{}{
				{"id": int64(42), "name": "only", "value": 0.0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(afero.NewMemMapFs(), "/data/test")

			size, err := store.WriteParquet("file.parquet", testSchema(), tt.rows)
			require.NoError(t, err)
			assert.Greater(t, size, int64(0))

			got, err := store.ReadParquet("file.parquet")
			require.NoError(t, err)
			require.Len(t, got, len(tt.rows))

			for i, want := range tt.rows {
				for col, val := range want {
					if val == nil {
						assert.Nil(t, got[i][col], "row %d column %s", i, col)
					} else {
						assert.Equal(t, val, got[i][col], "row %d column %s", i, col)
					}
				}
			}
		})
	}
}

func TestWriteParquetRefusesOverwrite(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/data/test")
	rows := []map[string]interface{}{{"id": int64(1), "name": "a", "value": 1.0}}

	_, err := store.WriteParquet("file.parquet", testSchema(), rows)
	require.NoError(t, err)

	_, err = store.WriteParquet("file.parquet", testSchema(), rows)
	assert.Error(t, err)
}

func TestCreateExclusive(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/data/test")

	f, err := store.CreateExclusive("_delta_log/00000000000000000000.json")
	require.NoError(t, err)
	_, err = f.Write([]byte("{}\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = store.CreateExclusive("_delta_log/00000000000000000000.json")
	require.Error(t, err)
	assert.True(t, os.IsExist(err), "want exists error, got %v", err)
}

func TestList(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/data/test")

	names, err := store.List("_delta_log")
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, name := range []string{"b.json", "a.json", "c.json"} {
		f, err := store.CreateExclusive("_delta_log/" + name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	names, err = store.List("_delta_log")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json", "c.json"}, names)
}

func TestWalk(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/data/test")
	rows := []map[string]interface{}{{"id": int64(1), "name": "a", "value": 1.0}}

	_, err := store.WriteParquet("region=eu/file1.parquet", testSchema(), rows)
	require.NoError(t, err)
	_, err = store.WriteParquet("file2.parquet", testSchema(), rows)
	require.NoError(t, err)

	var seen []string
	err = store.Walk("", func(relPath string, info os.FileInfo) error {
		seen = append(seen, relPath)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"region=eu/file1.parquet", "file2.parquet"}, seen)
}

func TestNewDataFileName(t *testing.T) {
	a := NewDataFileName()
	b := NewDataFileName()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "part-")
	assert.Contains(t, a, ".parquet")
}

package querier

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npiesco/fsdb/delta"
)

func testSchema() delta.Schema {
	return delta.Schema{Fields: []delta.SchemaField{
		{Name: "id", Type: delta.TypeLong, Nullable: true},
		{Name: "name", Type: delta.TypeString, Nullable: true},
		{Name: "time", Type: delta.TypeTimestamp, Nullable: true},
	}}
}

func TestProcessResultsForJSON(t *testing.T) {
	rows := []delta.Row{
		{"id": int64(42), "name": "alpha", "time": int64(1704067200000000000)},
		{"id": nil, "name": nil, "time": nil},
	}

	got := ProcessResultsForJSON(testSchema(), rows)
	require.Len(t, got, 2)

	assert.Equal(t, "42", got[0]["id"], "int64 travels as a string")
	assert.Equal(t, "alpha", got[0]["name"])
	assert.Equal(t, "2024-01-01T00:00:00Z", got[0]["time"])

	assert.Nil(t, got[1]["id"])
	assert.Nil(t, got[1]["time"])
}

func TestJSONFormatter(t *testing.T) {
	rows := []delta.Row{{"id": int64(1), "name": "a", "time": nil}}

	var buf bytes.Buffer
	require.NoError(t, JSONFormatter(testSchema(), rows, &buf))

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "1", resp.Results[0]["id"])
}

func TestNDJSONFormatter(t *testing.T) {
	rows := []delta.Row{
		{"id": int64(1), "name": "a", "time": nil},
		{"id": int64(2), "name": "b", "time": nil},
	}

	var buf bytes.Buffer
	require.NoError(t, NDJSONFormatter(testSchema(), rows, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for i, line := range lines {
		var row map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &row), "line %d", i)
	}
}

func TestFormatFallsBackToJSON(t *testing.T) {
	rows := []delta.Row{{"id": int64(1), "name": "a", "time": nil}}

	var buf bytes.Buffer
	require.NoError(t, Format("csv", testSchema(), rows, &buf))

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Len(t, resp.Results, 1)
}

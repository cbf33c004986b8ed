package querier

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/npiesco/fsdb/delta"
)

// QueryResponse is the envelope used by the json output format.
type QueryResponse struct {
	Results []map[string]interface{} `json:"results"`
}

type formatterFn func(schema delta.Schema, rows []delta.Row, w io.Writer) error

var formatters = map[string]formatterFn{
	"json":   JSONFormatter,
	"ndjson": NDJSONFormatter,
}

// Format renders scan results in the named output format. Unknown formats
// fall back to json.
func Format(format string, schema delta.Schema, rows []delta.Row, w io.Writer) error {
	fn, ok := formatters[format]
	if !ok {
		fn = formatters["json"]
	}
	return fn(schema, rows, w)
}

func JSONFormatter(schema delta.Schema, rows []delta.Row, w io.Writer) error {
	processed := ProcessResultsForJSON(schema, rows)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(QueryResponse{
		Results: processed,
	})
}

func NDJSONFormatter(schema delta.Schema, rows []delta.Row, w io.Writer) error {
	processed := ProcessResultsForJSON(schema, rows)

	enc := json.NewEncoder(w)
	for _, row := range processed {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// ProcessResultsForJSON prepares results for JSON serialization. Timestamp
// columns are stored as nanoseconds since epoch and render as RFC3339; other
// int64 values are converted to strings so large values survive JSON
// round-trips.
func ProcessResultsForJSON(schema delta.Schema, results []delta.Row) []map[string]interface{} {
	timestampCols := make(map[string]bool)
	for _, f := range schema.Fields {
		if f.Type == delta.TypeTimestamp {
			timestampCols[f.Name] = true
		}
	}

	processedResults := make([]map[string]interface{}, len(results))

	for i, row := range results {
		processedRow := make(map[string]interface{})

		for key, value := range row {
			switch v := value.(type) {
			case nil:
				processedRow[key] = nil
			case int64:
				if timestampCols[key] {
					processedRow[key] = time.Unix(0, v).UTC().Format(time.RFC3339Nano)
				} else {
					processedRow[key] = strconv.FormatInt(v, 10)
				}
			case time.Time:
				processedRow[key] = v.UTC().Format(time.RFC3339Nano)
			default:
				processedRow[key] = v
			}
		}

		processedResults[i] = processedRow
	}

	return processedResults
}

package delta

import (
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Supported column types.
const (
	TypeString    = "string"
	TypeLong      = "long"
	TypeDouble    = "double"
	TypeBoolean   = "boolean"
	TypeTimestamp = "timestamp" // int64 nanoseconds since epoch
)

// SchemaField describes one column of the table schema.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Schema is the table schema recorded in the metadata action.
type Schema struct {
	Fields []SchemaField `json:"fields"`
}

// Field returns the field with the given name, if present.
func (s *Schema) Field(name string) (SchemaField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemaField{}, false
}

// ColumnNames returns the schema's column names in declaration order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// ParquetSchema builds the parquet schema used for data files.
func (s *Schema) ParquetSchema() (*parquet.Schema, error) {
	group := make(parquet.Group, len(s.Fields))
	for _, f := range s.Fields {
		node, err := parquetNode(f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		if f.Nullable {
			node = parquet.Optional(node)
		}
		group[f.Name] = node
	}
	return parquet.NewSchema("row", group), nil
}

func parquetNode(columnType string) (parquet.Node, error) {
	switch columnType {
	case TypeString:
		return parquet.String(), nil
	case TypeLong, TypeTimestamp:
		return parquet.Leaf(parquet.Int64Type), nil
	case TypeDouble:
		return parquet.Leaf(parquet.DoubleType), nil
	case TypeBoolean:
		return parquet.Leaf(parquet.BooleanType), nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", columnType)
	}
}

// NormalizeValue coerces a caller-supplied value to the canonical in-memory
// representation for the column type.
func NormalizeValue(columnType string, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch columnType {
	case TypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case TypeLong, TypeTimestamp:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		}
	case TypeDouble:
		switch v := value.(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case TypeBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("value %v (%T) does not fit column type %s", value, value, columnType)
}

// CompareValues orders two non-nil values of the same column. Mixed numeric
// widths compare numerically; everything else falls back to string order.
func CompareValues(a, b interface{}) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case int, int32, int64:
		aInt := toInt64(av)
		switch b.(type) {
		case int, int32, int64:
			bInt := toInt64(b)
			if aInt < bInt {
				return -1
			} else if aInt > bInt {
				return 1
			}
			return 0
		case float32, float64:
			return compareFloat(float64(aInt), toFloat64(b))
		}
	case float32, float64:
		switch b.(type) {
		case int, int32, int64, float32, float64:
			return compareFloat(toFloat64(av), toFloat64(b))
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if !av && bv {
				return -1
			} else if av && !bv {
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareFloat(a, b float64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func toInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch val := v.(type) {
	case float32:
		return float64(val)
	case float64:
		return val
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return 0
	}
}

package delta

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// ArrowSchema maps the table schema onto an Arrow schema. Timestamps are
// stored as nanoseconds since epoch, so the Arrow type carries that unit.
func ArrowSchema(schema Schema) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		var arrowType arrow.DataType
		switch f.Type {
		case TypeLong:
			arrowType = arrow.PrimitiveTypes.Int64
		case TypeDouble:
			arrowType = arrow.PrimitiveTypes.Float64
		case TypeBoolean:
			arrowType = arrow.FixedWidthTypes.Boolean
		case TypeTimestamp:
			arrowType = &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}
		default:
			arrowType = arrow.BinaryTypes.String
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: arrowType, Nullable: f.Nullable})
	}
	return arrow.NewSchema(fields, nil)
}

// RowsToRecord builds an Arrow record from scan output. The caller owns the
// returned record and must Release it.
func RowsToRecord(schema Schema, rows []Row) (arrow.Record, error) {
	arrowSchema := ArrowSchema(schema)
	allocator := memory.DefaultAllocator
	arrays := make([]arrow.Array, len(arrowSchema.Fields()))

	for i, field := range arrowSchema.Fields() {
		var builder array.Builder
		switch field.Type.ID() {
		case arrow.INT64:
			builder = array.NewInt64Builder(allocator)
			for _, row := range rows {
				val := row[field.Name]
				if val == nil {
					builder.AppendNull()
					continue
				}
				switch v := val.(type) {
				case int64:
					builder.(*array.Int64Builder).Append(v)
				case int:
					builder.(*array.Int64Builder).Append(int64(v))
				case int32:
					builder.(*array.Int64Builder).Append(int64(v))
				case float64:
					builder.(*array.Int64Builder).Append(int64(v))
				case string:
					if num, err := strconv.ParseInt(v, 10, 64); err == nil {
						builder.(*array.Int64Builder).Append(num)
					} else {
						builder.(*array.Int64Builder).AppendNull()
					}
				default:
					builder.(*array.Int64Builder).AppendNull()
				}
			}
		case arrow.FLOAT64:
			builder = array.NewFloat64Builder(allocator)
			for _, row := range rows {
				val := row[field.Name]
				if val == nil {
					builder.AppendNull()
					continue
				}
				switch v := val.(type) {
				case float64:
					builder.(*array.Float64Builder).Append(v)
				case float32:
					builder.(*array.Float64Builder).Append(float64(v))
				case int64:
					builder.(*array.Float64Builder).Append(float64(v))
				case int:
					builder.(*array.Float64Builder).Append(float64(v))
				case string:
					if num, err := strconv.ParseFloat(v, 64); err == nil {
						builder.(*array.Float64Builder).Append(num)
					} else {
						builder.(*array.Float64Builder).AppendNull()
					}
				default:
					builder.(*array.Float64Builder).AppendNull()
				}
			}
		case arrow.BOOL:
			builder = array.NewBooleanBuilder(allocator)
			for _, row := range rows {
				val := row[field.Name]
				if val == nil {
					builder.AppendNull()
					continue
				}
				switch v := val.(type) {
				case bool:
					builder.(*array.BooleanBuilder).Append(v)
				case string:
					if b, err := strconv.ParseBool(v); err == nil {
						builder.(*array.BooleanBuilder).Append(b)
					} else {
						builder.(*array.BooleanBuilder).AppendNull()
					}
				default:
					builder.(*array.BooleanBuilder).AppendNull()
				}
			}
		case arrow.TIMESTAMP:
			builder = array.NewTimestampBuilder(allocator, &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"})
			for _, row := range rows {
				val := row[field.Name]
				if val == nil {
					builder.AppendNull()
					continue
				}
				switch v := val.(type) {
				case int64:
					builder.(*array.TimestampBuilder).Append(arrow.Timestamp(v))
				case time.Time:
					builder.(*array.TimestampBuilder).Append(arrow.Timestamp(v.UTC().UnixNano()))
				case string:
					if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
						builder.(*array.TimestampBuilder).Append(arrow.Timestamp(t.UTC().UnixNano()))
					} else {
						builder.(*array.TimestampBuilder).AppendNull()
					}
				default:
					builder.(*array.TimestampBuilder).AppendNull()
				}
			}
		default:
			builder = array.NewStringBuilder(allocator)
			for _, row := range rows {
				val := row[field.Name]
				if val == nil {
					builder.AppendNull()
					continue
				}
				builder.(*array.StringBuilder).Append(fmt.Sprintf("%v", val))
			}
		}
		arrays[i] = builder.NewArray()
		builder.Release()
	}

	record := array.NewRecord(arrowSchema, arrays, int64(len(rows)))
	return record, nil
}

// ScanRecord runs Scan and returns the matching rows as a single Arrow
// record. The caller must Release the record.
func (t *Table) ScanRecord(ctx context.Context, filter string) (arrow.Record, *ScanMetrics, error) {
	rows, metrics, err := t.Scan(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	meta, err := t.Metadata(ctx)
	if err != nil {
		return nil, nil, err
	}
	record, err := RowsToRecord(meta.Schema, rows)
	if err != nil {
		return nil, nil, err
	}
	return record, metrics, nil
}

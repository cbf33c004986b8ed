package delta

import (
	"bytes"
	"math"
	"sort"
)

// zorderValue maps a column value to an order-preserving uint64 so values of
// one column compare the same way their bit patterns do.
func zorderValue(v interface{}) uint64 {
	switch val := v.(type) {
	case int64:
		return uint64(val) ^ (1 << 63)
	case int:
		return uint64(int64(val)) ^ (1 << 63)
	case int32:
		return uint64(int64(val)) ^ (1 << 63)
	case float64:
		bits := math.Float64bits(val)
		if bits&(1<<63) != 0 {
			return ^bits
		}
		return bits | (1 << 63)
	case float32:
		return zorderValue(float64(val))
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		var out uint64
		for i := 0; i < 8; i++ {
			out <<= 8
			if i < len(val) {
				out |= uint64(val[i])
			}
		}
		return out
	default:
		return 0
	}
}

// zorderKey interleaves the bits of the listed columns' values into a
// space-filling-curve key. Nulls sort first.
func zorderKey(row Row, columns []string) []byte {
	vals := make([]uint64, len(columns))
	for i, col := range columns {
		if v := row[col]; v != nil {
			vals[i] = zorderValue(v)
		}
	}
	out := make([]byte, 8*len(vals))
	pos := 0
	for bit := 63; bit >= 0; bit-- {
		for _, v := range vals {
			if v&(1<<uint(bit)) != 0 {
				out[pos/8] |= 1 << uint(7-pos%8)
			}
			pos++
		}
	}
	return out
}

// sortByZOrder orders rows by their interleaved-bit key.
func sortByZOrder(rows []Row, columns []string) {
	type keyed struct {
		key []byte
		row Row
	}
	keyedRows := make([]keyed, len(rows))
	for i, row := range rows {
		keyedRows[i] = keyed{key: zorderKey(row, columns), row: row}
	}
	sort.SliceStable(keyedRows, func(i, j int) bool {
		return bytes.Compare(keyedRows[i].key, keyedRows[j].key) < 0
	})
	for i := range keyedRows {
		rows[i] = keyedRows[i].row
	}
}

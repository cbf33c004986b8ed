package delta

import (
	"regexp"
	"strconv"
	"strings"
)

// PredicateKind tags the closed predicate variant.
type PredicateKind int

const (
	PredCompare PredicateKind = iota
	PredAnd
	PredOr
	PredUnsupported
)

// CompareOp is a column comparison operator.
type CompareOp string

const (
	OpEq      CompareOp = "="
	OpNe      CompareOp = "!="
	OpLt      CompareOp = "<"
	OpLe      CompareOp = "<="
	OpGt      CompareOp = ">"
	OpGe      CompareOp = ">="
	OpIsNull  CompareOp = "is null"
	OpNotNull CompareOp = "is not null"
)

// Predicate is a tree of conjunctions/disjunctions over column comparisons.
// Unsupported nodes are carried explicitly so every consumer can degrade
// conservatively instead of failing.
type Predicate struct {
	Kind     PredicateKind
	Children []*Predicate
	Column   string
	Op       CompareOp
	Value    interface{}
}

// And builds a conjunction.
func And(children ...*Predicate) *Predicate {
	return &Predicate{Kind: PredAnd, Children: children}
}

// Or builds a disjunction.
func Or(children ...*Predicate) *Predicate {
	return &Predicate{Kind: PredOr, Children: children}
}

// Compare builds a single column comparison.
func Compare(column string, op CompareOp, value interface{}) *Predicate {
	return &Predicate{Kind: PredCompare, Column: column, Op: op, Value: value}
}

// HasUnsupported reports whether any node of the tree is unsupported.
func (p *Predicate) HasUnsupported() bool {
	if p == nil {
		return false
	}
	if p.Kind == PredUnsupported {
		return true
	}
	for _, c := range p.Children {
		if c.HasUnsupported() {
			return true
		}
	}
	return false
}

var (
	comparePattern = regexp.MustCompile(`^([\w.]+)\s*(>=|<=|!=|<>|=|>|<)\s*(.+)$`)
	nullPattern    = regexp.MustCompile(`(?i)^([\w.]+)\s+IS\s+(NOT\s+)?NULL$`)
)

// ExtractPredicates translates a WHERE-clause fragment into a predicate
// tree. Anything it cannot understand becomes an unsupported node, which
// downstream consumers treat as "cannot skip"; extraction never fails the
// query.
func ExtractPredicates(filter string) *Predicate {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil
	}
	return parseExpression(filter)
}

func parseExpression(expr string) *Predicate {
	expr = stripOuterParens(strings.TrimSpace(expr))

	if parts := splitTopLevel(expr, "OR"); len(parts) > 1 {
		children := make([]*Predicate, len(parts))
		for i, part := range parts {
			children[i] = parseExpression(part)
		}
		return Or(children...)
	}
	if parts := splitTopLevel(expr, "AND"); len(parts) > 1 {
		children := make([]*Predicate, len(parts))
		for i, part := range parts {
			children[i] = parseExpression(part)
		}
		return And(children...)
	}
	return parseComparison(expr)
}

func parseComparison(expr string) *Predicate {
	if m := nullPattern.FindStringSubmatch(expr); m != nil {
		op := OpIsNull
		if strings.TrimSpace(m[2]) != "" {
			op = OpNotNull
		}
		return Compare(m[1], op, nil)
	}
	m := comparePattern.FindStringSubmatch(expr)
	if m == nil {
		return &Predicate{Kind: PredUnsupported}
	}
	op := CompareOp(m[2])
	if op == "<>" {
		op = OpNe
	}
	value, ok := parseLiteral(strings.TrimSpace(m[3]))
	if !ok {
		return &Predicate{Kind: PredUnsupported}
	}
	return Compare(m[1], op, value)
}

func parseLiteral(s string) (interface{}, bool) {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'"), true
	}
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	return nil, false
}

// splitTopLevel splits on a keyword at paren depth zero, outside quotes.
func splitTopLevel(expr, keyword string) []string {
	upper := strings.ToUpper(expr)
	token := " " + keyword + " "
	depth := 0
	inQuote := false
	var parts []string
	start := 0
	for i := 0; i+len(token) <= len(expr); i++ {
		switch expr[i] {
		case '\'':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
			}
		}
		if depth == 0 && !inQuote && strings.HasPrefix(upper[i:], token) {
			parts = append(parts, expr[start:i])
			start = i + len(token)
			i += len(token) - 1
		}
	}
	parts = append(parts, expr[start:])
	if len(parts) == 1 {
		return parts
	}
	return parts
}

func stripOuterParens(expr string) string {
	for strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		depth := 0
		balanced := true
		for i := 0; i < len(expr); i++ {
			switch expr[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 && i < len(expr)-1 {
				balanced = false
				break
			}
		}
		if !balanced {
			return expr
		}
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	return expr
}

// comparableKinds guards min/max comparisons against values of unrelated
// types; cross-type string fallback could otherwise skip a file wrongly.
func comparableKinds(a, b interface{}) bool {
	switch a.(type) {
	case int, int32, int64, float32, float64:
		switch b.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	}
	return false
}

// CanSkipFile reports whether the file described by stats provably contains
// no row satisfying the predicate. False negatives (scanning a prunable
// file) are safe; false positives are not, so every uncertain case answers
// "cannot skip". This function never errors.
func CanSkipFile(stats *ColumnStats, pred *Predicate) bool {
	if pred == nil {
		return false
	}
	switch pred.Kind {
	case PredAnd:
		for _, c := range pred.Children {
			if CanSkipFile(stats, c) {
				return true
			}
		}
		return false
	case PredOr:
		if len(pred.Children) == 0 {
			return false
		}
		for _, c := range pred.Children {
			if !CanSkipFile(stats, c) {
				return false
			}
		}
		return true
	case PredCompare:
		return canSkipCompare(stats, pred)
	default:
		return false
	}
}

func canSkipCompare(stats *ColumnStats, pred *Predicate) bool {
	if stats == nil {
		return false
	}
	nulls, nullsKnown := stats.Nulls(pred.Column)

	switch pred.Op {
	case OpIsNull:
		return nullsKnown && nulls == 0
	case OpNotNull:
		return nullsKnown && stats.NumRecords > 0 && nulls == stats.NumRecords
	}

	min := stats.Min(pred.Column)
	max := stats.Max(pred.Column)
	if min == nil || max == nil {
		// No non-null values recorded. If we know the column is entirely
		// null, no comparison can ever hold; otherwise stay conservative.
		return nullsKnown && nulls == stats.NumRecords
	}
	if pred.Value == nil || !comparableKinds(min, pred.Value) || !comparableKinds(max, pred.Value) {
		return false
	}

	cmpMin := CompareValues(min, pred.Value)
	cmpMax := CompareValues(max, pred.Value)
	switch pred.Op {
	case OpGt:
		return cmpMax <= 0
	case OpGe:
		return cmpMax < 0
	case OpLt:
		return cmpMin >= 0
	case OpLe:
		return cmpMin > 0
	case OpEq:
		return cmpMin > 0 || cmpMax < 0
	case OpNe:
		return cmpMin == 0 && cmpMax == 0
	}
	return false
}

// EvalRow evaluates the predicate against a single row with SQL-style null
// semantics: a comparison on a null value is not satisfied. Unsupported
// nodes match nothing.
func EvalRow(pred *Predicate, row map[string]interface{}) bool {
	if pred == nil {
		return true
	}
	switch pred.Kind {
	case PredAnd:
		for _, c := range pred.Children {
			if !EvalRow(c, row) {
				return false
			}
		}
		return true
	case PredOr:
		for _, c := range pred.Children {
			if EvalRow(c, row) {
				return true
			}
		}
		return false
	case PredCompare:
		value, ok := row[pred.Column]
		switch pred.Op {
		case OpIsNull:
			return !ok || value == nil
		case OpNotNull:
			return ok && value != nil
		}
		if !ok || value == nil {
			return false
		}
		if pred.Value == nil || !comparableKinds(value, pred.Value) {
			return false
		}
		cmp := CompareValues(value, pred.Value)
		switch pred.Op {
		case OpEq:
			return cmp == 0
		case OpNe:
			return cmp != 0
		case OpLt:
			return cmp < 0
		case OpLe:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		case OpGe:
			return cmp >= 0
		}
	}
	return false
}

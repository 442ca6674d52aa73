package executor

import (
	"fmt"
	"strconv"
	"strings"
)

// Result is what ExecSQL returns for one statement: spec.md §6's
// "{ rows?, schema?, message?, plan?, analyzed_plan? }", flattened into one
// struct since a given statement only ever populates one shape of it.
type Result struct {
	// Columns/Rows carry a SELECT's result set. Columns is nil for
	// statements that return no rows.
	Columns []string
	Rows    [][]any

	// AffectedRows is the row count for INSERT/UPDATE/DELETE, and
	// the row count of Rows for a SELECT.
	AffectedRows int64

	// Message is a short confirmation for DDL/TCL statements (CREATE TABLE,
	// DROP TABLE, BEGIN, COMMIT, ROLLBACK, ...).
	Message string

	// Explain holds the rendered logical plan for EXPLAIN / EXPLAIN
	// ANALYZE; the latter appends the actual row count observed while
	// executing the statement.
	Explain string
}

// FormatValue renders v the way spec.md §6 prescribes: booleans as
// true/false, NULL as "null", floats with at least one fractional digit
// preserved, integers with none.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.ContainsRune(s, '.') {
			s += ".0"
		}
		return s
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

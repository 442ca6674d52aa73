// Package executor turns a planner.Plan into a Result by driving an
// internal/engine.Database: the thin layer spec.md §1 calls a "consumer of
// the core" rather than part of it. One Executor is created per session
// (per TCP connection in server/novasqlwire) and tracks that session's own
// explicit-transaction state; the engine itself still enforces the
// single-Active-writer rule across every session (spec.md §4.7).
package executor

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tuannm99/shadowbase/internal/catalog"
	"github.com/tuannm99/shadowbase/internal/engine"
	"github.com/tuannm99/shadowbase/internal/heap"
	"github.com/tuannm99/shadowbase/internal/record"
	"github.com/tuannm99/shadowbase/internal/sql/parser"
	"github.com/tuannm99/shadowbase/internal/sql/planner"
	"github.com/tuannm99/shadowbase/internal/txn"
)

// Executor runs SQL text against a shared *engine.Database on behalf of one
// session, holding that session's explicit BEGIN...COMMIT/ROLLBACK state
// (tx is nil outside an explicit transaction).
type Executor struct {
	DB *engine.Database
	tx *txn.Txn
}

// NewExecutor wraps db for one session.
func NewExecutor(db *engine.Database) *Executor {
	return &Executor{DB: db}
}

// ExecSQL parses, plans, and executes a single SQL statement.
func (e *Executor) ExecSQL(sql string) (*Result, error) {
	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	plan, err := planner.BuildPlan(stmt, e.DB)
	if err != nil {
		return nil, err
	}
	return e.execPlan(plan)
}

func (e *Executor) execPlan(p planner.Plan) (*Result, error) {
	switch plan := p.(type) {
	case *planner.CreateTablePlan:
		return e.execCreateTable(plan)
	case *planner.DropTablePlan:
		return e.execDropTable(plan)
	case *planner.TruncateTablePlan:
		return e.execTruncateTable(plan)
	case *planner.InsertPlan:
		return e.execInsert(plan)
	case *planner.UpdatePlan:
		return e.execUpdate(plan)
	case *planner.DeletePlan:
		return e.execDelete(plan)
	case *planner.SelectPlan:
		return e.execSelect(plan)
	case *planner.BeginPlan:
		return e.execBegin()
	case *planner.CommitPlan:
		return e.execCommit()
	case *planner.RollbackPlan:
		return e.execRollback()
	case *planner.ExplainPlan:
		return e.execExplain(plan)
	default:
		return nil, fmt.Errorf("executor: unsupported plan type %T", p)
	}
}

// ---- TCL ----

func (e *Executor) execBegin() (*Result, error) {
	if e.tx != nil {
		return nil, txn.ErrAlreadyActive
	}
	tx, err := e.DB.Begin()
	if err != nil {
		return nil, err
	}
	e.tx = tx
	return &Result{Message: "BEGIN"}, nil
}

func (e *Executor) execCommit() (*Result, error) {
	if e.tx == nil {
		return nil, fmt.Errorf("COMMIT without BEGIN")
	}
	tx := e.tx
	e.tx = nil
	if err := e.DB.Commit(tx); err != nil {
		return nil, err
	}
	return &Result{Message: "COMMIT"}, nil
}

func (e *Executor) execRollback() (*Result, error) {
	if e.tx == nil {
		return nil, fmt.Errorf("ROLLBACK without BEGIN")
	}
	tx := e.tx
	e.tx = nil
	if err := e.DB.Rollback(tx); err != nil {
		return nil, err
	}
	return &Result{Message: "ROLLBACK"}, nil
}

// withWriteTxn runs fn as this session's explicit transaction if one is
// active, else wraps it in a fresh implicit transaction (spec.md §4.7).
func (e *Executor) withWriteTxn(fn func(tx *txn.Txn) error) error {
	if e.tx != nil {
		return fn(e.tx)
	}
	return e.DB.RunImplicit(fn)
}

// readTxn is the transaction a read should observe: the session's own
// in-flight writes if one is active, else nil (committed state only).
func (e *Executor) readTxn() *txn.Txn { return e.tx }

// ---- DDL ----

func (e *Executor) execCreateTable(p *planner.CreateTablePlan) (*Result, error) {
	if err := e.DB.CreateTable(p.TableName, p.Schema); err != nil {
		if errors.Is(err, catalog.ErrDuplicateTable) {
			return nil, fmt.Errorf("Table %s already exists", p.TableName)
		}
		return nil, err
	}
	return &Result{Message: fmt.Sprintf("CREATE TABLE %s", p.TableName)}, nil
}

func (e *Executor) execDropTable(p *planner.DropTablePlan) (*Result, error) {
	for _, name := range p.TableNames {
		if err := e.DB.DropTable(name); err != nil {
			if errors.Is(err, engine.ErrTableNotFound) {
				return nil, fmt.Errorf("Table %s not found", name)
			}
			return nil, err
		}
	}
	return &Result{Message: "DROP TABLE"}, nil
}

func (e *Executor) execTruncateTable(p *planner.TruncateTablePlan) (*Result, error) {
	if err := e.DB.TruncateTable(p.TableName); err != nil {
		if errors.Is(err, engine.ErrTableNotFound) {
			return nil, fmt.Errorf("Table %s not found", p.TableName)
		}
		return nil, err
	}
	return &Result{Message: "TRUNCATE TABLE"}, nil
}

// ---- DML ----

func (e *Executor) execInsert(p *planner.InsertPlan) (*Result, error) {
	var affected int64
	err := e.withWriteTxn(func(tx *txn.Txn) error {
		for _, row := range p.Rows {
			if _, err := e.DB.Insert(tx, p.TableName, row); err != nil {
				if errors.Is(err, engine.ErrUniqueViolation) {
					return e.uniqueErr(p.Schema, row)
				}
				return err
			}
			affected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{AffectedRows: affected}, nil
}

func (e *Executor) execUpdate(p *planner.UpdatePlan) (*Result, error) {
	cols := simpleCols(p.Schema, p.TableName)

	var affected int64
	err := e.withWriteTxn(func(tx *txn.Txn) error {
		type candidate struct {
			id  heap.TID
			row []any
		}
		var cands []candidate
		if err := e.DB.Scan(tx, p.TableName, func(id heap.TID, row []any) error {
			if p.Where != nil {
				ok, err := evalExprBool(p.Where, row, cols)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			newRow := append([]any(nil), row...)
			for _, a := range p.Assigns {
				newRow[a.Pos] = a.Value
			}
			cands = append(cands, candidate{id: id, row: newRow})
			return nil
		}); err != nil {
			return err
		}

		for _, c := range cands {
			if _, err := e.DB.Update(tx, p.TableName, c.id, c.row); err != nil {
				if errors.Is(err, engine.ErrUniqueViolation) {
					return e.uniqueErr(p.Schema, c.row)
				}
				return err
			}
			affected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{AffectedRows: affected}, nil
}

func (e *Executor) execDelete(p *planner.DeletePlan) (*Result, error) {
	cols := simpleCols(p.Schema, p.TableName)

	var affected int64
	err := e.withWriteTxn(func(tx *txn.Txn) error {
		var ids []heap.TID
		if err := e.DB.Scan(tx, p.TableName, func(id heap.TID, row []any) error {
			if p.Where != nil {
				ok, err := evalExprBool(p.Where, row, cols)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			ids = append(ids, id)
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if err := e.DB.Delete(tx, p.TableName, id); err != nil {
				return err
			}
			affected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{AffectedRows: affected}, nil
}

// uniqueErr reproduces spec.md §6's "Duplicate value <v> in column <name>"
// using the row the caller was trying to write, since
// engine.ErrUniqueViolation itself only names the column.
func (e *Executor) uniqueErr(schema record.Schema, row []any) error {
	idx := schema.UniqueColumn()
	if idx < 0 || idx >= len(row) {
		return engine.ErrUniqueViolation
	}
	return fmt.Errorf("Duplicate value %s in column %s", FormatValue(row[idx]), schema.Cols[idx].Name)
}

// ---- SELECT ----

func (e *Executor) execSelect(p *planner.SelectPlan) (*Result, error) {
	cols, _, rows, err := e.evalSelect(p)
	if err != nil {
		return nil, err
	}
	return &Result{Columns: cols, Rows: rows, AffectedRows: int64(len(rows))}, nil
}

// evalSelect computes one SELECT's column set, row set, and each column's
// resolved type (the latter only needed to unify a UNION chain), applying
// WHERE, projection, LIMIT/OFFSET, then any UNION in that order.
func (e *Executor) evalSelect(p *planner.SelectPlan) ([]string, []record.ColumnType, [][]any, error) {
	srcCols, srcRows, err := e.evalSource(p.Source)
	if err != nil {
		return nil, nil, nil, err
	}

	var filtered [][]any
	for _, row := range srcRows {
		if p.Where != nil {
			ok, err := evalExprBool(p.Where, row, srcCols)
			if err != nil {
				return nil, nil, nil, err
			}
			if !ok {
				continue
			}
		}
		filtered = append(filtered, row)
	}

	names, types, rows, err := project(p.Projection, srcCols, filtered)
	if err != nil {
		return nil, nil, nil, err
	}

	if p.HasOffset {
		off := int(p.Offset)
		if off > len(rows) {
			rows = nil
		} else {
			rows = rows[off:]
		}
	}
	if p.HasLimit {
		lim := int(p.Limit)
		if lim < len(rows) {
			rows = rows[:lim]
		}
	}

	if p.Union != nil {
		_, uTypes, uRows, err := e.evalSelect(p.Union)
		if err != nil {
			return nil, nil, nil, err
		}
		unified, err := unifyTypes(types, uTypes)
		if err != nil {
			return nil, nil, nil, err
		}
		leftRows, err := coerceUnionRows(rows, unified)
		if err != nil {
			return nil, nil, nil, err
		}
		rightRows, err := coerceUnionRows(uRows, unified)
		if err != nil {
			return nil, nil, nil, err
		}
		rows = append(leftRows, rightRows...)
		types = unified
	}

	return names, types, rows, nil
}

// srcColumn describes one column of a SELECT source (seq scan, index
// lookup, or join), carrying enough naming info to resolve both
// unqualified references (single-table, or disjoint-name joins) and
// table-qualified ones ("t.col").
type srcColumn struct {
	Alias    string
	RawTable string
	Name     string
	Type     record.ColumnType
}

func schemaColumns(t planner.TableSource) []srcColumn {
	alias := t.Alias
	if alias == "" {
		alias = t.Table
	}
	out := make([]srcColumn, len(t.Schema.Cols))
	for i, c := range t.Schema.Cols {
		out[i] = srcColumn{Alias: alias, RawTable: t.Table, Name: c.Name, Type: c.Type}
	}
	return out
}

func simpleCols(schema record.Schema, tableName string) []srcColumn {
	out := make([]srcColumn, len(schema.Cols))
	for i, c := range schema.Cols {
		out[i] = srcColumn{Alias: tableName, RawTable: tableName, Name: c.Name, Type: c.Type}
	}
	return out
}

func (e *Executor) evalSource(src planner.Plan) ([]srcColumn, [][]any, error) {
	tx := e.readTxn()
	switch s := src.(type) {
	case *planner.SeqScanPlan:
		cols := schemaColumns(s.Table)
		var rows [][]any
		err := e.DB.Scan(tx, s.Table.Table, func(_ heap.TID, row []any) error {
			rows = append(rows, append([]any(nil), row...))
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		return cols, rows, nil

	case *planner.IndexLookupPlan:
		cols := schemaColumns(s.Table)
		var rows [][]any
		err := e.DB.IndexLookup(tx, s.Table.Table, s.Low, s.High, func(_ heap.TID, row []any) error {
			rows = append(rows, append([]any(nil), row...))
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		return cols, rows, nil

	case *planner.JoinPlan:
		leftCols := schemaColumns(s.Left)
		rightCols := schemaColumns(s.Right)
		cols := append(append([]srcColumn{}, leftCols...), rightCols...)

		var leftRows, rightRows [][]any
		if err := e.DB.Scan(tx, s.Left.Table, func(_ heap.TID, row []any) error {
			leftRows = append(leftRows, append([]any(nil), row...))
			return nil
		}); err != nil {
			return nil, nil, err
		}
		if err := e.DB.Scan(tx, s.Right.Table, func(_ heap.TID, row []any) error {
			rightRows = append(rightRows, append([]any(nil), row...))
			return nil
		}); err != nil {
			return nil, nil, err
		}

		var out [][]any
		for _, lr := range leftRows {
			for _, rr := range rightRows {
				combined := make([]any, 0, len(lr)+len(rr))
				combined = append(combined, lr...)
				combined = append(combined, rr...)
				ok, err := evalExprBool(s.On, combined, cols)
				if err != nil {
					return nil, nil, err
				}
				if ok {
					out = append(out, combined)
				}
			}
		}
		return cols, out, nil

	default:
		return nil, nil, fmt.Errorf("executor: unsupported select source %T", src)
	}
}

// project resolves proj (nil meaning "every source column, in order")
// against cols, returning the projected names, types, and row values.
func project(proj []string, cols []srcColumn, rows [][]any) ([]string, []record.ColumnType, [][]any, error) {
	if proj == nil {
		names := make([]string, len(cols))
		types := make([]record.ColumnType, len(cols))
		for i, c := range cols {
			names[i] = c.Name
			types[i] = c.Type
		}
		out := make([][]any, len(rows))
		for i, r := range rows {
			out[i] = append([]any(nil), r...)
		}
		return names, types, out, nil
	}

	idxs := make([]int, len(proj))
	names := make([]string, len(proj))
	types := make([]record.ColumnType, len(proj))
	for i, p := range proj {
		table, name := splitQualified(p)
		idx := -1
		for j, c := range cols {
			if table != "" && c.Alias != table && c.RawTable != table {
				continue
			}
			if c.Name != name {
				continue
			}
			if idx >= 0 {
				return nil, nil, nil, fmt.Errorf("ambiguous column %s", name)
			}
			idx = j
		}
		if idx < 0 {
			return nil, nil, nil, fmt.Errorf("Column %s not found", p)
		}
		idxs[i] = idx
		names[i] = name
		types[i] = cols[idx].Type
	}

	out := make([][]any, len(rows))
	for ri, r := range rows {
		row := make([]any, len(idxs))
		for i, idx := range idxs {
			row[i] = r[idx]
		}
		out[ri] = row
	}
	return names, types, out, nil
}

func splitQualified(s string) (table, name string) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

// ---- UNION type unification (spec.md §6) ----

func unifyTypes(a, b []record.ColumnType) ([]record.ColumnType, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("UNION arity mismatch: %d vs %d", len(a), len(b))
	}
	out := make([]record.ColumnType, len(a))
	for i := range a {
		t, err := unifyType(a[i], b[i])
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func isIntish(t record.ColumnType) bool { return t == record.ColInt32 || t == record.ColInt64 }

func unifyType(a, b record.ColumnType) (record.ColumnType, error) {
	if a == b {
		return a, nil
	}
	switch {
	case a == record.ColFloat64 && (isIntish(b) || b == record.ColUInt64):
		return record.ColFloat64, nil
	case b == record.ColFloat64 && (isIntish(a) || a == record.ColUInt64):
		return record.ColFloat64, nil
	case isIntish(a) && b == record.ColUInt64:
		return record.ColInt64, nil
	case isIntish(b) && a == record.ColUInt64:
		return record.ColInt64, nil
	default:
		return 0, fmt.Errorf("UNION column type mismatch: %s vs %s", a, b)
	}
}

func coerceUnionRows(rows [][]any, to []record.ColumnType) ([][]any, error) {
	out := make([][]any, len(rows))
	for ri, r := range rows {
		row := make([]any, len(r))
		for i, v := range r {
			cv, err := coerceUnionValue(v, to[i])
			if err != nil {
				return nil, err
			}
			row[i] = cv
		}
		out[ri] = row
	}
	return out, nil
}

func coerceUnionValue(v any, to record.ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch to {
	case record.ColFloat64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case int32:
			return float64(x), nil
		case uint64:
			return float64(x), nil
		}
	case record.ColInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		case uint64:
			if x > math.MaxInt64 {
				return nil, fmt.Errorf("UNION: value %d overflows Int", x)
			}
			return int64(x), nil
		}
	}
	return v, nil
}

// ---- expression evaluation ----

func resolveColumnValue(c *parser.ColumnExpr, cols []srcColumn, row []any) (any, error) {
	idx := -1
	for i, sc := range cols {
		if c.Table != "" && sc.Alias != c.Table && sc.RawTable != c.Table {
			continue
		}
		if sc.Name != c.Name {
			continue
		}
		if idx >= 0 {
			return nil, fmt.Errorf("ambiguous column %s", c.Name)
		}
		idx = i
	}
	if idx < 0 {
		return nil, fmt.Errorf("Column %s not found", c.Name)
	}
	return row[idx], nil
}

func evalExpr(e parser.Expr, row []any, cols []srcColumn) (any, error) {
	switch x := e.(type) {
	case *parser.LiteralExpr:
		return x.Value, nil
	case *parser.ColumnExpr:
		return resolveColumnValue(x, cols, row)
	case *parser.BinaryExpr:
		return evalBinary(x, row, cols)
	case *parser.BetweenExpr:
		return evalBetween(x, row, cols)
	default:
		return nil, fmt.Errorf("executor: unsupported expression %T", e)
	}
}

func evalExprBool(e parser.Expr, row []any, cols []srcColumn) (bool, error) {
	v, err := evalExpr(e, row, cols)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("executor: expression did not evaluate to a boolean")
	}
	return b, nil
}

func evalBinary(x *parser.BinaryExpr, row []any, cols []srcColumn) (any, error) {
	switch x.Op {
	case "AND":
		l, err := evalExprBool(x.Left, row, cols)
		if err != nil {
			return nil, err
		}
		if !l {
			return false, nil
		}
		return evalExprBool(x.Right, row, cols)
	case "OR":
		l, err := evalExprBool(x.Left, row, cols)
		if err != nil {
			return nil, err
		}
		if l {
			return true, nil
		}
		return evalExprBool(x.Right, row, cols)
	}

	lv, err := evalExpr(x.Left, row, cols)
	if err != nil {
		return nil, err
	}
	rv, err := evalExpr(x.Right, row, cols)
	if err != nil {
		return nil, err
	}
	return compare(x.Op, lv, rv)
}

func evalBetween(x *parser.BetweenExpr, row []any, cols []srcColumn) (any, error) {
	v, err := evalExpr(x.X, row, cols)
	if err != nil {
		return nil, err
	}
	lo, err := evalExpr(x.Low, row, cols)
	if err != nil {
		return nil, err
	}
	hi, err := evalExpr(x.High, row, cols)
	if err != nil {
		return nil, err
	}
	low, err := compare(">=", v, lo)
	if err != nil {
		return nil, err
	}
	if !low {
		return false, nil
	}
	return compare("<=", v, hi)
}

// compare implements spec.md §9's deliberate non-standard NULL semantics:
// "x = NULL" (and the executor's "!=") are answered against the operand's
// nullness rather than always false, matching "WHERE d = null" returning
// rows where d IS NULL. Ordering comparisons against NULL are always false.
func compare(op string, l, r any) (bool, error) {
	if l == nil || r == nil {
		switch op {
		case "=":
			return l == nil && r == nil, nil
		case "!=":
			return !(l == nil && r == nil), nil
		default:
			return false, nil
		}
	}

	c, err := compareValues(l, r)
	if err != nil {
		return false, err
	}
	switch op {
	case "=":
		return c == 0, nil
	case "!=":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	default:
		return false, fmt.Errorf("executor: unsupported operator %s", op)
	}
}

func compareValues(l, r any) (int, error) {
	if lf, ok := toFloat(l); ok {
		if rf, ok := toFloat(r); ok {
			switch {
			case lf < rf:
				return -1, nil
			case lf > rf:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return strings.Compare(ls, rs), nil
		}
	}
	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok {
			switch {
			case lb == rb:
				return 0, nil
			case !lb && rb:
				return -1, nil
			default:
				return 1, nil
			}
		}
	}
	return 0, fmt.Errorf("executor: cannot compare %T and %T", l, r)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// ---- EXPLAIN ----

func (e *Executor) execExplain(p *planner.ExplainPlan) (*Result, error) {
	text := renderPlan(p.Inner, 0)
	if !p.Analyze {
		return &Result{Explain: text}, nil
	}

	res, err := e.execPlan(p.Inner)
	if err != nil {
		return nil, err
	}
	rows := res.AffectedRows
	if res.Columns != nil {
		rows = int64(len(res.Rows))
	}
	text += fmt.Sprintf("\n(actual rows=%d)", rows)
	return &Result{
		Explain:      text,
		Columns:      res.Columns,
		Rows:         res.Rows,
		AffectedRows: res.AffectedRows,
	}, nil
}

func renderPlan(p planner.Plan, depth int) string {
	pad := strings.Repeat("  ", depth)
	switch x := p.(type) {
	case *planner.CreateTablePlan:
		return pad + fmt.Sprintf("CreateTable %s", x.TableName)
	case *planner.DropTablePlan:
		return pad + fmt.Sprintf("DropTable %s", strings.Join(x.TableNames, ", "))
	case *planner.TruncateTablePlan:
		return pad + fmt.Sprintf("TruncateTable %s", x.TableName)
	case *planner.InsertPlan:
		return pad + fmt.Sprintf("Insert %s (%d rows)", x.TableName, len(x.Rows))
	case *planner.UpdatePlan:
		s := pad + fmt.Sprintf("Update %s", x.TableName)
		if x.Where != nil {
			s += "\n" + pad + "  Filter: " + renderExpr(x.Where)
		}
		return s
	case *planner.DeletePlan:
		s := pad + fmt.Sprintf("Delete %s", x.TableName)
		if x.Where != nil {
			s += "\n" + pad + "  Filter: " + renderExpr(x.Where)
		}
		return s
	case *planner.BeginPlan:
		return pad + "Begin"
	case *planner.CommitPlan:
		return pad + "Commit"
	case *planner.RollbackPlan:
		return pad + "Rollback"
	case *planner.SeqScanPlan:
		return pad + fmt.Sprintf("SeqScan %s", tableLabel(x.Table))
	case *planner.IndexLookupPlan:
		if x.Equality {
			return pad + fmt.Sprintf("IndexLookup %s on %s = %d", tableLabel(x.Table), x.Column, x.Low)
		}
		return pad + fmt.Sprintf("IndexLookup %s on %s BETWEEN %d AND %d", tableLabel(x.Table), x.Column, x.Low, x.High)
	case *planner.JoinPlan:
		s := pad + fmt.Sprintf("NestedLoopJoin %s, %s", tableLabel(x.Left), tableLabel(x.Right))
		s += "\n" + pad + "  On: " + renderExpr(x.On)
		return s
	case *planner.SelectPlan:
		s := pad + "Select "
		if x.Projection != nil {
			s += strings.Join(x.Projection, ", ")
		} else {
			s += "*"
		}
		s += "\n" + renderPlan(x.Source, depth+1)
		if x.Where != nil {
			s += "\n" + pad + "  Filter: " + renderExpr(x.Where)
		}
		if x.HasLimit {
			s += "\n" + pad + fmt.Sprintf("  Limit %d", x.Limit)
		}
		if x.HasOffset {
			s += "\n" + pad + fmt.Sprintf("  Offset %d", x.Offset)
		}
		if x.Union != nil {
			s += "\n" + pad + "Union\n" + renderPlan(x.Union, depth+1)
		}
		return s
	default:
		return pad + fmt.Sprintf("%T", p)
	}
}

func tableLabel(t planner.TableSource) string {
	if t.Alias != "" && t.Alias != t.Table {
		return fmt.Sprintf("%s AS %s", t.Table, t.Alias)
	}
	return t.Table
}

func renderExpr(e parser.Expr) string {
	switch x := e.(type) {
	case *parser.LiteralExpr:
		return FormatValue(x.Value)
	case *parser.ColumnExpr:
		if x.Table != "" {
			return x.Table + "." + x.Name
		}
		return x.Name
	case *parser.BinaryExpr:
		return fmt.Sprintf("(%s %s %s)", renderExpr(x.Left), x.Op, renderExpr(x.Right))
	case *parser.BetweenExpr:
		return fmt.Sprintf("(%s BETWEEN %s AND %s)", renderExpr(x.X), renderExpr(x.Low), renderExpr(x.High))
	default:
		return fmt.Sprintf("%T", e)
	}
}

package planner

import (
	"fmt"
	"strings"

	"github.com/tuannm99/shadowbase/internal/catalog"
	"github.com/tuannm99/shadowbase/internal/engine"
	"github.com/tuannm99/shadowbase/internal/record"
	"github.com/tuannm99/shadowbase/internal/sql/parser"
)

// BuildPlan resolves an AST Statement into a logical Plan, looking up table
// schemas through db's catalog so arity/type/column-existence errors
// surface before any row reaches the storage engine.
func BuildPlan(stmt parser.Statement, db *engine.Database) (Plan, error) {
	switch s := stmt.(type) {
	case *parser.CreateTableStmt:
		return buildCreateTablePlan(s)
	case *parser.DropTableStmt:
		return &DropTablePlan{TableNames: s.TableNames}, nil
	case *parser.TruncateStmt:
		return &TruncateTablePlan{TableName: s.TableName}, nil
	case *parser.InsertStmt:
		return buildInsertPlan(s, db)
	case *parser.SelectStmt:
		return buildSelectPlan(s, db)
	case *parser.UpdateStmt:
		return buildUpdatePlan(s, db)
	case *parser.DeleteStmt:
		return buildDeletePlan(s, db)
	case *parser.BeginStmt:
		return &BeginPlan{}, nil
	case *parser.CommitStmt:
		return &CommitPlan{}, nil
	case *parser.RollbackStmt:
		return &RollbackPlan{}, nil
	case *parser.ExplainStmt:
		inner, err := BuildPlan(s.Inner, db)
		if err != nil {
			return nil, err
		}
		return &ExplainPlan{Inner: inner, Analyze: s.Analyze}, nil
	default:
		return nil, fmt.Errorf("planner: unsupported statement type %T", stmt)
	}
}

func buildCreateTablePlan(s *parser.CreateTableStmt) (Plan, error) {
	var cols []record.Column
	for _, c := range s.Columns {
		colType, err := mapSQLType(c.Type)
		if err != nil {
			return nil, err
		}
		cols = append(cols, record.Column{
			Name:     c.Name,
			Type:     colType,
			Nullable: !c.NotNull,
			Unique:   c.Unique,
		})
	}
	schema := record.Schema{Cols: cols}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &CreateTablePlan{TableName: s.TableName, Schema: schema}, nil
}

func mapSQLType(t string) (record.ColumnType, error) {
	switch strings.ToUpper(t) {
	case "INT", "INTEGER", "INT64":
		return record.ColInt64, nil
	case "UINT", "UINT64":
		return record.ColUInt64, nil
	case "FLOAT", "FLOAT64", "DOUBLE":
		return record.ColFloat64, nil
	case "TEXT", "STRING", "VARCHAR":
		return record.ColText, nil
	case "BOOL", "BOOLEAN":
		return record.ColBool, nil
	default:
		return 0, fmt.Errorf("unsupported column type: %s", t)
	}
}

func lookupSchema(db *engine.Database, table string) (record.Schema, error) {
	if table == catalog.Name {
		return catalog.Schema(), nil
	}
	row, ok, err := db.Catalog.Lookup(db.TM.Active(), table)
	if err != nil {
		return record.Schema{}, err
	}
	if !ok {
		return record.Schema{}, fmt.Errorf("Table %s not found", table)
	}
	return row.Schema, nil
}

// ----- INSERT -----

func buildInsertPlan(s *parser.InsertStmt, db *engine.Database) (Plan, error) {
	schema, err := lookupSchema(db, s.TableName)
	if err != nil {
		return nil, err
	}

	targetCols := s.Columns
	if targetCols == nil {
		targetCols = make([]string, len(schema.Cols))
		for i, c := range schema.Cols {
			targetCols[i] = c.Name
		}
	}

	positions := make([]int, len(targetCols))
	var unknown []string
	for i, name := range targetCols {
		pos := schema.ColumnIndex(name)
		if pos < 0 {
			unknown = append(unknown, name)
			continue
		}
		positions[i] = pos
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("Columns [%s] not found", strings.Join(unknown, ", "))
	}

	rows := make([][]any, 0, len(s.Rows))
	for _, tuple := range s.Rows {
		if len(tuple) != len(targetCols) {
			return nil, fmt.Errorf("Expected %d values, but got %d.", len(targetCols), len(tuple))
		}

		row := make([]any, len(schema.Cols))
		for i := range row {
			row[i] = nil
		}
		for i, expr := range tuple {
			lit, ok := expr.(*parser.LiteralExpr)
			if !ok {
				return nil, fmt.Errorf("executor: only literal expressions supported in INSERT")
			}
			col := schema.Cols[positions[i]]
			v, err := coerceLiteral(col, lit.Value)
			if err != nil {
				return nil, err
			}
			row[positions[i]] = v
		}
		rows = append(rows, row)
	}

	return &InsertPlan{TableName: s.TableName, Schema: schema, Rows: rows}, nil
}

// coerceLiteral converts a parsed literal to col's declared type, enforcing
// NOT NULL and reproducing spec.md §6's exact Type mismatch/NULL wording.
func coerceLiteral(col record.Column, v any) (any, error) {
	if v == nil {
		if !col.Nullable {
			return nil, fmt.Errorf("NULL is not allowed in column %s", col.Name)
		}
		return nil, nil
	}

	switch col.Type {
	case record.ColInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		default:
			return nil, typeMismatch(col, v)
		}
	case record.ColUInt64:
		switch x := v.(type) {
		case int64:
			if x < 0 {
				return nil, fmt.Errorf("Failed to parse %d as UInt: number too large to fit in target type", x)
			}
			return uint64(x), nil
		default:
			return nil, typeMismatch(col, v)
		}
	case record.ColFloat64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		default:
			return nil, typeMismatch(col, v)
		}
	case record.ColText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, typeMismatch(col, v)
	case record.ColBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, typeMismatch(col, v)
	default:
		return nil, fmt.Errorf("planner: unsupported column type %v", col.Type)
	}
}

func typeMismatch(col record.Column, got any) error {
	return fmt.Errorf("Type mismatch: Expected [%s], but got [%s].", col.Type, literalKind(got))
}

func literalKind(v any) string {
	switch v.(type) {
	case int64:
		return "Int"
	case uint64:
		return "UInt"
	case float64:
		return "Float"
	case string:
		return "Text"
	case bool:
		return "Bool"
	case nil:
		return "Null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ----- UPDATE / DELETE -----

func buildUpdatePlan(s *parser.UpdateStmt, db *engine.Database) (Plan, error) {
	schema, err := lookupSchema(db, s.TableName)
	if err != nil {
		return nil, err
	}

	assigns := make([]Assignment, 0, len(s.Assignments))
	for _, a := range s.Assignments {
		pos := schema.ColumnIndex(a.Column)
		if pos < 0 {
			return nil, fmt.Errorf("Column %s not found", a.Column)
		}
		lit, ok := a.Value.(*parser.LiteralExpr)
		if !ok {
			return nil, fmt.Errorf("executor: only literal expressions supported in SET")
		}
		v, err := coerceLiteral(schema.Cols[pos], lit.Value)
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, Assignment{Column: a.Column, Pos: pos, Value: v})
	}

	if s.Where != nil {
		if err := checkColumnsKnown(s.Where, schema, nil); err != nil {
			return nil, err
		}
	}

	return &UpdatePlan{TableName: s.TableName, Schema: schema, Assigns: assigns, Where: s.Where}, nil
}

func buildDeletePlan(s *parser.DeleteStmt, db *engine.Database) (Plan, error) {
	schema, err := lookupSchema(db, s.TableName)
	if err != nil {
		return nil, err
	}
	if s.Where != nil {
		if err := checkColumnsKnown(s.Where, schema, nil); err != nil {
			return nil, err
		}
	}
	return &DeletePlan{TableName: s.TableName, Schema: schema, Where: s.Where}, nil
}

// checkColumnsKnown walks expr validating every ColumnExpr resolves in
// schema (or right, for a join's second table). A nil right means a
// single-table statement; an unqualified name found in both is ambiguous.
func checkColumnsKnown(expr parser.Expr, left record.Schema, right *record.Schema) error {
	switch e := expr.(type) {
	case *parser.ColumnExpr:
		return resolveColumn(e, left, right)
	case *parser.BinaryExpr:
		if err := checkColumnsKnown(e.Left, left, right); err != nil {
			return err
		}
		return checkColumnsKnown(e.Right, left, right)
	case *parser.BetweenExpr:
		if err := checkColumnsKnown(e.X, left, right); err != nil {
			return err
		}
		if err := checkColumnsKnown(e.Low, left, right); err != nil {
			return err
		}
		return checkColumnsKnown(e.High, left, right)
	case *parser.LiteralExpr:
		return nil
	default:
		return fmt.Errorf("planner: unsupported expression %T", expr)
	}
}

func resolveColumn(c *parser.ColumnExpr, left record.Schema, right *record.Schema) error {
	if c.Table != "" {
		return nil // table-qualified: left to the executor's per-alias resolver
	}
	inLeft := left.ColumnIndex(c.Name) >= 0
	inRight := right != nil && right.ColumnIndex(c.Name) >= 0
	switch {
	case inLeft && inRight:
		return fmt.Errorf("ambiguous column %s", c.Name)
	case !inLeft && !inRight:
		return fmt.Errorf("Column %s not found", c.Name)
	default:
		return nil
	}
}

// ----- SELECT -----

func buildSelectPlan(s *parser.SelectStmt, db *engine.Database) (Plan, error) {
	leftSchema, err := lookupSchema(db, s.From.Table)
	if err != nil {
		return nil, err
	}
	leftSrc := TableSource{Table: s.From.Table, Alias: s.From.Alias, Schema: leftSchema}

	where := s.Where

	var source Plan
	if s.Join != nil {
		rightSchema, err := lookupSchema(db, s.Join.Right.Table)
		if err != nil {
			return nil, err
		}
		rightSrc := TableSource{Table: s.Join.Right.Table, Alias: s.Join.Right.Alias, Schema: rightSchema}
		if err := checkColumnsKnown(s.Join.On, leftSchema, &rightSchema); err != nil {
			return nil, err
		}
		source = &JoinPlan{Left: leftSrc, Right: rightSrc, On: s.Join.On}
		// A join never resolves to an IndexLookupPlan, so a PREWHERE here
		// can only be applied as a regular post-filter.
		where = andExpr(s.Prewhere, where)
	} else if idx := buildIndexLookup(s, leftSrc); idx != nil {
		source = idx
	} else {
		source = &SeqScanPlan{Table: leftSrc}
		// PREWHERE didn't reduce to an index lookup; fold it into Where so
		// the predicate still applies instead of being silently dropped.
		where = andExpr(s.Prewhere, where)
	}

	if where != nil {
		var rightSchema *record.Schema
		if s.Join != nil {
			js := source.(*JoinPlan)
			rightSchema = &js.Right.Schema
		}
		if err := checkColumnsKnown(where, leftSchema, rightSchema); err != nil {
			return nil, err
		}
	}

	proj := s.Projection
	if len(proj) == 1 && proj[0] == "*" {
		proj = nil // nil means "every column of every source", resolved at execution
	}

	plan := &SelectPlan{
		Source:     source,
		Projection: proj,
		Where:      where,
		HasLimit:   s.HasLimit,
		Limit:      s.Limit,
		HasOffset:  s.HasOffset,
		Offset:     s.Offset,
	}

	if s.Union != nil {
		unionPlan, err := buildSelectPlan(s.Union, db)
		if err != nil {
			return nil, err
		}
		up, ok := unionPlan.(*SelectPlan)
		if !ok {
			return nil, fmt.Errorf("planner: UNION branch did not resolve to a SelectPlan")
		}
		plan.Union = up
	}

	return plan, nil
}

// andExpr combines a and b with AND, tolerating either side being nil.
func andExpr(a, b parser.Expr) parser.Expr {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return &parser.BinaryExpr{Op: "AND", Left: a, Right: b}
	}
}

// buildIndexLookup recognizes a PREWHERE predicate over the table's UNIQUE
// column ("col = lit" or "col BETWEEN lo AND hi") and turns it into an
// IndexLookupPlan; any other PREWHERE shape falls back to a sequential scan,
// with the predicate folded into Where by buildSelectPlan so it still
// applies as a post-filter instead of being dropped.
func buildIndexLookup(s *parser.SelectStmt, src TableSource) *IndexLookupPlan {
	if s.Prewhere == nil {
		return nil
	}
	uniqueIdx := src.Schema.UniqueColumn()
	if uniqueIdx < 0 {
		return nil
	}
	uniqueCol := src.Schema.Cols[uniqueIdx].Name

	switch e := s.Prewhere.(type) {
	case *parser.BetweenExpr:
		col, ok := e.X.(*parser.ColumnExpr)
		if !ok || col.Name != uniqueCol {
			return nil
		}
		lo, ok1 := literalInt64(e.Low)
		hi, ok2 := literalInt64(e.High)
		if !ok1 || !ok2 {
			return nil
		}
		return &IndexLookupPlan{Table: src, Column: uniqueCol, Low: lo, High: hi}
	case *parser.BinaryExpr:
		if e.Op != "=" {
			return nil
		}
		col, ok := e.Left.(*parser.ColumnExpr)
		if !ok || col.Name != uniqueCol {
			return nil
		}
		k, ok := literalInt64(e.Right)
		if !ok {
			return nil
		}
		return &IndexLookupPlan{Table: src, Column: uniqueCol, Low: k, High: k, Equality: true}
	default:
		return nil
	}
}

func literalInt64(e parser.Expr) (int64, bool) {
	lit, ok := e.(*parser.LiteralExpr)
	if !ok {
		return 0, false
	}
	switch v := lit.Value.(type) {
	case int64:
		return v, true
	case float64:
		return record.EncodeFloatKey(v), true
	default:
		return 0, false
	}
}

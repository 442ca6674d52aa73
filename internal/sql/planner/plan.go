package planner

import (
	"github.com/tuannm99/shadowbase/internal/record"
	"github.com/tuannm99/shadowbase/internal/sql/parser"
)

// Plan is the interface for executable logical plans.
type Plan interface {
	planNode()
}

// ----- DDL / TCL plans -----

type CreateTablePlan struct {
	TableName string
	Schema    record.Schema
}

func (*CreateTablePlan) planNode() {}

type DropTablePlan struct {
	TableNames []string
}

func (*DropTablePlan) planNode() {}

type TruncateTablePlan struct {
	TableName string
}

func (*TruncateTablePlan) planNode() {}

type BeginPlan struct{}

func (*BeginPlan) planNode() {}

type CommitPlan struct{}

func (*CommitPlan) planNode() {}

type RollbackPlan struct{}

func (*RollbackPlan) planNode() {}

// ----- DML plans -----

// InsertPlan carries rows already coerced to the table's declared column
// types; arity/unknown-column/type checks all happen at plan-build time so
// ExecSQL fails before any row reaches the engine.
type InsertPlan struct {
	TableName string
	Schema    record.Schema
	Rows      [][]any
}

func (*InsertPlan) planNode() {}

type UpdatePlan struct {
	TableName string
	Schema    record.Schema
	Assigns   []Assignment
	Where     parser.Expr
}

type Assignment struct {
	Column string
	Pos    int
	Value  any
}

func (*UpdatePlan) planNode() {}

type DeletePlan struct {
	TableName string
	Schema    record.Schema
	Where     parser.Expr
}

func (*DeletePlan) planNode() {}

// ----- SELECT plans -----

// TableSource names one FROM/JOIN participant and its resolved schema.
type TableSource struct {
	Table  string
	Alias  string
	Schema record.Schema
}

// JoinPlan is a nested-loop join of Left and Right, filtered by On.
type JoinPlan struct {
	Left  TableSource
	Right TableSource
	On    parser.Expr
}

// IndexLookupPlan is chosen for a PREWHERE equality/BETWEEN predicate over
// the table's UNIQUE column (spec.md §6: "PREWHERE forces an index scan").
type IndexLookupPlan struct {
	Table     TableSource
	Column    string
	Low, High int64
	Equality  bool // true: Low == High is an exact key, not a range
}

// SeqScanPlan is a full heap scan, used when there is no PREWHERE or when
// PREWHERE does not reduce to a simple range on the UNIQUE column.
type SeqScanPlan struct {
	Table TableSource
}

// SelectPlan is a SELECT's full logical plan: one source (sequential scan,
// index lookup, or join), a column projection, an optional post-filter, and
// optional LIMIT/OFFSET, with Union chained for "... UNION SELECT ...".
type SelectPlan struct {
	Source     Plan // *SeqScanPlan | *IndexLookupPlan | *JoinPlan
	Projection []string
	Where      parser.Expr
	HasLimit   bool
	Limit      int64
	HasOffset  bool
	Offset     int64
	Union      *SelectPlan
}

func (*SelectPlan) planNode()      {}
func (*SeqScanPlan) planNode()     {}
func (*IndexLookupPlan) planNode() {}
func (*JoinPlan) planNode()        {}

// ----- EXPLAIN -----

type ExplainPlan struct {
	Inner   Plan
	Analyze bool
}

func (*ExplainPlan) planNode() {}

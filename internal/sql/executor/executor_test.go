package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/shadowbase/internal/engine"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	db, err := engine.NewDatabase(t.TempDir())
	require.NoError(t, err)
	return NewExecutor(db)
}

func mustExec(t *testing.T, e *Executor, sql string) *Result {
	t.Helper()
	res, err := e.ExecSQL(sql)
	require.NoError(t, err, sql)
	return res
}

func createUsers(t *testing.T, e *Executor) {
	t.Helper()
	mustExec(t, e, `CREATE TABLE users (id INT UNIQUE NOT NULL, name TEXT NOT NULL, age INT)`)
}

func TestExecutor_CreateInsertSelect(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	res := mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25)`)
	require.Equal(t, int64(2), res.AffectedRows)

	res = mustExec(t, e, `SELECT id, name, age FROM users`)
	require.Equal(t, []string{"id", "name", "age"}, res.Columns)
	require.Len(t, res.Rows, 2)
}

func TestExecutor_CreateTableDuplicateRejected(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	_, err := e.ExecSQL(`CREATE TABLE users (id INT UNIQUE, name TEXT)`)
	require.EqualError(t, err, "Table users already exists")
}

func TestExecutor_DropUnknownTableFails(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.ExecSQL(`DROP TABLE ghost`)
	require.EqualError(t, err, "Table ghost not found")
}

func TestExecutor_UniqueViolationReportsOffendingValue(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30)`)

	_, err := e.ExecSQL(`INSERT INTO users (id, name, age) VALUES (1, 'carol', 40)`)
	require.EqualError(t, err, "Duplicate value 1 in column id")
}

func TestExecutor_NotNullAndTypeMismatchErrors(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	_, err := e.ExecSQL(`INSERT INTO users (id, name, age) VALUES (1, null, 30)`)
	require.EqualError(t, err, "NULL is not allowed in column name")

	_, err = e.ExecSQL(`INSERT INTO users (id, name, age) VALUES ('x', 'alice', 30)`)
	require.Error(t, err)
}

func TestExecutor_UpdateRowsMatchingWhere(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25)`)

	res := mustExec(t, e, `UPDATE users SET age = 31 WHERE id = 1`)
	require.Equal(t, int64(1), res.AffectedRows)

	res = mustExec(t, e, `SELECT age FROM users WHERE id = 1`)
	require.Equal(t, [][]any{{int64(31)}}, res.Rows)
}

func TestExecutor_UpdateRekeySameStatementCollisionRejected(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25)`)

	_, err := e.ExecSQL(`UPDATE users SET id = 2 WHERE id = 1`)
	require.Error(t, err)
}

func TestExecutor_DeleteRowsMatchingWhere(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25)`)

	res := mustExec(t, e, `DELETE FROM users WHERE age < 28`)
	require.Equal(t, int64(1), res.AffectedRows)

	res = mustExec(t, e, `SELECT id FROM users`)
	require.Equal(t, [][]any{{int64(1)}}, res.Rows)
}

func TestExecutor_NullEqualitySemantics(t *testing.T) {
	e := newTestExecutor(t)
	mustExec(t, e, `CREATE TABLE t (id INT, tag TEXT)`)
	mustExec(t, e, `INSERT INTO t (id, tag) VALUES (1, null), (2, 'x')`)

	// spec.md §9: "x = NULL" matches the row(s) where x IS actually NULL.
	res := mustExec(t, e, `SELECT id FROM t WHERE tag = null`)
	require.Equal(t, [][]any{{int64(1)}}, res.Rows)

	res = mustExec(t, e, `SELECT id FROM t WHERE tag != null`)
	require.Equal(t, [][]any{{int64(2)}}, res.Rows)
}

func TestExecutor_PrewhereUsesIndexAndWhereStillFilters(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25), (3, 'carol', 40)`)

	res := mustExec(t, e, `SELECT name FROM users PREWHERE id BETWEEN 1 AND 3 WHERE age > 28`)
	require.ElementsMatch(t, [][]any{{"alice"}, {"carol"}}, res.Rows)
}

func TestExecutor_Join(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `CREATE TABLE orders (id INT UNIQUE, user_id INT, amount INT)`)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25)`)
	mustExec(t, e, `INSERT INTO orders (id, user_id, amount) VALUES (1, 1, 100), (2, 2, 50)`)

	res := mustExec(t, e, `SELECT users.name, orders.amount FROM users JOIN orders ON users.id = orders.user_id`)
	require.ElementsMatch(t, [][]any{{"alice", int64(100)}, {"bob", int64(50)}}, res.Rows)
}

func TestExecutor_JoinAmbiguousColumnRejected(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `CREATE TABLE orders (id INT UNIQUE, user_id INT, amount INT)`)

	_, err := e.ExecSQL(`SELECT id FROM users JOIN orders ON users.id = orders.user_id`)
	require.Error(t, err)
}

func TestExecutor_UnionUnifiesIntAndFloat(t *testing.T) {
	e := newTestExecutor(t)
	mustExec(t, e, `CREATE TABLE ints (v INT)`)
	mustExec(t, e, `CREATE TABLE floats (v FLOAT)`)
	mustExec(t, e, `INSERT INTO ints (v) VALUES (1), (2)`)
	mustExec(t, e, `INSERT INTO floats (v) VALUES (1.5)`)

	res := mustExec(t, e, `SELECT v FROM ints UNION SELECT v FROM floats`)
	require.ElementsMatch(t, [][]any{{1.0}, {2.0}, {1.5}}, res.Rows)
}

func TestExecutor_LimitOffset(t *testing.T) {
	e := newTestExecutor(t)
	mustExec(t, e, `CREATE TABLE t (id INT UNIQUE)`)
	for i := 1; i <= 5; i++ {
		mustExec(t, e, "INSERT INTO t (id) VALUES ("+FormatValue(int64(i))+")")
	}

	res := mustExec(t, e, `SELECT id FROM t PREWHERE id BETWEEN 1 AND 5 LIMIT 2 OFFSET 1`)
	require.Len(t, res.Rows, 2)
}

func TestExecutor_ExplainRendersPlanWithoutExecuting(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30)`)

	res := mustExec(t, e, `EXPLAIN SELECT * FROM users WHERE age > 10`)
	require.Contains(t, res.Explain, "SeqScan users")
	require.Nil(t, res.Columns)
}

func TestExecutor_ExplainAnalyzeExecutesAndReportsRows(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25)`)

	res := mustExec(t, e, `EXPLAIN ANALYZE SELECT * FROM users`)
	require.Contains(t, res.Explain, "actual rows=2")
	require.Len(t, res.Rows, 2)
}

func TestExecutor_SelectAgainstCatalog(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	res := mustExec(t, e, `SELECT name FROM __CATALOG__`)
	require.Equal(t, [][]any{{"users"}}, res.Rows)
}

func TestExecutor_ExplicitTransactionRollback(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	mustExec(t, e, `BEGIN`)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30)`)
	mustExec(t, e, `ROLLBACK`)

	res := mustExec(t, e, `SELECT id FROM users`)
	require.Empty(t, res.Rows)
}

func TestExecutor_ExplicitTransactionCommit(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	mustExec(t, e, `BEGIN`)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30)`)
	mustExec(t, e, `COMMIT`)

	res := mustExec(t, e, `SELECT id FROM users`)
	require.Equal(t, [][]any{{int64(1)}}, res.Rows)
}

func TestExecutor_TruncateTable(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	mustExec(t, e, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30)`)

	mustExec(t, e, `TRUNCATE TABLE users`)

	res := mustExec(t, e, `SELECT id FROM users`)
	require.Empty(t, res.Rows)
}

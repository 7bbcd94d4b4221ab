package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

func usersTable() *config.TableConfig {
	return &config.TableConfig{
		Name: "users",
		Fields: []*config.FieldConfig{
			{Name: "id", Type: capability.DataTypeString, PrimaryKey: true},
			{Name: "email", Type: capability.DataTypeString, Unique: true},
			{Name: "age", Type: capability.DataTypeInt, Nullable: true},
			{Name: "profile", Type: capability.DataTypeJSON, Nullable: true},
		},
	}
}

func TestCreateTableSQL(t *testing.T) {
	sql, err := createTableSQL(usersTable())
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "users" (`+
			`"id" TEXT PRIMARY KEY, `+
			`"email" TEXT NOT NULL UNIQUE, `+
			`"age" BIGINT, `+
			`"profile" JSONB)`,
		sql)
}

func TestCreateTableSQLRejectsVectors(t *testing.T) {
	table := usersTable()
	table.Fields = append(table.Fields, &config.FieldConfig{
		Name: "embedding", Type: capability.DataTypeVector,
	})
	_, err := createTableSQL(table)
	require.Error(t, err)
}

func TestUpsertSQL(t *testing.T) {
	sql, args := upsertSQL(usersTable(), map[string]interface{}{
		"id":    "u1",
		"email": "a@example.com",
	})
	assert.Equal(t,
		`INSERT INTO "users" ("email", "id") VALUES ($1, $2)`+
			` ON CONFLICT ("id") DO UPDATE SET "email" = EXCLUDED."email"`,
		sql)
	assert.Equal(t, []interface{}{"a@example.com", "u1"}, args)
}

func TestSelectSQLWithCriteria(t *testing.T) {
	spec := &core.QuerySpec{
		Table:      "users",
		Type:       capability.QueryTypeRangeScan,
		Criteria:   core.And(core.Range("age", 18, 65), core.Pattern("email", "@example\\.com$")),
		Projection: []string{"id", "email"},
		OrderBy:    []core.OrderField{{Field: "age", Descending: true}},
		Limit:      10,
		Offset:     20,
	}
	sql, args, err := selectSQL(spec)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "id", "email" FROM "users"`+
			` WHERE ("age" >= $1 AND "age" <= $2 AND "email" ~ $3)`+
			` ORDER BY "age" DESC LIMIT 10 OFFSET 20`,
		sql)
	assert.Equal(t, []interface{}{18, 65, "@example\\.com$"}, args)
}

func TestSelectSQLAggregation(t *testing.T) {
	spec := &core.QuerySpec{
		Table:   "users",
		Type:    capability.QueryTypeAggregation,
		GroupBy: []string{"age"},
		Aggregates: []core.Aggregate{
			{Func: core.AggCount, As: "n"},
			{Func: core.AggMax, Field: "age", As: "oldest"},
		},
	}
	sql, _, err := selectSQL(spec)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "age", COUNT(*) AS "n", MAX("age") AS "oldest" FROM "users" GROUP BY "age"`,
		sql)
}

func TestWhereClauseInAndOr(t *testing.T) {
	var argn int
	var args []interface{}
	frag, err := whereClause(
		core.Or(core.In("id", "a", "b"), core.Eq("email", "x@y")),
		&argn, &args)
	require.NoError(t, err)
	assert.Equal(t, `("id" IN ($1, $2) OR "email" = $3)`, frag)
	assert.Len(t, args, 3)
}

func TestWhereClauseEmptyIn(t *testing.T) {
	var argn int
	var args []interface{}
	frag, err := whereClause(core.In("id"), &argn, &args)
	require.NoError(t, err)
	assert.Equal(t, "FALSE", frag)
}

func TestWhereClauseRejectsSimilarity(t *testing.T) {
	var argn int
	var args []interface{}
	_, err := whereClause(core.NearVector("v", []float32{1}, 0.5), &argn, &args)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestUpdateAndDeleteSQL(t *testing.T) {
	sql, args, err := updateSQL("users", core.Eq("id", "u1"), map[string]interface{}{"age": 30})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "users" SET "age" = $1 WHERE "id" = $2`, sql)
	assert.Equal(t, []interface{}{30, "u1"}, args)

	sql, args, err = deleteSQL("users", core.Range("age", nil, 18))
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "age" <= $1`, sql)
	assert.Equal(t, []interface{}{18}, args)
}

func TestDeleteSQLNoCriteria(t *testing.T) {
	sql, args, err := deleteSQL("users", nil)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users"`, sql)
	assert.Empty(t, args)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"users"`, quoteIdent("users"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}

func TestCreateIndexSQL(t *testing.T) {
	table := usersTable()
	table.Fields[2].Indexed = true
	table.Indexes = []*config.IndexConfig{
		{Name: "users_email_age", Fields: []string{"email", "age"}, Unique: true},
	}
	stmts := createIndexSQL(table)
	require.Len(t, stmts, 2)
	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "idx_users_age" ON "users" ("age")`, stmts[0])
	assert.Equal(t, `CREATE UNIQUE INDEX IF NOT EXISTS "users_email_age" ON "users" ("email", "age")`, stmts[1])
}

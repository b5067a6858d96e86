package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pgdog-io/pgdog/router/route"
)

func TestClassify(t *testing.T) {
	assert := assert.New(t)

	type tcase struct {
		query string
		exp   StmtKind
	}

	for _, tt := range []tcase{
		{query: "SELECT 1", exp: StmtSelect},
		{query: "  select * from users", exp: StmtSelect},
		{query: "/* hint */ SELECT 1", exp: StmtSelect},
		{query: "-- leading comment\nselect 1", exp: StmtSelect},
		{query: "WITH a AS (SELECT 1) SELECT * FROM a", exp: StmtSelect},
		{query: "INSERT INTO users VALUES (1)", exp: StmtInsert},
		{query: "update users set x = 1", exp: StmtUpdate},
		{query: "DELETE FROM users", exp: StmtDelete},
		{query: "COPY users FROM STDIN", exp: StmtCopy},
		{query: "BEGIN", exp: StmtTXBegin},
		{query: "START TRANSACTION", exp: StmtTXBegin},
		{query: "COMMIT", exp: StmtTXCommit},
		{query: "END", exp: StmtTXCommit},
		{query: "ROLLBACK", exp: StmtTXRollback},
		{query: "abort", exp: StmtTXRollback},
		{query: "SET search_path TO public", exp: StmtSet},
		{query: "SET LOCAL statement_timeout = 100", exp: StmtSetLocal},
		{query: "RESET search_path", exp: StmtReset},
		{query: "SHOW server_version", exp: StmtShow},
		{query: "DISCARD ALL", exp: StmtDiscard},
		{query: "DEALLOCATE my_stmt", exp: StmtDeallocate},
		{query: "CREATE TABLE t (id int)", exp: StmtDDL},
		{query: "TRUNCATE users", exp: StmtDDL},
		{query: "", exp: StmtEmpty},
		{query: "   ;", exp: StmtEmpty},
		{query: "LISTEN chan", exp: StmtListen},
		{query: "UNLISTEN chan", exp: StmtListen},
		{query: "NOTIFY chan, 'hi'", exp: StmtNotify},
	} {
		kind, _ := Classify(tt.query)
		assert.Equal(tt.exp, kind, tt.query)
	}
}

func TestParseSet(t *testing.T) {
	assert := assert.New(t)

	type tcase struct {
		query string
		name  string
		value string
		local bool
	}

	for _, tt := range []tcase{
		{query: "SET search_path TO public", name: "search_path", value: "public"},
		{query: "SET search_path = 'public'", name: "search_path", value: "public"},
		{query: "set TimeZone to 'UTC'", name: "timezone", value: "UTC"},
		{query: "SET LOCAL statement_timeout = 100", name: "statement_timeout", value: "100", local: true},
		{query: "SET SESSION client_min_messages TO warning", name: "client_min_messages", value: "warning"},
		{query: "SET NAMES 'utf8'", name: "client_encoding", value: "utf8"},
		{query: `SET "pgdog.shard" = 2`, name: "pgdog.shard", value: "2"},
	} {
		_, toks := Classify(tt.query)
		name, value, local, ok := ParseSet(toks)
		assert.True(ok, tt.query)
		assert.Equal(tt.name, name, tt.query)
		assert.Equal(tt.value, value, tt.query)
		assert.Equal(tt.local, local, tt.query)
	}
}

func TestParseReset(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("RESET Search_Path")
	assert.NoError(err)
	assert.Equal(StmtReset, meta.Kind)
	assert.Equal("search_path", meta.ResetName)
	assert.False(meta.ResetAllParams)

	meta, err = Parse("RESET ALL")
	assert.NoError(err)
	assert.True(meta.ResetAllParams)
}

func TestParseShow(t *testing.T) {
	assert := assert.New(t)

	_, toks := Classify("SHOW server_version")
	name, ok := ParseShow(toks)
	assert.True(ok)
	assert.Equal("server_version", name)
}

func TestParseSelectCandidates(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("SELECT * FROM users WHERE id = 42")
	assert.NoError(err)
	assert.Equal(StmtSelect, meta.Kind)
	assert.Equal([]string{"users"}, meta.Tables)
	if assert.Len(meta.Candidates, 1) {
		assert.Equal("users", meta.Candidates[0].Table)
		assert.Equal("id", meta.Candidates[0].Column)
		assert.Equal([]string{"42"}, meta.Candidates[0].Values)
	}
}

func TestParseSelectParamRef(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("SELECT * FROM users WHERE id = $1")
	assert.NoError(err)
	if assert.Len(meta.Candidates, 1) {
		assert.Empty(meta.Candidates[0].Values)
		assert.Equal([]int{1}, meta.Candidates[0].ParamRefs)
	}
}

func TestParseSelectConjunction(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("SELECT * FROM orders WHERE customer_id = 7 AND status = 'open'")
	assert.NoError(err)

	cand, ok := meta.CandidateFor("orders", "customer_id")
	assert.True(ok)
	assert.Equal([]string{"7"}, cand.Values)

	cand, ok = meta.CandidateFor("orders", "status")
	assert.True(ok)
	assert.Equal([]string{"open"}, cand.Values)
}

func TestParseInsertValues(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("INSERT INTO users (id, email) VALUES (11, 'a@b.c')")
	assert.NoError(err)
	assert.Equal(StmtInsert, meta.Kind)

	cand, ok := meta.CandidateFor("users", "id")
	assert.True(ok)
	assert.Equal([]string{"11"}, cand.Values)

	cand, ok = meta.CandidateFor("users", "email")
	assert.True(ok)
	assert.Equal([]string{"a@b.c"}, cand.Values)
}

func TestParseInsertParams(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("INSERT INTO users (id, email) VALUES ($1, $2)")
	assert.NoError(err)

	cand, ok := meta.CandidateFor("users", "id")
	assert.True(ok)
	assert.Equal([]int{1}, cand.ParamRefs)
}

func TestParseUpdateWhere(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("UPDATE users SET email = 'x' WHERE id = 3")
	assert.NoError(err)
	assert.Equal(StmtUpdate, meta.Kind)

	cand, ok := meta.CandidateFor("users", "id")
	assert.True(ok)
	assert.Equal([]string{"3"}, cand.Values)
}

func TestParseNoCandidates(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("SELECT * FROM users")
	assert.NoError(err)
	assert.Empty(meta.Candidates)
	assert.Equal([]string{"users"}, meta.Tables)
}

func TestParseCopy(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("COPY users (id, email) FROM STDIN")
	assert.NoError(err)
	assert.Equal(StmtCopy, meta.Kind)
	assert.Equal("users", meta.CopyTable)
	assert.Equal([]string{"id", "email"}, meta.CopyColumns)
	assert.True(meta.CopyIsFrom)

	meta, err = Parse("COPY users TO STDOUT")
	assert.NoError(err)
	assert.False(meta.CopyIsFrom)
}

func TestParseAggregates(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("SELECT count(*), max(price) FROM orders")
	assert.NoError(err)

	if assert.Len(meta.Aggregates, 2) {
		assert.Equal(route.Aggregate{Kind: route.AggCount, Index: 0}, meta.Aggregates[0])
		assert.Equal(route.Aggregate{Kind: route.AggMax, Index: 1}, meta.Aggregates[1])
	}
	assert.False(meta.PlainTargets)
}

func TestParseOrderBy(t *testing.T) {
	assert := assert.New(t)

	type tcase struct {
		query string
		exp   []route.OrderColumn
	}

	for _, tt := range []tcase{
		{
			query: "SELECT * FROM users ORDER BY created_at",
			exp:   []route.OrderColumn{{Name: "created_at", Index: -1}},
		},
		{
			query: "SELECT * FROM users ORDER BY created_at DESC, id ASC",
			exp: []route.OrderColumn{
				{Name: "created_at", Index: -1, Desc: true},
				{Name: "id", Index: -1},
			},
		},
		{
			query: "SELECT * FROM users ORDER BY 2 DESC",
			exp:   []route.OrderColumn{{Index: 1, Desc: true}},
		},
		{
			query: "SELECT * FROM users ORDER BY u.name LIMIT 5",
			exp:   []route.OrderColumn{{Name: "name", Index: -1}},
		},
		{
			query: "SELECT * FROM (SELECT * FROM t ORDER BY x) sub",
			exp:   nil,
		},
		{
			query: "SELECT * FROM users",
			exp:   nil,
		},
	} {
		assert.Equal(tt.exp, ParseOrderBy(tt.query), tt.query)
	}
}

func TestSharedParserCaches(t *testing.T) {
	assert := assert.New(t)

	shp := NewSharedParser()

	m1, err := shp.Parse("SELECT * FROM users WHERE id = 1")
	assert.NoError(err)
	m2, err := shp.Parse("SELECT * FROM users WHERE id = 1")
	assert.NoError(err)

	assert.Same(m1, m2)
}

func TestParseOrderByNulls(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(
		[]route.OrderColumn{{Name: "score", Index: -1, Nulls: route.NullsFirst}},
		ParseOrderBy("SELECT * FROM users ORDER BY score NULLS FIRST"),
	)
	assert.Equal(
		[]route.OrderColumn{
			{Name: "score", Index: -1, Desc: true, Nulls: route.NullsLast},
			{Name: "id", Index: -1},
		},
		ParseOrderBy("SELECT * FROM users ORDER BY score DESC NULLS LAST, id"),
	)
}

func TestParseLimitOffset(t *testing.T) {
	assert := assert.New(t)

	limit, hasLimit, offset, exact := ParseLimitOffset("SELECT * FROM users LIMIT 5 OFFSET 2")
	assert.True(exact)
	assert.True(hasLimit)
	assert.Equal(int64(5), limit)
	assert.Equal(int64(2), offset)

	limit, hasLimit, offset, exact = ParseLimitOffset("SELECT * FROM users OFFSET 10")
	assert.True(exact)
	assert.False(hasLimit)
	assert.Equal(int64(10), offset)
	_ = limit

	_, hasLimit, _, exact = ParseLimitOffset("SELECT * FROM users LIMIT ALL")
	assert.False(hasLimit)

	_, _, _, exact = ParseLimitOffset("SELECT * FROM users LIMIT $1")
	assert.False(exact)

	/* LIMIT inside a subquery is not ours */
	_, hasLimit, _, exact = ParseLimitOffset("SELECT * FROM (SELECT * FROM t LIMIT 3) sub")
	assert.True(exact)
	assert.False(hasLimit)
}

func TestStripLimitOffset(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(
		"SELECT * FROM users ORDER BY id LIMIT 7",
		StripLimitOffset("SELECT * FROM users ORDER BY id LIMIT 5 OFFSET 2", 5, true, 2),
	)
	assert.Equal(
		"SELECT * FROM users",
		StripLimitOffset("SELECT * FROM users OFFSET 10", 0, false, 10),
	)
	/* trailing locking clause survives the cut */
	assert.Equal(
		"SELECT * FROM users ORDER BY id LIMIT 3 FOR UPDATE",
		StripLimitOffset("SELECT * FROM users ORDER BY id LIMIT 3 FOR UPDATE", 3, true, 0),
	)
}

func TestParseGroupBy(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("SELECT region, count(*) FROM orders GROUP BY region")
	assert.NoError(err)
	assert.True(meta.HasGroupBy)

	meta, err = Parse("SELECT count(*) FROM orders")
	assert.NoError(err)
	assert.False(meta.HasGroupBy)

	meta, err = Parse("SELECT * FROM (SELECT x FROM t GROUP BY x) sub")
	assert.NoError(err)
	assert.False(meta.HasGroupBy)
}

func TestParseUnmergeableAggregate(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("SELECT stddev(price) FROM orders")
	assert.NoError(err)
	assert.Equal("stddev", meta.UnmergeableAgg)

	meta, err = Parse("SELECT array_agg(name) FROM orders")
	assert.NoError(err)
	assert.Equal("array_agg", meta.UnmergeableAgg)

	meta, err = Parse("SELECT lower(name) FROM orders")
	assert.NoError(err)
	assert.Empty(meta.UnmergeableAgg)
}

func TestParseJoinUsingPropagatesKey(t *testing.T) {
	assert := assert.New(t)

	meta, err := Parse("SELECT * FROM orders JOIN users USING (id) WHERE orders.id = 5")
	assert.NoError(err)

	var forUsers *KeyCandidate
	for i := range meta.Candidates {
		if meta.Candidates[i].Table == "users" && meta.Candidates[i].Column == "id" {
			forUsers = &meta.Candidates[i]
		}
	}
	if assert.NotNil(forUsers, "USING (id) should carry the key to the joined table") {
		assert.Equal([]string{"5"}, forUsers.Values)
	}
}

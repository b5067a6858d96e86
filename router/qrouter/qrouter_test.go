package qrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/hashkey"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/plugin"
	"github.com/pgdog-io/pgdog/router/parser"
	"github.com/pgdog-io/pgdog/router/route"
)

func testRouter(shards int) *Router {
	return New("testdb", shards, []config.ShardedTable{
		{Database: "testdb", Name: "users", Column: "id", DataType: config.DataTypeBigint},
		{Database: "testdb", Column: "user_id", DataType: config.DataTypeBigint},
	}, nil)
}

func routeOne(t *testing.T, r *Router, query string) *route.Route {
	t.Helper()

	meta, err := parser.Parse(query)
	assert.NoError(t, err)

	res, err := r.Route(query, meta, NewHints(), nil, nil)
	assert.NoError(t, err)
	assert.NotNil(t, res.Route)
	return res.Route
}

func TestRouteDirectByKey(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	rt := routeOne(t, r, "SELECT * FROM users WHERE id = 12345")
	assert.Equal(route.SelectorDirect, rt.Selector.Kind)
	assert.Equal(hashkey.ShardBigint(12345, 4), rt.Selector.Shard)
	assert.Equal(config.RoleReplica, rt.Role)
}

func TestRouteWriteByKey(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	rt := routeOne(t, r, "INSERT INTO users (id, email) VALUES (77, 'a@b.c')")
	assert.Equal(route.SelectorDirect, rt.Selector.Kind)
	assert.Equal(hashkey.ShardBigint(77, 4), rt.Selector.Shard)
	assert.Equal(config.RolePrimary, rt.Role)
}

func TestRouteScatterSelect(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	rt := routeOne(t, r, "SELECT * FROM users")
	assert.Equal(route.SelectorAll, rt.Selector.Kind)
	assert.Equal(config.RoleReplica, rt.Role)
}

func TestRouteAnyNoTables(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	rt := routeOne(t, r, "SELECT 1")
	assert.Equal(route.SelectorAny, rt.Selector.Kind)
}

func TestRouteInsertWithoutKey(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	meta, err := parser.Parse("INSERT INTO users (email) VALUES ('a@b.c')")
	assert.NoError(err)

	_, err = r.Route("INSERT INTO users (email) VALUES ('a@b.c')", meta, NewHints(), nil, nil)
	assert.ErrorIs(err, pgerr.ErrShardingKeyMissing)
}

func TestRouteSingleShardFastPath(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(1)

	rt := routeOne(t, r, "SELECT * FROM users")
	assert.Equal(route.SelectorDirect, rt.Selector.Kind)
	assert.Equal(0, rt.Selector.Shard)
}

func TestRouteCommentHintShard(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	rt := routeOne(t, r, "/* pgdog_shard: 2 */ SELECT * FROM users")
	assert.Equal(route.SelectorDirect, rt.Selector.Kind)
	assert.Equal(2, rt.Selector.Shard)
}

func TestRouteCommentHintKey(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	rt := routeOne(t, r, "/* pgdog_sharding_key: 12345 */ SELECT * FROM users")
	assert.Equal(route.SelectorDirect, rt.Selector.Kind)
	assert.Equal(hashkey.ShardBigint(12345, 4), rt.Selector.Shard)
}

func TestRouteSessionShard(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	hints := NewHints()
	hints.SessionShard = 3

	meta, err := parser.Parse("SELECT * FROM users")
	assert.NoError(err)

	res, err := r.Route("SELECT * FROM users", meta, hints, nil, nil)
	assert.NoError(err)
	assert.Equal(route.SelectorDirect, res.Route.Selector.Kind)
	assert.Equal(3, res.Route.Selector.Shard)
}

func TestRouteTxPinsShard(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	hints := NewHints()
	hints.InTx = true

	query := "SELECT * FROM users WHERE id = 900"
	meta, err := parser.Parse(query)
	assert.NoError(err)

	res, err := r.Route(query, meta, hints, nil, nil)
	assert.NoError(err)
	first := res.Route.Selector.Shard
	assert.Equal(first, hints.TxShard)
	assert.Equal(config.RolePrimary, res.Route.Role)

	// second statement goes to the pinned shard even without a key
	query = "SELECT * FROM users"
	meta, err = parser.Parse(query)
	assert.NoError(err)

	res, err = r.Route(query, meta, hints, nil, nil)
	assert.NoError(err)
	assert.Equal(route.SelectorDirect, res.Route.Selector.Kind)
	assert.Equal(first, res.Route.Selector.Shard)
}

func TestRouteBindParam(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	query := "SELECT * FROM users WHERE id = $1"
	meta, err := parser.Parse(query)
	assert.NoError(err)

	res, err := r.Route(query, meta, NewHints(), [][]byte{[]byte("12345")}, nil)
	assert.NoError(err)
	assert.Equal(route.SelectorDirect, res.Route.Selector.Kind)
	assert.Equal(hashkey.ShardBigint(12345, 4), res.Route.Selector.Shard)
}

func TestRouteBindParamBinary(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	query := "SELECT * FROM users WHERE id = $1"
	meta, err := parser.Parse(query)
	assert.NoError(err)

	raw := []byte{0, 0, 0, 0, 0, 0, 0x30, 0x39} // 12345
	res, err := r.Route(query, meta, NewHints(), [][]byte{raw}, []int16{1})
	assert.NoError(err)
	assert.Equal(hashkey.ShardBigint(12345, 4), res.Route.Selector.Shard)
}

func TestRouteDDL(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	rt := routeOne(t, r, "CREATE TABLE t (id bigint)")
	assert.Equal(route.SelectorAll, rt.Selector.Kind)
	assert.Equal(config.RolePrimary, rt.Role)
}

func TestRewriteAvg(t *testing.T) {
	assert := assert.New(t)

	aggs := []route.Aggregate{
		{Kind: route.AggCount, Index: 0},
		{Kind: route.AggAvg, Index: 1},
	}
	q, out, pairs, err := RewriteAvg("SELECT count(*), avg(price) FROM orders", aggs)
	assert.NoError(err)
	assert.Equal("SELECT count(*), sum(price), count(price) FROM orders", q)
	assert.Equal([]route.Aggregate{
		{Kind: route.AggCount, Index: 0},
		{Kind: route.AggSum, Index: 1},
		{Kind: route.AggCount, Index: 2},
	}, out)
	assert.Equal([]route.AvgPair{{SumIndex: 1, CountIndex: 2}}, pairs)
}

func TestRouteScatterAvg(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(2)

	query := "SELECT avg(price) FROM orders"
	meta, err := parser.Parse(query)
	assert.NoError(err)

	res, err := r.Route(query, meta, NewHints(), nil, nil)
	assert.NoError(err)
	assert.Equal("SELECT sum(price), count(price) FROM orders", res.Query)
	assert.Equal([]route.AvgPair{{SumIndex: 0, CountIndex: 1}}, res.Route.AvgPairs)
}

type fixedPlugin struct {
	d plugin.Decision
}

func (p *fixedPlugin) Name() string                      { return "fixed" }
func (p *fixedPlugin) Route(*plugin.Context) plugin.Decision { return p.d }

func TestRoutePluginForward(t *testing.T) {
	assert := assert.New(t)

	chain := plugin.NewChain()
	chain.Register(&fixedPlugin{d: plugin.Decision{Kind: plugin.Forward, Shard: 1}})

	r := New("testdb", 4, nil, chain)

	meta, err := parser.Parse("SELECT * FROM anything")
	assert.NoError(err)

	res, err := r.Route("SELECT * FROM anything", meta, NewHints(), nil, nil)
	assert.NoError(err)
	assert.Equal(route.SelectorDirect, res.Route.Selector.Kind)
	assert.Equal(1, res.Route.Selector.Shard)
}

func TestRoutePluginError(t *testing.T) {
	assert := assert.New(t)

	chain := plugin.NewChain()
	chain.Register(&fixedPlugin{d: plugin.Decision{
		Kind:       plugin.Error,
		ErrCode:    pgerr.RoutingError,
		ErrMessage: "denied",
	}})

	r := New("testdb", 4, nil, chain)

	meta, err := parser.Parse("SELECT 1")
	assert.NoError(err)

	_, err = r.Route("SELECT 1", meta, NewHints(), nil, nil)
	assert.Error(err)
}

func TestRouteScatterLimitRewrite(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(2)

	query := "SELECT * FROM users ORDER BY id LIMIT 5 OFFSET 2"
	meta, err := parser.Parse(query)
	assert.NoError(err)

	res, err := r.Route(query, meta, NewHints(), nil, nil)
	assert.NoError(err)

	/* shards return their whole prefix, the merge applies the window */
	assert.Equal("SELECT * FROM users ORDER BY id LIMIT 7", res.Query)
	assert.True(res.Route.HasLimit)
	assert.Equal(int64(5), res.Route.Limit)
	assert.Equal(int64(2), res.Route.Offset)
}

func TestRouteScatterParameterizedLimitKept(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(2)

	query := "SELECT * FROM users ORDER BY id LIMIT $1"
	meta, err := parser.Parse(query)
	assert.NoError(err)

	res, err := r.Route(query, meta, NewHints(), nil, nil)
	assert.NoError(err)
	assert.Equal(query, res.Query)
	assert.False(res.Route.HasLimit)
}

func TestRouteDirectLimitUntouched(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	query := "SELECT * FROM users WHERE id = 5 LIMIT 3"
	meta, err := parser.Parse(query)
	assert.NoError(err)

	res, err := r.Route(query, meta, NewHints(), nil, nil)
	assert.NoError(err)
	assert.Equal(route.SelectorDirect, res.Route.Selector.Kind)
	assert.Equal(query, res.Query)
}

func TestRouteUnmergeableAggregate(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(2)

	meta, err := parser.Parse("SELECT stddev(price) FROM users")
	assert.NoError(err)

	_, err = r.Route("SELECT stddev(price) FROM users", meta, NewHints(), nil, nil)
	assert.Error(err)
	assert.Contains(err.Error(), "stddev() cannot be computed across shards")
}

func TestRouteCrossShardWriteDenied(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	meta, err := parser.Parse("UPDATE users SET email = 'x'")
	assert.NoError(err)

	_, err = r.Route("UPDATE users SET email = 'x'", meta, NewHints(), nil, nil)
	assert.Error(err)
	assert.Contains(err.Error(), "cross-shard writes are disabled")
}

func TestRouteCrossShardWriteRequiresTx(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)
	r.SetCrossShardWrites(true)

	meta, err := parser.Parse("DELETE FROM users WHERE email = 'x'")
	assert.NoError(err)

	_, err = r.Route("DELETE FROM users WHERE email = 'x'", meta, NewHints(), nil, nil)
	assert.Error(err)
	assert.Contains(err.Error(), "transaction block")

	hints := NewHints()
	hints.InTx = true
	res, err := r.Route("DELETE FROM users WHERE email = 'x'", meta, hints, nil, nil)
	assert.NoError(err)
	assert.Equal(route.SelectorAll, res.Route.Selector.Kind)
	assert.Equal(config.RolePrimary, res.Route.Role)
}

func TestRouteJoinUsingKey(t *testing.T) {
	assert := assert.New(t)
	r := testRouter(4)

	/* USING (id) makes orders.id equal to users.id, the key constraint
	 * carries over and the join routes direct */
	query := "SELECT * FROM orders JOIN users USING (id) WHERE orders.id = 12345"
	meta, err := parser.Parse(query)
	assert.NoError(err)

	res, err := r.Route(query, meta, NewHints(), nil, nil)
	assert.NoError(err)
	assert.Equal(route.SelectorDirect, res.Route.Selector.Kind)
	assert.Equal(hashkey.ShardBigint(12345, 4), res.Route.Selector.Shard)
}

type paramsPlugin struct {
	seen map[string]string
}

func (p *paramsPlugin) Name() string { return "params" }
func (p *paramsPlugin) Route(ctx *plugin.Context) plugin.Decision {
	p.seen = ctx.Params
	return plugin.Decision{Kind: plugin.NoDecision}
}

func TestRoutePluginSeesSessionParams(t *testing.T) {
	assert := assert.New(t)

	pl := &paramsPlugin{}
	chain := plugin.NewChain()
	chain.Register(pl)

	r := New("testdb", 4, nil, chain)

	meta, err := parser.Parse("SELECT 1")
	assert.NoError(err)

	hints := NewHints()
	hints.SessionParams = map[string]string{"application_name": "billing"}

	_, err = r.Route("SELECT 1", meta, hints, nil, nil)
	assert.NoError(err)
	assert.Equal("billing", pl.seen["application_name"])
}

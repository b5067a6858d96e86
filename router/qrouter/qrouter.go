package qrouter

import (
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/hashkey"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/plugin"
	"github.com/pgdog-io/pgdog/router/parser"
	"github.com/pgdog-io/pgdog/router/route"
)

// Session parameters the router recognizes and never forwards.
const (
	ParamShard       = "pgdog.shard"
	ParamShardingKey = "pgdog.sharding_key"
	ParamShards      = "pgdog.shards"
)

// NoShard means no sticky shard is set on the session.
const NoShard = -1

// Hints is the per-session routing state the client layer carries
// between queries. A transaction pins role and shard on its first
// routed statement.
type Hints struct {
	// From SET "pgdog.shard" / SET "pgdog.sharding_key".
	SessionShard int
	SessionKey   string

	// Pinned by the first routed statement of an open transaction.
	TxShard int
	TxRole  config.Role
	InTx    bool

	// Live view of the client's session parameters, read-only for
	// plugins.
	SessionParams map[string]string
}

func NewHints() *Hints {
	return &Hints{SessionShard: NoShard, TxShard: NoShard}
}

func (h *Hints) Reset() {
	h.SessionShard = NoShard
	h.SessionKey = ""
	h.TxShard = NoShard
	h.TxRole = ""
	h.InTx = false
}

// Result is the routing outcome for one query. Exactly one of
// Intercept and Route is set. Query carries the possibly rewritten
// statement text.
type Result struct {
	Route     *route.Route
	Intercept *plugin.Decision
	Query     string
}

type Router struct {
	db     string
	shards int
	tables []config.ShardedTable
	chain  *plugin.Chain

	// cross_shard_writes: a keyless UPDATE/DELETE may scatter to
	// every shard when enabled, and only inside a transaction
	crossShardWrites bool
}

func New(db string, shards int, tables []config.ShardedTable, chain *plugin.Chain) *Router {
	if shards < 1 {
		shards = 1
	}
	return &Router{
		db:     db,
		shards: shards,
		tables: tables,
		chain:  chain,
	}
}

func (r *Router) ShardCount() int {
	return r.shards
}

// SetCrossShardWrites applies the cross_shard_writes policy.
func (r *Router) SetCrossShardWrites(allow bool) {
	r.crossShardWrites = allow
}

// Route decides where one query goes. Bind parameters resolve
// extended-protocol key candidates of the form col = $n.
func (r *Router) Route(query string, meta *parser.QueryMeta, hints *Hints, params [][]byte, formatCodes []int16) (*Result, error) {
	if r.chain != nil && r.chain.Len() > 0 {
		res, rewritten, err := r.routePlugins(query, meta, hints)
		if err != nil || res != nil {
			return res, err
		}
		if rewritten != query {
			query = rewritten
			meta, err = parser.Parse(query)
			if err != nil {
				return nil, err
			}
		}
	}

	rt, err := r.routeQuery(query, meta, hints, params, formatCodes)
	if err != nil {
		return nil, err
	}

	res := &Result{Route: rt, Query: query}

	if rt.Selector.Kind == route.SelectorAll && hasAvg(meta.Aggregates) {
		rewritten, aggs, pairs, err := RewriteAvg(query, meta.Aggregates)
		if err != nil {
			return nil, err
		}
		res.Query = rewritten
		rt.Aggregates = aggs
		rt.AvgPairs = pairs
	}

	if rt.Selector.Kind == route.SelectorAll && meta.Kind == parser.StmtSelect &&
		meta.LimitExact && (rt.HasLimit || rt.Offset > 0) {
		/* shards each return their full prefix of limit+offset rows,
		 * the merge applies the offset and cuts the stream */
		res.Query = parser.StripLimitOffset(res.Query, rt.Limit, rt.HasLimit, rt.Offset)
	}

	if hints.InTx && rt.Selector.Kind == route.SelectorDirect && hints.TxShard == NoShard {
		hints.TxShard = rt.Selector.Shard
		hints.TxRole = rt.Role
	}

	doglog.Zero.Debug().
		Str("db", r.db).
		Str("route", rt.String()).
		Str("kind", meta.Kind.String()).
		Msg("routed query")

	return res, nil
}

// routePlugins consults the plugin chain. A nil result with no
// error means no plugin decided; the returned query reflects any
// rewrites the chain applied.
func (r *Router) routePlugins(query string, meta *parser.QueryMeta, hints *Hints) (*Result, string, error) {
	ctx := plugin.Context{
		Query:    query,
		Database: r.db,
		Shards:   r.shards,
		InTx:     hints.InTx,
		Params:   hints.SessionParams,
	}
	d := r.chain.Route(&ctx)

	switch d.Kind {
	case plugin.Forward:
		role := config.RolePrimary
		if !isWrite(meta.Kind) {
			role = config.RoleReplica
		}
		sel := route.Any()
		if d.Shard >= 0 {
			sel = route.Direct(d.Shard % r.shards)
		}
		return &Result{
			Route: &route.Route{Role: role, Selector: sel},
			Query: ctx.Query,
		}, ctx.Query, nil
	case plugin.Error:
		return nil, ctx.Query, pgerr.New(d.ErrCode, d.ErrMessage)
	case plugin.Intercept:
		return &Result{Intercept: &d, Query: ctx.Query}, ctx.Query, nil
	}

	return nil, ctx.Query, nil
}

func (r *Router) routeQuery(query string, meta *parser.QueryMeta, hints *Hints, params [][]byte, formatCodes []int16) (*route.Route, error) {
	role := config.RolePrimary
	if meta.Kind == parser.StmtSelect {
		role = config.RoleReplica
	}
	if hints.InTx {
		// transactions stay on one role end to end
		if hints.TxRole != "" {
			role = hints.TxRole
		} else {
			role = config.RolePrimary
		}
	}

	// comment hints override everything
	ch, err := parser.ParseHints(meta.Comment)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.RoutingError, err)
	}
	if ch.Role == string(config.RolePrimary) {
		role = config.RolePrimary
	} else if ch.Role == string(config.RoleReplica) && !hints.InTx {
		role = config.RoleReplica
	}
	if ch.HasShard {
		return &route.Route{Role: role, Selector: route.Direct(ch.Shard % r.shards)}, nil
	}
	if ch.HasKey {
		shard := hashkey.ShardString(ch.ShardingKey, r.shards, r.centroids())
		if shard < 0 {
			return nil, pgerr.Newf(pgerr.RoutingError, "cannot hash sharding key %q", ch.ShardingKey)
		}
		return &route.Route{Role: role, Selector: route.Direct(shard)}, nil
	}

	if r.shards == 1 {
		return &route.Route{Role: role, Selector: route.Direct(0)}, nil
	}

	// transaction already pinned to a shard
	if hints.InTx && hints.TxShard != NoShard {
		return &route.Route{Role: role, Selector: route.Direct(hints.TxShard)}, nil
	}

	// session pinned via SET "pgdog.shard"
	if hints.SessionShard != NoShard {
		return &route.Route{Role: role, Selector: route.Direct(hints.SessionShard % r.shards)}, nil
	}
	if hints.SessionKey != "" {
		shard := hashkey.ShardString(hints.SessionKey, r.shards, r.centroids())
		if shard >= 0 {
			return &route.Route{Role: role, Selector: route.Direct(shard)}, nil
		}
	}

	switch meta.Kind {
	case parser.StmtDDL:
		return &route.Route{Role: config.RolePrimary, Selector: route.All()}, nil
	case parser.StmtCopy:
		return &route.Route{Role: config.RolePrimary, Selector: route.All()}, nil
	}

	shards, err := r.shardsForMeta(meta, params, formatCodes)
	if err != nil {
		return nil, err
	}

	switch {
	case len(shards) == 1:
		return &route.Route{Role: role, Selector: route.Direct(shards[0])}, nil

	case meta.Kind == parser.StmtSelect:
		if len(meta.Tables) == 0 {
			// SELECT 1 and friends carry no table data
			return &route.Route{Role: role, Selector: route.Any()}, nil
		}
		if meta.UnmergeableAgg != "" {
			return nil, pgerr.New(pgerr.RoutingError,
				"aggregate function "+meta.UnmergeableAgg+"() cannot be computed across shards")
		}
		if len(meta.Aggregates) > 0 && meta.PlainTargets && !meta.HasGroupBy {
			return nil, pgerr.New(pgerr.RoutingError,
				"mixing aggregates and plain columns is not supported across shards")
		}
		rt := &route.Route{
			Role:       role,
			Selector:   route.All(),
			Order:      meta.Order,
			Aggregates: meta.Aggregates,
			GroupBy:    meta.HasGroupBy,
		}
		if meta.LimitExact {
			rt.HasLimit = meta.HasLimit
			rt.Limit = meta.Limit
			rt.Offset = meta.Offset
		}
		return rt, nil

	case meta.Kind == parser.StmtInsert:
		// a scattered INSERT would write the row everywhere
		return nil, pgerr.ErrShardingKeyMissing

	case meta.Kind == parser.StmtUpdate || meta.Kind == parser.StmtDelete:
		if !r.crossShardWrites {
			return nil, pgerr.New(pgerr.RoutingError,
				"no sharding key in "+meta.Kind.String()+", cross-shard writes are disabled")
		}
		if !hints.InTx {
			return nil, pgerr.New(pgerr.RoutingError,
				"cross-shard "+meta.Kind.String()+" must run inside a transaction block")
		}
		return &route.Route{Role: config.RolePrimary, Selector: route.All()}, nil
	}

	return &route.Route{Role: role, Selector: route.All()}, nil
}

// shardsForMeta maps extracted key candidates to a distinct shard
// set. Only candidates matching a declared sharding column count.
func (r *Router) shardsForMeta(meta *parser.QueryMeta, params [][]byte, formatCodes []int16) ([]int, error) {
	seen := map[int]struct{}{}
	var shards []int

	add := func(shard int) {
		if _, ok := seen[shard]; !ok {
			seen[shard] = struct{}{}
			shards = append(shards, shard)
		}
	}

	for i := range meta.Candidates {
		cand := &meta.Candidates[i]

		decl := r.shardedColumn(cand.Table, cand.Column)
		if decl == nil {
			continue
		}

		for _, v := range cand.Values {
			shard := hashkey.ShardValue(v, decl.Type(), r.shards, decl.Centroids)
			if shard < 0 {
				return nil, pgerr.Newf(pgerr.RoutingError,
					"cannot hash %q as %s for column %s.%s", v, decl.Type(), cand.Table, cand.Column)
			}
			add(shard)
		}

		for _, n := range cand.ParamRefs {
			v, ok := decodeParam(n, params, formatCodes)
			if !ok {
				continue
			}
			shard := hashkey.ShardValue(v, decl.Type(), r.shards, decl.Centroids)
			if shard < 0 {
				return nil, pgerr.Newf(pgerr.RoutingError,
					"cannot hash parameter $%d as %s for column %s.%s", n, decl.Type(), cand.Table, cand.Column)
			}
			add(shard)
		}
	}

	return shards, nil
}

func (r *Router) shardedColumn(table, column string) *config.ShardedTable {
	for i := range r.tables {
		t := &r.tables[i]
		if t.Matches(r.db, table) && t.Column == column {
			return t
		}
	}
	return nil
}

func (r *Router) centroids() [][]float64 {
	for i := range r.tables {
		if len(r.tables[i].Centroids) > 0 {
			return r.tables[i].Centroids
		}
	}
	return nil
}

func isWrite(kind parser.StmtKind) bool {
	switch kind {
	case parser.StmtInsert, parser.StmtUpdate, parser.StmtDelete,
		parser.StmtCopy, parser.StmtDDL:
		return true
	}
	return false
}

func hasAvg(aggs []route.Aggregate) bool {
	for _, a := range aggs {
		if a.Kind == route.AggAvg {
			return true
		}
	}
	return false
}

// mirroredSet names the SET parameters forwarded to every shard.
// The rest of the session parameters are held on the client and
// replayed when a server connection is bound.
var mirroredSet = map[string]struct{}{
	"statement_timeout":                   {},
	"lock_timeout":                        {},
	"idle_in_transaction_session_timeout": {},
	"work_mem":                            {},
	"random_page_cost":                    {},
}

func MirroredSet(name string) bool {
	_, ok := mirroredSet[name]
	return ok
}

package parser

import (
	"strconv"
	"strings"
	"sync"

	"github.com/go-faster/city"
	"github.com/pg-sharding/lyx/lyx"

	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/router/route"
)

// KeyCandidate is one column the query constrains with a constant
// or a bind parameter. The router matches candidates against the
// sharded table configuration to compute a shard.
type KeyCandidate struct {
	Table  string
	Column string

	// Const values, as query text.
	Values []string
	// One-based bind parameter numbers for candidates of the
	// form col = $n.
	ParamRefs []int
}

// QueryMeta is everything routing needs to know about one query.
type QueryMeta struct {
	Kind    StmtKind
	Stmt    lyx.Node
	Comment string

	Tables     []string
	Candidates []KeyCandidate

	// CTE names shadow real relations for the rest of the query.
	CTENames map[string]struct{}
	// alias -> relation name
	aliases map[string]string

	Order      []route.OrderColumn
	Aggregates []route.Aggregate
	// Non-aggregate target columns present alongside aggregates.
	PlainTargets bool
	// The query groups; the gather side folds per group.
	HasGroupBy bool
	// An aggregate in the projection whose shard partials cannot be
	// merged, like stddev or array_agg.
	UnmergeableAgg string

	// Literal LIMIT/OFFSET of the outermost SELECT. LimitExact is
	// false when a count was a bind parameter or an expression.
	HasLimit   bool
	Limit      int64
	Offset     int64
	LimitExact bool

	SetName  string
	SetValue string
	SetLocal bool
	ShowName string

	ResetName      string
	ResetAllParams bool

	CopyTable     string
	CopyColumns   []string
	CopyIsFrom    bool
	CopyDelimiter byte
}

// Parse classifies and parses a single query. SET, SHOW, DISCARD
// and transaction control never reach lyx since the router handles
// them itself.
func Parse(query string) (*QueryMeta, error) {
	kind, toks := Classify(query)

	meta := &QueryMeta{
		Kind:     kind,
		Comment:  QueryComment(query),
		CTENames: map[string]struct{}{},
		aliases:  map[string]string{},
	}

	switch kind {
	case StmtEmpty, StmtTXBegin, StmtTXCommit, StmtTXRollback,
		StmtDiscard, StmtDeallocate, StmtDDL, StmtOther:
		return meta, nil
	case StmtSet, StmtSetLocal:
		name, value, local, ok := ParseSet(toks)
		if ok {
			meta.SetName = name
			meta.SetValue = value
			meta.SetLocal = local
		}
		return meta, nil
	case StmtReset:
		if name, all, ok := ParseReset(toks); ok {
			meta.ResetName = name
			meta.ResetAllParams = all
		}
		return meta, nil
	case StmtShow:
		if name, ok := ParseShow(toks); ok {
			meta.ShowName = name
		}
		return meta, nil
	}

	stmt, err := lyx.Parse(query)
	if err != nil {
		doglog.Zero.Debug().Err(err).Msg("query did not parse, routing to all shards")
		return meta, nil
	}
	if stmt == nil {
		meta.Kind = StmtEmpty
		return meta, nil
	}
	meta.Stmt = stmt

	if err := meta.analyze(meta.Stmt); err != nil {
		return nil, err
	}

	if kind == StmtCopy {
		meta.CopyIsFrom = copyIsFrom(toks)
	}
	if kind == StmtSelect {
		meta.Order = ParseOrderBy(query)
		meta.Limit, meta.HasLimit, meta.Offset, meta.LimitExact = ParseLimitOffset(query)
		meta.HasGroupBy = HasGroupBy(query)
		meta.analyzeTargets(meta.Stmt)
		meta.propagateUsingEqualities(toks)
	}

	return meta, nil
}

func (qm *QueryMeta) analyze(stmt lyx.Node) error {
	switch s := stmt.(type) {
	case *lyx.Select:
		if s.WithClause != nil {
			for _, cte := range s.WithClause {
				qm.CTENames[cte.Name] = struct{}{}
				if err := qm.analyze(cte.SubQuery); err != nil {
					return err
				}
			}
		}

		if s.FromClause != nil {
			if err := qm.analyzeFromList(s.FromClause); err != nil {
				return err
			}
		}

		if s.LArg != nil {
			if err := qm.analyze(s.LArg); err != nil {
				return err
			}
		}
		if s.RArg != nil {
			if err := qm.analyze(s.RArg); err != nil {
				return err
			}
		}

		return qm.analyzeWhere(s.Where)

	case *lyx.Insert:
		if s.WithClause != nil {
			for _, cte := range s.WithClause {
				qm.CTENames[cte.Name] = struct{}{}
				if err := qm.analyze(cte.SubQuery); err != nil {
					return err
				}
			}
		}

		table := qm.recordTableRef(s.TableRef)

		switch vals := s.SubSelect.(type) {
		case *lyx.ValueClause:
			qm.analyzeInsertValues(table, s.Columns, vals)
		case *lyx.Select:
			if err := qm.analyze(vals); err != nil {
				return err
			}
		}
		return nil

	case *lyx.Update:
		if s.WithClause != nil {
			for _, cte := range s.WithClause {
				qm.CTENames[cte.Name] = struct{}{}
				if err := qm.analyze(cte.SubQuery); err != nil {
					return err
				}
			}
		}
		qm.recordTableRef(s.TableRef)
		return qm.analyzeWhere(s.Where)

	case *lyx.Delete:
		if s.WithClause != nil {
			for _, cte := range s.WithClause {
				qm.CTENames[cte.Name] = struct{}{}
				if err := qm.analyze(cte.SubQuery); err != nil {
					return err
				}
			}
		}
		qm.recordTableRef(s.TableRef)
		return qm.analyzeWhere(s.Where)

	case *lyx.Copy:
		switch tr := s.TableRef.(type) {
		case *lyx.RangeVar:
			qm.CopyTable = tr.RelationName
			qm.recordTable(tr)
		}
		qm.CopyColumns = s.Columns
		qm.CopyDelimiter = '\t'
		for _, opt := range s.Options {
			o, ok := opt.(*lyx.Option)
			if !ok || o == nil {
				continue
			}
			switch strings.ToLower(o.Name) {
			case "delimiter":
				if arg, ok := o.Arg.(*lyx.AExprSConst); ok && len(arg.Value) > 0 {
					qm.CopyDelimiter = arg.Value[0]
				}
			case "format":
				if arg, ok := o.Arg.(*lyx.AExprSConst); ok && arg.Value == "csv" {
					qm.CopyDelimiter = ','
				}
			}
		}
		return nil

	case *lyx.ValueClause:
		return nil
	}

	return nil
}

func (qm *QueryMeta) analyzeFromList(clause []lyx.FromClauseNode) error {
	for _, node := range clause {
		if err := qm.analyzeFromNode(node); err != nil {
			return err
		}
	}
	return nil
}

func (qm *QueryMeta) analyzeFromNode(node lyx.FromClauseNode) error {
	switch q := node.(type) {
	case *lyx.RangeVar:
		qm.recordTable(q)
	case *lyx.JoinExpr:
		if err := qm.analyzeFromNode(q.Larg); err != nil {
			return err
		}
		if err := qm.analyzeFromNode(q.Rarg); err != nil {
			return err
		}
	case *lyx.SubSelect:
		return qm.analyze(q.Arg)
	default:
		// lateral join, natural, etc
	}
	return nil
}

func (qm *QueryMeta) analyzeWhere(expr lyx.Node) error {
	if expr == nil {
		return nil
	}

	switch texpr := expr.(type) {
	case *lyx.AExprIn:
		switch col := texpr.Expr.(type) {
		case *lyx.ColumnRef:
			switch sub := texpr.SubLink.(type) {
			case *lyx.AExprList:
				qm.recordInList(col, sub.List)
			case *lyx.Select:
				return qm.analyze(sub)
			}
		}

	case *lyx.AExprOp:
		switch lft := texpr.Left.(type) {
		case *lyx.ColumnRef:
			if texpr.Op == "=" {
				qm.recordBinding(lft, texpr.Right)
			}

			switch right := texpr.Right.(type) {
			case *lyx.FuncApplication:
				// WHERE col = ANY(ARRAY(subselect)) carries a
				// routable statement inside the function call.
				if strings.ToLower(right.Name) == "any" && len(right.Args) > 0 {
					switch argexpr := right.Args[0].(type) {
					case *lyx.SubLink:
						return qm.analyze(argexpr.SubSelect)
					}
				}
			}

		case *lyx.Select:
			return qm.analyze(lft)
		default:
			if err := qm.analyzeWhere(texpr.Left); err != nil {
				return err
			}
			return qm.analyzeWhere(texpr.Right)
		}

	case *lyx.ColumnRef:
		/* colref = colref, skip */
	case *lyx.AExprIConst, *lyx.AExprSConst, *lyx.AExprBConst, *lyx.AExprNConst, *lyx.ParamRef:
	case *lyx.AExprEmpty:
	case *lyx.AExprList:
	case *lyx.Select:
		return qm.analyze(texpr)
	case *lyx.FuncApplication:
		if strings.ToLower(texpr.Name) == "any" && len(texpr.Args) > 0 {
			switch argexpr := texpr.Args[0].(type) {
			case *lyx.SubLink:
				return qm.analyze(argexpr.SubSelect)
			}
		}
	}
	return nil
}

// analyzeTargets collects aggregate functions from the projection.
// Only needed when the query scatters to several shards.
func (qm *QueryMeta) analyzeTargets(stmt lyx.Node) {
	s, ok := stmt.(*lyx.Select)
	if !ok {
		return
	}

	for idx, expr := range s.TargetList {
		actualExpr := expr
		if rt, ok := expr.(*lyx.ResTarget); ok {
			actualExpr = rt.Value
		}

		switch e := actualExpr.(type) {
		case *lyx.FuncApplication:
			kind, ok := aggregateKind(e.Name)
			if !ok {
				if unmergeableAggregate(e.Name) && qm.UnmergeableAgg == "" {
					qm.UnmergeableAgg = strings.ToLower(e.Name)
				}
				qm.PlainTargets = true
				continue
			}
			qm.Aggregates = append(qm.Aggregates, route.Aggregate{
				Kind:  kind,
				Index: idx,
			})
		default:
			qm.PlainTargets = true
		}
	}
}

// unmergeableAggregate lists aggregates whose per-shard partials
// cannot be recombined from the outside. They have to error on a
// scattered query instead of streaming wrong partials through.
var unmergeableAggregates = map[string]struct{}{
	"stddev": {}, "stddev_pop": {}, "stddev_samp": {},
	"variance": {}, "var_pop": {}, "var_samp": {},
	"array_agg": {}, "string_agg": {},
	"json_agg": {}, "jsonb_agg": {},
	"json_object_agg": {}, "jsonb_object_agg": {},
	"percentile_cont": {}, "percentile_disc": {}, "mode": {},
	"corr": {}, "covar_pop": {}, "covar_samp": {},
}

func unmergeableAggregate(name string) bool {
	_, ok := unmergeableAggregates[strings.ToLower(name)]
	return ok
}

// propagateUsingEqualities widens key candidates across JOIN USING
// columns. USING(id) makes both sides equal on id, so a constant
// binding on one relation constrains the other as well.
func (qm *QueryMeta) propagateUsingEqualities(toks []string) {
	cols := map[string]struct{}{}
	for i := 0; i+2 < len(toks); i++ {
		if toks[i] != "USING" || toks[i+1] != "(" {
			continue
		}
		for j := i + 2; j < len(toks) && toks[j] != ")"; j++ {
			if toks[j] == "," {
				continue
			}
			cols[unquoteIdent(toks[j])] = struct{}{}
		}
	}
	if len(cols) == 0 {
		return
	}

	var extra []KeyCandidate
	for _, cand := range qm.Candidates {
		if _, ok := cols[cand.Column]; !ok {
			continue
		}
		for _, table := range qm.Tables {
			if table == cand.Table {
				continue
			}
			extra = append(extra, KeyCandidate{
				Table:     table,
				Column:    cand.Column,
				Values:    cand.Values,
				ParamRefs: cand.ParamRefs,
			})
		}
	}
	qm.Candidates = append(qm.Candidates, extra...)
}

func aggregateKind(name string) (route.AggregateKind, bool) {
	switch strings.ToLower(name) {
	case "count":
		return route.AggCount, true
	case "sum":
		return route.AggSum, true
	case "min":
		return route.AggMin, true
	case "max":
		return route.AggMax, true
	case "avg":
		return route.AggAvg, true
	}
	return 0, false
}

func (qm *QueryMeta) recordTable(rv *lyx.RangeVar) {
	if _, cte := qm.CTENames[rv.RelationName]; cte {
		return
	}
	qm.Tables = append(qm.Tables, rv.RelationName)
	if rv.Alias != "" {
		qm.aliases[rv.Alias] = rv.RelationName
	}
}

func (qm *QueryMeta) recordTableRef(ref lyx.FromClauseNode) string {
	switch rv := ref.(type) {
	case *lyx.RangeVar:
		qm.recordTable(rv)
		return rv.RelationName
	}
	return ""
}

// resolveTable maps a column reference to a relation. An aliased
// reference must resolve through the alias map, an unqualified one
// is attributed to the single relation of the query, if there is
// exactly one.
func (qm *QueryMeta) resolveTable(alias string) (string, bool) {
	if alias != "" {
		if rel, ok := qm.aliases[alias]; ok {
			return rel, true
		}
		for _, t := range qm.Tables {
			if t == alias {
				return t, true
			}
		}
		return "", false
	}
	if len(qm.Tables) == 1 {
		return qm.Tables[0], true
	}
	return "", false
}

func (qm *QueryMeta) recordBinding(col *lyx.ColumnRef, rexpr lyx.Node) {
	table, ok := qm.resolveTable(col.TableAlias)
	if !ok {
		return
	}

	cand := KeyCandidate{Table: table, Column: col.ColName}
	switch v := rexpr.(type) {
	case *lyx.AExprIConst:
		cand.Values = append(cand.Values, strconv.Itoa(v.Value))
	case *lyx.AExprSConst:
		cand.Values = append(cand.Values, v.Value)
	case *lyx.ParamRef:
		cand.ParamRefs = append(cand.ParamRefs, v.Number)
	default:
		return
	}
	qm.Candidates = append(qm.Candidates, cand)
}

func (qm *QueryMeta) recordInList(col *lyx.ColumnRef, list []lyx.Node) {
	table, ok := qm.resolveTable(col.TableAlias)
	if !ok {
		return
	}

	cand := KeyCandidate{Table: table, Column: col.ColName}
	for _, n := range list {
		switch v := n.(type) {
		case *lyx.AExprIConst:
			cand.Values = append(cand.Values, strconv.Itoa(v.Value))
		case *lyx.AExprSConst:
			cand.Values = append(cand.Values, v.Value)
		case *lyx.ParamRef:
			cand.ParamRefs = append(cand.ParamRefs, v.Number)
		}
	}
	if len(cand.Values) == 0 && len(cand.ParamRefs) == 0 {
		return
	}
	qm.Candidates = append(qm.Candidates, cand)
}

// analyzeInsertValues matches INSERT column lists against VALUES
// tuples. Each tuple contributes one candidate per column.
func (qm *QueryMeta) analyzeInsertValues(table string, columns []string, vals *lyx.ValueClause) {
	if table == "" || len(columns) == 0 {
		return
	}

	cands := make([]KeyCandidate, len(columns))
	for i, col := range columns {
		cands[i] = KeyCandidate{Table: table, Column: col}
	}

	for _, tuple := range vals.Values {
		if len(tuple) != len(columns) {
			continue
		}
		for i, n := range tuple {
			switch v := n.(type) {
			case *lyx.AExprIConst:
				cands[i].Values = append(cands[i].Values, strconv.Itoa(v.Value))
			case *lyx.AExprSConst:
				cands[i].Values = append(cands[i].Values, v.Value)
			case *lyx.ParamRef:
				cands[i].ParamRefs = append(cands[i].ParamRefs, v.Number)
			}
		}
	}

	for _, c := range cands {
		if len(c.Values) > 0 || len(c.ParamRefs) > 0 {
			qm.Candidates = append(qm.Candidates, c)
		}
	}
}

func copyIsFrom(toks []string) bool {
	for i, t := range toks {
		if t == "FROM" {
			return i+1 < len(toks) && toks[i+1] == "STDIN"
		}
		if t == "TO" {
			return false
		}
	}
	return false
}

// CandidateFor returns the first candidate constraining the given
// table and column.
func (qm *QueryMeta) CandidateFor(table, column string) (*KeyCandidate, bool) {
	for i := range qm.Candidates {
		if qm.Candidates[i].Table == table && qm.Candidates[i].Column == column {
			return &qm.Candidates[i], true
		}
	}
	return nil, false
}

type cacheEntry struct {
	meta *QueryMeta
}

// SharedParser caches parse results across all clients. Queries
// repeat heavily under connection pooling, parsing each text once
// is enough.
type SharedParser struct {
	cache sync.Map
}

func NewSharedParser() *SharedParser {
	return &SharedParser{}
}

func (shp *SharedParser) Parse(query string) (*QueryMeta, error) {
	key := city.CH64([]byte(query))

	if ce, ok := shp.cache.Load(key); ok {
		return ce.(cacheEntry).meta, nil
	}

	meta, err := Parse(query)
	if err == nil {
		shp.cache.Store(key, cacheEntry{meta: meta})
	}

	return meta, err
}

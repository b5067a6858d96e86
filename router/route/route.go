package route

import (
	"fmt"

	"github.com/pgdog-io/pgdog/pkg/config"
)

type SelectorKind int

const (
	// SelectorDirect targets one shard.
	SelectorDirect = SelectorKind(iota)
	// SelectorAll scatters to every shard and gathers the results.
	SelectorAll
	// SelectorAny picks an arbitrary shard, for queries that carry no
	// table data, like SELECT 1.
	SelectorAny
)

type Selector struct {
	Kind  SelectorKind
	Shard int
}

func Direct(shard int) Selector {
	return Selector{Kind: SelectorDirect, Shard: shard}
}

func All() Selector {
	return Selector{Kind: SelectorAll}
}

func Any() Selector {
	return Selector{Kind: SelectorAny}
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectorDirect:
		return fmt.Sprintf("shard %d", s.Shard)
	case SelectorAll:
		return "all shards"
	default:
		return "any shard"
	}
}

// NullsOrder is an explicit NULLS FIRST/LAST modifier. The default
// follows the server: NULLS LAST ascending, NULLS FIRST descending.
type NullsOrder int

const (
	NullsDefault = NullsOrder(iota)
	NullsFirst
	NullsLast
)

// OrderColumn describes one ORDER BY entry of a scattered SELECT.
// Index is the zero-based result column, resolved from the name
// against the RowDescription when the name form was used.
type OrderColumn struct {
	Name  string
	Index int
	Desc  bool
	Nulls NullsOrder
}

type AggregateKind int

const (
	AggCount = AggregateKind(iota)
	AggSum
	AggMin
	AggMax
	AggAvg
)

// Aggregate describes one aggregate target of a scattered SELECT.
// Avg is rewritten into sum and count during gather.
type Aggregate struct {
	Kind  AggregateKind
	Index int
}

// AvgPair links the sum and count columns an AVG target was
// rewritten into. The gather layer folds both and emits a single
// quotient column at SumIndex.
type AvgPair struct {
	SumIndex   int
	CountIndex int
}

// Route is the routing decision for one client query.
type Route struct {
	Role     config.Role
	Selector Selector

	Order      []OrderColumn
	Aggregates []Aggregate
	AvgPairs   []AvgPair
	GroupBy    bool

	// LIMIT/OFFSET of a scattered SELECT apply to the merged stream,
	// not per shard. HasLimit distinguishes LIMIT 0 from no limit.
	HasLimit bool
	Limit    int64
	Offset   int64
}

func (r *Route) String() string {
	return fmt.Sprintf("%s (%s)", r.Selector.String(), r.Role)
}

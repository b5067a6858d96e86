package qrouter

import (
	"strings"

	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/router/route"
)

// RewriteAvg splits every AVG target of a scattered SELECT into a
// SUM and COUNT pair so per-shard partials can be recombined. The
// aggregate plan is re-indexed for the widened result row; gather
// folds each pair back into one quotient column.
func RewriteAvg(query string, aggs []route.Aggregate) (string, []route.Aggregate, []route.AvgPair, error) {
	var b strings.Builder
	avgSeen := 0

	i := 0
	for i < len(query) {
		j := matchAvg(query, i)
		if j < 0 {
			b.WriteByte(query[i])
			i++
			continue
		}

		arg, end, ok := balancedArg(query, j)
		if !ok {
			return "", nil, nil, pgerr.New(pgerr.RoutingError, "malformed avg() call")
		}

		b.WriteString("sum(")
		b.WriteString(arg)
		b.WriteString("), count(")
		b.WriteString(arg)
		b.WriteString(")")
		avgSeen++
		i = end
	}

	if avgSeen == 0 {
		return query, aggs, nil, nil
	}

	// every avg column widens the row by one from its position on
	var out []route.Aggregate
	var pairs []route.AvgPair
	shift := 0
	for _, a := range aggs {
		idx := a.Index + shift
		if a.Kind != route.AggAvg {
			out = append(out, route.Aggregate{Kind: a.Kind, Index: idx})
			continue
		}
		out = append(out,
			route.Aggregate{Kind: route.AggSum, Index: idx},
			route.Aggregate{Kind: route.AggCount, Index: idx + 1})
		pairs = append(pairs, route.AvgPair{SumIndex: idx, CountIndex: idx + 1})
		shift++
	}

	return b.String(), out, pairs, nil
}

// matchAvg reports the index right after "avg(" when it starts at
// i as a standalone word, -1 otherwise.
func matchAvg(query string, i int) int {
	if i+4 > len(query) {
		return -1
	}
	if !strings.EqualFold(query[i:i+3], "avg") {
		return -1
	}
	if i > 0 && isIdentChar(query[i-1]) {
		return -1
	}

	j := i + 3
	for j < len(query) && (query[j] == ' ' || query[j] == '\t') {
		j++
	}
	if j >= len(query) || query[j] != '(' {
		return -1
	}
	return j + 1
}

// balancedArg returns the argument text between the opening paren
// at start-1 and its matching close, and the index after the close.
func balancedArg(query string, start int) (string, int, bool) {
	depth := 1
	for i := start; i < len(query); i++ {
		switch query[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return strings.TrimSpace(query[start:i]), i + 1, true
			}
		case '\'':
			for i++; i < len(query) && query[i] != '\''; i++ {
			}
		}
	}
	return "", 0, false
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

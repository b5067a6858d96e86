package server

import (
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/router/route"
)

// tagSum merges per-shard CommandComplete tags into one. Tags
// ending in a row count ("SELECT 5", "INSERT 0 3", "DELETE 2")
// have their counts summed; anything else passes through.
type tagSum struct {
	prefix string
	oid    string // INSERT tags carry an oid column before the count
	count  int64
	summed bool
	raw    []byte
}

func (t *tagSum) add(tag []byte) {
	t.raw = tag

	parts := strings.Fields(string(tag))
	if len(parts) < 2 {
		return
	}
	n, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return
	}

	prefix := strings.Join(parts[:len(parts)-1], " ")
	if parts[0] == "INSERT" && len(parts) == 3 {
		prefix = "INSERT 0"
	}
	if t.summed && t.prefix != prefix {
		return
	}
	t.prefix = prefix
	t.count += n
	t.summed = true
}

func (t *tagSum) tag() []byte {
	if !t.summed {
		return t.raw
	}
	return []byte(t.prefix + " " + strconv.FormatInt(t.count, 10))
}

// numeric accumulates one aggregate column across shards. Integer
// math is kept exact until a fractional value shows up.
type numeric struct {
	i       int64
	f       float64
	isFloat bool
	set     bool
}

func parseNumeric(v []byte) (numeric, bool) {
	s := string(v)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return numeric{i: i, set: true}, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return numeric{f: f, isFloat: true, set: true}, true
	}
	return numeric{}, false
}

func (n *numeric) addValue(v numeric) {
	if !n.set {
		*n = v
		return
	}
	if n.isFloat || v.isFloat {
		n.f = n.float() + v.float()
		n.isFloat = true
		return
	}
	n.i += v.i
}

func (n numeric) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (n numeric) text() []byte {
	if !n.set {
		return nil
	}
	if n.isFloat {
		return []byte(strconv.FormatFloat(n.f, 'f', -1, 64))
	}
	return []byte(strconv.FormatInt(n.i, 10))
}

// aggGroup accumulates one group's partials. Group columns keep the
// values of the first row seen for the group.
type aggGroup struct {
	groupVals [][]byte
	sums      []numeric
	mins      [][]byte
	maxs      [][]byte
	seen      []bool
}

// foldAggregates reduces shard rows per the aggregate plan. Rows
// are grouped by every non-aggregate column, so a GROUP BY query
// keeps one output row per group; without grouping columns all
// rows collapse into one. Sum and count partials add up, min and
// max compare, avg pairs divide out with the count column dropped.
func foldAggregates(perShard [][]*pgproto3.DataRow, aggs []route.Aggregate, avgPairs []route.AvgPair, grouped bool, rd *pgproto3.RowDescription) ([]*pgproto3.DataRow, []byte, error) {
	width := 0
	for _, a := range aggs {
		if a.Index+1 > width {
			width = a.Index + 1
		}
	}
	if rd != nil && len(rd.Fields) > width {
		width = len(rd.Fields)
	}
	for _, rows := range perShard {
		for _, row := range rows {
			if len(row.Values) > width {
				width = len(row.Values)
			}
		}
	}

	aggIdx := map[int]route.AggregateKind{}
	for _, a := range aggs {
		aggIdx[a.Index] = a.Kind
	}

	oidAt := func(idx int) (uint32, bool) {
		if rd == nil || idx >= len(rd.Fields) {
			return 0, false
		}
		return rd.Fields[idx].DataTypeOID, rd.Fields[idx].Format == 1
	}

	groupKey := func(row *pgproto3.DataRow) string {
		var sb strings.Builder
		for i := 0; i < width; i++ {
			if _, agg := aggIdx[i]; agg {
				continue
			}
			if i >= len(row.Values) || row.Values[i] == nil {
				sb.WriteByte(0x01)
			} else {
				sb.WriteByte(0x02)
				sb.Write(row.Values[i])
			}
			sb.WriteByte(0x00)
		}
		return sb.String()
	}

	groups := map[string]*aggGroup{}
	var order []string

	for _, rows := range perShard {
		for _, row := range rows {
			key := groupKey(row)
			g, ok := groups[key]
			if !ok {
				g = &aggGroup{
					groupVals: make([][]byte, width),
					sums:      make([]numeric, width),
					mins:      make([][]byte, width),
					maxs:      make([][]byte, width),
					seen:      make([]bool, width),
				}
				for i := 0; i < width && i < len(row.Values); i++ {
					if _, agg := aggIdx[i]; !agg {
						g.groupVals[i] = row.Values[i]
					}
				}
				groups[key] = g
				order = append(order, key)
			}

			for _, a := range aggs {
				if a.Index >= len(row.Values) {
					continue
				}
				v := row.Values[a.Index]
				if v == nil {
					continue
				}

				oid, binary := oidAt(a.Index)
				switch a.Kind {
				case route.AggCount, route.AggSum:
					n, ok := parseNumeric(v)
					if !ok {
						continue
					}
					g.sums[a.Index].addValue(n)
				case route.AggMin:
					if !g.seen[a.Index] || compareValues(v, g.mins[a.Index], oid, binary) < 0 {
						g.mins[a.Index] = v
					}
				case route.AggMax:
					if !g.seen[a.Index] || compareValues(v, g.maxs[a.Index], oid, binary) > 0 {
						g.maxs[a.Index] = v
					}
				}
				g.seen[a.Index] = true
			}
		}
	}

	drop := map[int]struct{}{}
	for _, p := range avgPairs {
		drop[p.CountIndex] = struct{}{}
	}

	out := make([]*pgproto3.DataRow, 0, len(order))
	for _, key := range order {
		g := groups[key]

		values := make([][]byte, width)
		copy(values, g.groupVals)
		for _, a := range aggs {
			switch a.Kind {
			case route.AggCount:
				if !g.sums[a.Index].set {
					values[a.Index] = []byte("0")
				} else {
					values[a.Index] = g.sums[a.Index].text()
				}
			case route.AggSum:
				values[a.Index] = g.sums[a.Index].text()
			case route.AggMin:
				values[a.Index] = g.mins[a.Index]
			case route.AggMax:
				values[a.Index] = g.maxs[a.Index]
			}
		}

		// fold avg pairs into the sum slot, drop the count slot
		for _, p := range avgPairs {
			sum := g.sums[p.SumIndex]
			cnt := g.sums[p.CountIndex]
			if !sum.set || !cnt.set || cnt.float() == 0 {
				values[p.SumIndex] = nil
				continue
			}
			avg := sum.float() / cnt.float()
			values[p.SumIndex] = []byte(strconv.FormatFloat(avg, 'f', -1, 64))
		}

		row := &pgproto3.DataRow{}
		for i, v := range values {
			if _, ok := drop[i]; ok {
				continue
			}
			row.Values = append(row.Values, v)
		}
		out = append(out, row)
	}

	if len(out) == 0 && !grouped {
		// an ungrouped aggregate over an empty scatter still
		// answers one row
		out = append(out, emptyAggregateRow(aggs, avgPairs, width, drop))
	}

	tag := []byte("SELECT " + strconv.Itoa(len(out)))
	return out, tag, nil
}

// emptyAggregateRow is the zero-group answer: count reports 0, the
// other aggregates report NULL, matching an ungrouped aggregate
// over no rows.
func emptyAggregateRow(aggs []route.Aggregate, avgPairs []route.AvgPair, width int, drop map[int]struct{}) *pgproto3.DataRow {
	values := make([][]byte, width)
	for _, a := range aggs {
		if a.Kind == route.AggCount {
			values[a.Index] = []byte("0")
		}
	}
	for _, p := range avgPairs {
		values[p.SumIndex] = nil
	}

	row := &pgproto3.DataRow{}
	for i, v := range values {
		if _, ok := drop[i]; ok {
			continue
		}
		row.Values = append(row.Values, v)
	}
	return row
}

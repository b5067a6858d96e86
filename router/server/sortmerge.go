package server

import (
	"bytes"
	"container/heap"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/router/route"
)

// sortKey is one resolved ORDER BY entry: the plan column plus the
// wire type the shards reported for it.
type sortKey struct {
	col    route.OrderColumn
	oid    uint32
	binary bool
}

// resolveOrder maps name-form order keys to column indexes using
// the row description and picks up the column types for the merge
// comparison.
func resolveOrder(order []route.OrderColumn, rd *pgproto3.RowDescription) ([]sortKey, error) {
	out := make([]sortKey, 0, len(order))
	for _, oc := range order {
		if oc.Index < 0 {
			if rd == nil {
				return nil, fmt.Errorf("cannot resolve order column %q without row description", oc.Name)
			}
			idx := -1
			for i := range rd.Fields {
				if strings.EqualFold(string(rd.Fields[i].Name), oc.Name) {
					idx = i
					break
				}
			}
			if idx < 0 {
				// ordered by a column the projection does not
				// return, merge cannot see it
				return nil, fmt.Errorf("order column %q is not part of the result", oc.Name)
			}
			oc.Index = idx
		}

		key := sortKey{col: oc}
		if rd != nil && oc.Index < len(rd.Fields) {
			key.oid = rd.Fields[oc.Index].DataTypeOID
			key.binary = rd.Fields[oc.Index].Format == 1
		}
		out = append(out, key)
	}
	return out, nil
}

// type oids the merge knows how to compare semantically
const (
	oidBool      = 16
	oidInt8      = 20
	oidInt2      = 21
	oidInt4      = 23
	oidOid       = 26
	oidFloat4    = 700
	oidFloat8    = 701
	oidNumeric   = 1700
	oidMoneyType = 790
)

// compareValues orders two non-NULL column values the way the
// shards did. Text-format numbers compare numerically per the type
// oid, booleans as false < true, dates and timestamps in ISO text
// order, which is chronological. Binary-format values and unknown
// types fall back to a bytewise comparison; for an unknown oid a
// pair that parses as numbers still compares numerically.
func compareValues(a, b []byte, oid uint32, binary bool) int {
	if binary {
		return bytes.Compare(a, b)
	}

	switch oid {
	case oidInt2, oidInt4, oidInt8, oidOid:
		ia, errA := strconv.ParseInt(string(a), 10, 64)
		ib, errB := strconv.ParseInt(string(b), 10, 64)
		if errA == nil && errB == nil {
			return cmpOrdered(ia, ib)
		}
	case oidFloat4, oidFloat8, oidNumeric, oidMoneyType:
		fa, errA := strconv.ParseFloat(string(a), 64)
		fb, errB := strconv.ParseFloat(string(b), 64)
		if errA == nil && errB == nil {
			return cmpOrdered(fa, fb)
		}
	case oidBool:
		// 'f' < 't'
		return bytes.Compare(a, b)
	case 0:
		fa, errA := strconv.ParseFloat(string(a), 64)
		fb, errB := strconv.ParseFloat(string(b), 64)
		if errA == nil && errB == nil {
			return cmpOrdered(fa, fb)
		}
	}

	return bytes.Compare(a, b)
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareRows applies the sort keys in order. NULL placement
// follows the server: NULLS LAST ascending, NULLS FIRST descending,
// unless the query said otherwise.
func compareRows(a, b *pgproto3.DataRow, keys []sortKey) int {
	for _, k := range keys {
		idx := k.col.Index
		if idx >= len(a.Values) || idx >= len(b.Values) {
			continue
		}
		va, vb := a.Values[idx], b.Values[idx]

		if va == nil || vb == nil {
			if va == nil && vb == nil {
				continue
			}
			nullsLast := !k.col.Desc
			switch k.col.Nulls {
			case route.NullsFirst:
				nullsLast = false
			case route.NullsLast:
				nullsLast = true
			}
			if va == nil {
				if nullsLast {
					return 1
				}
				return -1
			}
			if nullsLast {
				return -1
			}
			return 1
		}

		c := compareValues(va, vb, k.oid, k.binary)
		if c == 0 {
			continue
		}
		if k.col.Desc {
			return -c
		}
		return c
	}
	return 0
}

type mergeItem struct {
	shard int
	row   *pgproto3.DataRow
}

type mergeHeap struct {
	items []mergeItem
	keys  []sortKey
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	c := compareRows(h.items[i].row, h.items[j].row, h.keys)
	if c != 0 {
		return c < 0
	}
	// stable across shards
	return h.items[i].shard < h.items[j].shard
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

// mergeSorted n-way merges per-shard row streams. Each shard's rows
// already arrive in plan order, the heap interleaves them.
func mergeSorted(perShard [][]*pgproto3.DataRow, keys []sortKey) []*pgproto3.DataRow {
	total := 0
	for _, rows := range perShard {
		total += len(rows)
	}
	if total == 0 {
		return nil
	}

	if len(keys) == 0 {
		out := make([]*pgproto3.DataRow, 0, total)
		for _, rows := range perShard {
			out = append(out, rows...)
		}
		return out
	}

	h := &mergeHeap{keys: keys}
	pos := make([]int, len(perShard))
	for i, rows := range perShard {
		if len(rows) > 0 {
			h.items = append(h.items, mergeItem{shard: i, row: rows[0]})
			pos[i] = 1
		}
	}
	heap.Init(h)

	out := make([]*pgproto3.DataRow, 0, total)
	for h.Len() > 0 {
		it := heap.Pop(h).(mergeItem)
		out = append(out, it.row)

		if pos[it.shard] < len(perShard[it.shard]) {
			heap.Push(h, mergeItem{shard: it.shard, row: perShard[it.shard][pos[it.shard]]})
			pos[it.shard]++
		}
	}
	return out
}

package qrouter

import (
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/hashkey"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/router/parser"
)

// CopyState carries everything needed to split a COPY FROM STDIN
// stream across shards: the offset of the sharding key column inside
// the copy column list and the field delimiter.
type CopyState struct {
	// Attached streams pass through to the already attached server
	// without row inspection.
	Attached bool

	Delimiter    byte
	ColumnOffset int

	shards int
	decl   *config.ShardedTable
	table  string
}

// PlanCopy resolves the sharding key column inside the COPY column
// list. An attached copy (explicit transaction or single shard) skips
// row splitting entirely.
func (r *Router) PlanCopy(meta *parser.QueryMeta, attached bool) (*CopyState, error) {
	delim := meta.CopyDelimiter
	if delim == 0 {
		delim = '\t'
	}

	if attached || r.shards <= 1 {
		return &CopyState{Attached: true, Delimiter: delim}, nil
	}

	var decl *config.ShardedTable
	offset := -1
	for i, col := range meta.CopyColumns {
		if d := r.shardedColumn(meta.CopyTable, col); d != nil {
			offset = i
			decl = d
			break
		}
	}
	if decl == nil {
		return nil, pgerr.Newf(pgerr.RoutingError,
			"COPY into sharded table %q requires the sharding key in the column list", meta.CopyTable)
	}

	return &CopyState{
		Delimiter:    delim,
		ColumnOffset: offset,
		shards:       r.shards,
		decl:         decl,
		table:        meta.CopyTable,
	}, nil
}

// Split partitions complete rows of a COPY data stream by shard.
// A trailing partial row is returned as leftover for the next chunk.
func (cps *CopyState) Split(data []byte) (map[int][]byte, []byte, error) {
	rows := map[int][]byte{}

	var leftover []byte

	prevDelimiter := 0
	prevLine := 0
	currentAttr := 0
	shard := -1

	for i, b := range data {
		if i+2 <= len(data) && prevLine == i && string(data[i:i+2]) == `\.` {
			prevLine = len(data)
			break
		}
		if b == '\n' || b == cps.Delimiter {
			if currentAttr == cps.ColumnOffset {
				value := string(data[prevDelimiter:i])
				shard = hashkey.ShardValue(value, cps.decl.Type(), cps.shards, cps.decl.Centroids)
				if shard < 0 {
					return nil, nil, pgerr.Newf(pgerr.RoutingError,
						"cannot hash %q as %s in COPY for column %s.%s", value, cps.decl.Type(), cps.table, cps.decl.Column)
				}
			}
			currentAttr++
			prevDelimiter = i + 1
		}
		if b != '\n' {
			continue
		}

		if shard < 0 {
			return nil, nil, pgerr.Newf(pgerr.RoutingError,
				"COPY row without sharding key for column %s.%s", cps.table, cps.decl.Column)
		}

		rows[shard] = append(rows[shard], data[prevLine:i+1]...)
		currentAttr = 0
		shard = -1
		prevLine = i + 1
	}

	if prevLine != len(data) {
		leftover = data[prevLine:]
	}

	return rows, leftover, nil
}

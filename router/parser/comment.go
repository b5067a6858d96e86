package parser

import (
	"strconv"
	"unicode"

	"golang.org/x/xerrors"
)

// Comment hint keys recognized in query comments, e.g.
// /* pgdog_shard: 1 */ SELECT ...
const (
	HintShard       = "pgdog_shard"
	HintShardingKey = "pgdog_sharding_key"
	HintRole        = "pgdog_role"
)

/*
key: value[, key1: value1...]
*/
func ParseComment(comm string) (map[string]string, error) {
	opts := make(map[string]string)

	for i := 0; i < len(comm); {
		if unicode.IsSpace(rune(comm[i])) {
			// skip initial spaces
			i++
			continue
		}
		// opts are in form opt: val, reject all other format

		// now we are looking at *probably* first char of opt name
		j := i
		for ; j < len(comm) && comm[j] != ':' && !unicode.IsSpace(rune(comm[j])); j++ {
		}
		optarg_end := j - 1

		// colon symbol not found
		if j == len(comm) {
			return nil, xerrors.New("invalid comment format")
		}
		optarg_len := optarg_end - i + 1

		if optarg_len == 0 {
			// empty opt name
			return nil, xerrors.New("invalid comment format: empty option name")
		}

		// skip spaces after opt name
		for ; j < len(comm) && unicode.IsSpace(rune(comm[j])); j++ {
		}

		if j == len(comm) || comm[j] != ':' {
			return nil, xerrors.New("invalid comment format: expected colon after option name")
		}
		// skip colon symbol
		j++

		// skip spaces after colon
		for ; j < len(comm) && unicode.IsSpace(rune(comm[j])); j++ {
		}

		if j == len(comm) {
			return nil, xerrors.New("invalid comment format: empty option values")
		}

		// now we are looking at first char of opt value
		optval_pos := j
		for j+1 < len(comm) && !unicode.IsSpace(rune(comm[j+1])) && comm[j+1] != ',' {
			j++
		}

		optval_end := j

		opts[comm[i:optarg_end+1]] = comm[optval_pos : optval_end+1]

		j++
		// skip spaces after value
		for ; j < len(comm) && unicode.IsSpace(rune(comm[j])); j++ {
		}
		if j < len(comm) && comm[j] != ',' {
			return nil, xerrors.New("invalid comment format: expected comma after not-last key-value pair")
		}
		// skip comma
		j++
		i = j
	}

	return opts, nil
}

// Hints are routing overrides carried in a query comment.
// A shard hint pins the query to one shard, a sharding key hint
// supplies the value to hash when the query itself has none.
type Hints struct {
	Shard       int
	HasShard    bool
	ShardingKey string
	HasKey      bool
	Role        string
}

func ParseHints(comment string) (Hints, error) {
	var h Hints
	if comment == "" {
		return h, nil
	}

	opts, err := ParseComment(comment)
	if err != nil {
		// not every comment is a hint comment
		return Hints{}, nil
	}

	if v, ok := opts[HintShard]; ok {
		shard, err := strconv.Atoi(v)
		if err != nil {
			return Hints{}, xerrors.Errorf("invalid %s value %q: %w", HintShard, v, err)
		}
		h.Shard = shard
		h.HasShard = true
	}
	if v, ok := opts[HintShardingKey]; ok {
		h.ShardingKey = v
		h.HasKey = true
	}
	if v, ok := opts[HintRole]; ok {
		h.Role = v
	}

	return h, nil
}

// QueryComment returns the contents of the last /* */ comment
// in the query, without the comment markers.
func QueryComment(query string) string {
	comment := ""
	for i := 0; i+4 <= len(query); i++ {

		if query[i] != '/' || query[i+1] != '*' {
			continue
		}
		j := i + 2

		for ; j+1 < len(query); j++ {
			if query[j] == '*' && query[j+1] == '/' {
				break
			}
		}

		if j+1 >= len(query) {
			break
		}

		comment = query[i+2 : j]
	}
	return comment
}

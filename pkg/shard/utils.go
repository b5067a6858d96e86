package shard

import "fmt"

func ShardIDs(shards []Shard) []string {
	ret := make([]string, 0, len(shards))
	for _, sh := range shards {
		ret = append(ret, fmt.Sprintf("%s:%d", sh.Name(), sh.ShardNumber()))
	}
	return ret
}

package pool

import (
	"context"

	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/shard"
)

type ConnectionAllocFn func(shardNumber int, db *config.Database, user *config.User) (shard.Shard, error)

// Pool manages connections to a single backend host.
type Pool interface {
	shard.ShardIterator

	Connection(clid uint) (shard.Shard, error)

	Put(sh shard.Shard) error
	Discard(sh shard.Shard) error

	Pause()
	Resume()
	Reconnect()

	Healthcheck() error

	List() []shard.Shard
	View() Statistics
}

type PoolIterator interface {
	ForEachPool(cb func(p Pool) error) error
}

// DBPool fans a cluster out across shards and replicas: one Pool per
// configured backend host, selection by shard number and role.
type DBPool interface {
	shard.ShardIterator
	PoolIterator

	Connection(clid uint, shardNumber int, role config.Role) (shard.Shard, error)

	Put(sh shard.Shard) error
	Discard(sh shard.Shard) error

	ShardCount() int

	StartKeeper(ctx context.Context)

	Views() []Statistics
}

// Statistics is a point-in-time view of one host pool, surfaced by
// the admin SHOW commands.
type Statistics struct {
	DB       string
	Usr      string
	Hostname string
	Shard    int
	Role     config.Role

	UsedConnections   int
	IdleConnections   int
	QueueResidualSize int

	WaitTimeP50Ms float64
	WaitTimeP99Ms float64
}

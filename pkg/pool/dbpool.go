package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/conn"
	"github.com/pgdog-io/pgdog/pkg/datashard"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/shard"
)

type hostEntry struct {
	db   *config.Database
	pool Pool
}

// InstancePoolImpl holds all backend pools for one (cluster, user)
// pair: one Pool per configured host, indexed by shard number and
// role for routing.
type InstancePoolImpl struct {
	user    *config.User
	general *config.General

	entries []*hostEntry
	byShard map[int]map[config.Role][]*hostEntry
	byDB    map[*config.Database]Pool

	bans *BanList

	rrmu sync.Mutex
	rr   map[string]int

	shardCount int
}

var _ DBPool = &InstancePoolImpl{}

// DefaultAllocFn dials the backend host and performs startup auth.
func DefaultAllocFn(general *config.General) ConnectionAllocFn {
	return func(shardNumber int, db *config.Database, user *config.User) (shard.Shard, error) {
		pgi, err := conn.NewInstanceConn(db.Addr(), db.Name, nil, general.ConnectTimeoutDuration())
		if err != nil {
			return nil, err
		}
		sh, err := datashard.NewShard(pgi, shardNumber, db, user)
		if err != nil {
			_ = pgi.Close()
			return nil, err
		}
		return sh, nil
	}
}

// NewDBPool builds the pool set for one user over the databases of a
// single cluster and warms each host up to min_pool_size.
func NewDBPool(user *config.User, databases []*config.Database, general *config.General, allocFn ConnectionAllocFn) *InstancePoolImpl {
	if allocFn == nil {
		allocFn = DefaultAllocFn(general)
	}

	ret := &InstancePoolImpl{
		user:    user,
		general: general,
		byShard: map[int]map[config.Role][]*hostEntry{},
		byDB:    map[*config.Database]Pool{},
		bans:    NewBanList(general.BanTimeoutDuration()),
		rr:      map[string]int{},
	}

	for _, db := range databases {
		p := NewShardPool(allocFn, db, user, db.Shard, general)
		entry := &hostEntry{db: db, pool: p}
		ret.entries = append(ret.entries, entry)
		ret.byDB[db] = p

		if ret.byShard[db.Shard] == nil {
			ret.byShard[db.Shard] = map[config.Role][]*hostEntry{}
		}
		ret.byShard[db.Shard][db.Role] = append(ret.byShard[db.Shard][db.Role], entry)

		if db.Shard+1 > ret.shardCount {
			ret.shardCount = db.Shard + 1
		}
	}

	return ret
}

// Warmup pre-opens min_pool_size connections on every host pool.
func (s *InstancePoolImpl) Warmup() {
	for _, e := range s.entries {
		if sp, ok := e.pool.(*shardPool); ok {
			sp.Warmup(s.general)
		}
	}
}

func (s *InstancePoolImpl) ShardCount() int {
	return s.shardCount
}

func (s *InstancePoolImpl) candidates(shardNumber int, role config.Role) []*hostEntry {
	roles := s.byShard[shardNumber]
	if roles == nil {
		return nil
	}

	cands := roles[role]

	/* reads fall back to the primary when the shard has no replicas */
	if role == config.RoleReplica && len(cands) == 0 {
		cands = roles[config.RolePrimary]
	}

	return cands
}

// order applies the configured load balancing strategy to the
// candidate list.
func (s *InstancePoolImpl) order(shardNumber int, role config.Role, cands []*hostEntry) []*hostEntry {
	if len(cands) <= 1 {
		return cands
	}

	out := make([]*hostEntry, len(cands))
	copy(out, cands)

	switch s.general.LoadBalancingStrategy {
	case config.LoadBalancingRoundRobin:
		key := fmt.Sprintf("%d:%s", shardNumber, role)
		s.rrmu.Lock()
		start := s.rr[key] % len(out)
		s.rr[key]++
		s.rrmu.Unlock()
		rotated := append(out[start:], out[:start]...)
		return rotated
	case config.LoadBalancingLeastActive:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].pool.View().UsedConnections < out[j].pool.View().UsedConnections
		})
		return out
	default:
		rand.Shuffle(len(out), func(i, j int) {
			out[i], out[j] = out[j], out[i]
		})
		return out
	}
}

// Connection picks a host for the shard and role, skipping banned
// hosts, and checks a connection out of its pool. Hosts that fail to
// produce a connection accumulate ban errors.
func (s *InstancePoolImpl) Connection(clid uint, shardNumber int, role config.Role) (shard.Shard, error) {
	cands := s.candidates(shardNumber, role)
	if len(cands) == 0 {
		return nil, pgerr.Newf(pgerr.RoutingError, "no hosts configured for shard %d role %s", shardNumber, role)
	}

	hosts := make([]string, 0, len(cands))
	for _, e := range cands {
		hosts = append(hosts, e.db.Addr())
	}

	avail := make([]*hostEntry, 0, len(cands))
	for _, e := range cands {
		if !s.bans.Banned(e.db.Addr()) {
			avail = append(avail, e)
		}
	}
	if len(avail) == 0 {
		s.bans.Failsafe(hosts)
		avail = cands
	}

	totalMsg := ""
	for _, e := range s.order(shardNumber, role, avail) {
		sh, err := e.pool.Connection(clid)
		if err != nil {
			totalMsg += fmt.Sprintf("host %s: %v; ", e.db.Addr(), err)
			doglog.Zero.Error().
				Err(err).
				Str("host", e.db.Addr()).
				Uint("client", clid).
				Msg("failed to get connection to host for client")

			if errors.Is(err, pgerr.ErrCheckoutTimeout) {
				/* pool pressure, not host failure */
				continue
			}
			s.bans.ReportError(e.db.Addr())
			continue
		}
		return sh, nil
	}

	return nil, pgerr.Newf(pgerr.TooManyConnections, "failed to get connection to any host: %s", totalMsg)
}

func (s *InstancePoolImpl) Put(sh shard.Shard) error {
	if p, ok := s.byDB[sh.Cfg()]; ok {
		return p.Put(sh)
	}
	return sh.Close()
}

func (s *InstancePoolImpl) Discard(sh shard.Shard) error {
	if p, ok := s.byDB[sh.Cfg()]; ok {
		return p.Discard(sh)
	}
	return sh.Close()
}

func (s *InstancePoolImpl) ForEach(cb func(sh shard.Shardinfo) error) error {
	for _, e := range s.entries {
		if err := e.pool.ForEach(cb); err != nil {
			return err
		}
	}
	return nil
}

func (s *InstancePoolImpl) ForEachPool(cb func(p Pool) error) error {
	for _, e := range s.entries {
		if err := cb(e.pool); err != nil {
			return err
		}
	}
	return nil
}

func (s *InstancePoolImpl) Views() []Statistics {
	ret := make([]Statistics, 0, len(s.entries))
	for _, e := range s.entries {
		ret = append(ret, e.pool.View())
	}
	return ret
}

func (s *InstancePoolImpl) Pause() {
	for _, e := range s.entries {
		e.pool.Pause()
	}
}

func (s *InstancePoolImpl) Resume() {
	for _, e := range s.entries {
		e.pool.Resume()
	}
}

func (s *InstancePoolImpl) Reconnect() {
	for _, e := range s.entries {
		e.pool.Reconnect()
	}
}

// StartKeeper runs periodic healthchecks on idle connections until
// the context is cancelled. Probe failures feed the ban list.
func (s *InstancePoolImpl) StartKeeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.general.HealthcheckIntervalDuration())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, e := range s.entries {
					if err := e.pool.Healthcheck(); err != nil {
						s.bans.ReportError(e.db.Addr())
					}
				}
			}
		}
	}()
}

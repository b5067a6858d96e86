package pool

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/netutil"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/shard"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
)

/* pool for single host */

type shardPool struct {
	mu   sync.Mutex
	idle []shard.Shard

	queue chan struct{}

	active map[uint]shard.Shard

	idleSince map[uint]time.Time

	alloc ConnectionAllocFn

	db   *config.Database
	user *config.User

	shardNumber int

	checkoutTimeout time.Duration
	rollbackTimeout time.Duration
	idleCheckDelay  time.Duration

	paused  bool
	unpause chan struct{}

	waitHist *tdigest.TDigest
}

var _ Pool = &shardPool{}

func NewShardPool(allocFn ConnectionAllocFn, db *config.Database, user *config.User, shardNumber int, general *config.General) Pool {
	connLimit := user.EffectivePoolSize(general.DefaultPoolSize)

	hist, _ := tdigest.New()

	ret := &shardPool{
		idle:            nil,
		active:          make(map[uint]shard.Shard),
		idleSince:       make(map[uint]time.Time),
		alloc:           allocFn,
		db:              db,
		user:            user,
		shardNumber:     shardNumber,
		checkoutTimeout: general.CheckoutTimeoutDuration(),
		rollbackTimeout: general.RollbackTimeoutDuration(),
		idleCheckDelay:  general.IdleHealthcheckDelayDuration(),
		waitHist:        hist,
	}

	ret.queue = make(chan struct{}, connLimit)
	for tok := 0; tok < connLimit; tok++ {
		ret.queue <- struct{}{}
	}

	doglog.Zero.Debug().
		Uint("pool", doglog.GetPointer(ret)).
		Str("host", db.Addr()).
		Int("tokens", connLimit).
		Msg("initialized pool queue with tokens")

	return ret
}

func (h *shardPool) Hostname() string {
	return h.db.Addr()
}

// Warmup opens connections until min_pool_size is reached. Called at
// startup and after a reconnect, failures are logged but not fatal.
func (h *shardPool) Warmup(general *config.General) {
	target := h.user.EffectiveMinPoolSize(general.MinPoolSize)

	/* hold everything checked out until the end, a Put followed by a
	 * Connection would hand the same connection back */
	opened := make([]shard.Shard, 0, target)
	for i := 0; i < target; i++ {
		sh, err := h.Connection(0)
		if err != nil {
			doglog.Zero.Warn().
				Err(err).
				Str("host", h.db.Addr()).
				Msg("pool warmup failed")
			break
		}
		opened = append(opened, sh)
	}
	for _, sh := range opened {
		_ = h.Put(sh)
	}
}

func (h *shardPool) UsedConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

func (h *shardPool) IdleConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.idle)
}

func (h *shardPool) QueueResidualSize() int {
	return len(h.queue)
}

func (h *shardPool) Connection(clid uint) (shard.Shard, error) {
	start := time.Now()

	/* a paused pool parks clients until RESUME, it never refuses them */
	for {
		h.mu.Lock()
		if !h.paused {
			h.mu.Unlock()
			break
		}
		unpause := h.unpause
		h.mu.Unlock()
		doglog.Zero.Debug().
			Uint("client", clid).
			Str("host", h.db.Addr()).
			Msg("pool paused, waiting for resume")
		<-unpause
	}

	select {
	case <-h.queue:
	case <-time.After(h.checkoutTimeout):
		doglog.Zero.Warn().
			Uint("client", clid).
			Str("host", h.db.Addr()).
			Dur("timeout", h.checkoutTimeout).
			Msg("checkout timeout waiting for backend connection")
		return nil, pgerr.ErrCheckoutTimeout
	}

	wait := time.Since(start)

	var sh shard.Shard

	/* reuse cached connection, if any: most recently used first so
	 * extra connections go cold and can be reaped */
	h.mu.Lock()
	_ = h.waitHist.Add(float64(wait.Microseconds()) / 1000.0)
	for n := len(h.idle); n > 0; n = len(h.idle) {
		sh, h.idle = h.idle[n-1], h.idle[:n-1]
		delete(h.idleSince, sh.ID())

		/* the kernel knows about half-closed peers before we do */
		if !netutil.Alive(sh.Instance().NetConn()) {
			h.mu.Unlock()
			doglog.Zero.Info().
				Uint("shard", sh.ID()).
				Str("host", sh.Instance().Hostname()).
				Msg("dropping dead cached connection")
			_ = sh.Close()
			h.mu.Lock()
			continue
		}

		h.active[sh.ID()] = sh
		h.mu.Unlock()
		doglog.Zero.Debug().
			Uint("client", clid).
			Uint("shard", sh.ID()).
			Str("host", sh.Instance().Hostname()).
			Msg("reuse cached shard connection to instance")
		return sh, nil
	}
	h.mu.Unlock()

	/* do not hold lock while allocating a new connection */
	sh, err := h.alloc(h.shardNumber, h.db, h.user)
	if err != nil {
		/* return acquired token */
		h.queue <- struct{}{}
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.active[sh.ID()] = sh

	return sh, nil
}

func (h *shardPool) Discard(sh shard.Shard) error {
	doglog.Zero.Debug().
		Uint("shard", sh.ID()).
		Str("host", sh.Instance().Hostname()).
		Msg("discard connection from pool")

	/* do not hold mutex while closing server connection */
	err := sh.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[sh.ID()]; !ok {
		/* double free */
		return nil
	}

	/* acquired tok, release it */
	h.queue <- struct{}{}

	delete(h.active, sh.ID())

	return err
}

// Put returns a connection to the pool. Connections that still owe
// the server data or hold an open transaction after cleanup are
// discarded rather than reused.
func (h *shardPool) Put(sh shard.Shard) error {
	doglog.Zero.Debug().
		Uint("shard", sh.ID()).
		Str("host", sh.Instance().Hostname()).
		Msg("put connection back to pool")

	if sh.Sync() != 0 || sh.DataPending() {
		return h.Discard(sh)
	}

	if err := sh.Cleanup(h.rollbackTimeout); err != nil {
		doglog.Zero.Warn().
			Err(err).
			Uint("shard", sh.ID()).
			Msg("failed to cleanup connection, discarding")
		return h.Discard(sh)
	}

	if sh.TxStatus() != txstatus.TXIDLE {
		return h.Discard(sh)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[sh.ID()]; !ok {
		/* double free */
		panic(sh)
	}

	/* acquired tok, release it */
	h.queue <- struct{}{}

	delete(h.active, sh.ID())

	h.idle = append(h.idle, sh)
	h.idleSince[sh.ID()] = time.Now()
	return nil
}

func (h *shardPool) Pause() {
	h.mu.Lock()
	if !h.paused {
		h.paused = true
		h.unpause = make(chan struct{})
	}
	h.mu.Unlock()
}

func (h *shardPool) Resume() {
	h.mu.Lock()
	if h.paused {
		h.paused = false
		close(h.unpause)
	}
	h.mu.Unlock()
}

// Reconnect closes all idle connections. Active ones are closed as
// they come back via Put since their server state is unknown.
func (h *shardPool) Reconnect() {
	h.mu.Lock()
	idle := h.idle
	h.idle = nil
	h.idleSince = map[uint]time.Time{}
	h.mu.Unlock()

	for _, sh := range idle {
		_ = sh.Close()
	}
}

// Healthcheck probes the coldest idle connection with a trivial
// query. It only touches connections idle longer than the configured
// delay, a busy pool is left alone.
func (h *shardPool) Healthcheck() error {
	h.mu.Lock()
	if h.paused || len(h.idle) == 0 {
		h.mu.Unlock()
		return nil
	}

	sh := h.idle[0]
	if time.Since(h.idleSince[sh.ID()]) < h.idleCheckDelay {
		h.mu.Unlock()
		return nil
	}
	h.idle = h.idle[1:]
	delete(h.idleSince, sh.ID())
	h.mu.Unlock()

	/* idle connections hold no queue token, probe outside of both */
	if err := h.probe(sh); err != nil {
		doglog.Zero.Warn().
			Err(err).
			Uint("shard", sh.ID()).
			Str("host", sh.Instance().Hostname()).
			Msg("healthcheck failed")
		_ = sh.Close()
		return err
	}

	h.mu.Lock()
	h.idle = append(h.idle, sh)
	h.idleSince[sh.ID()] = time.Now()
	h.mu.Unlock()
	return nil
}

func (h *shardPool) probe(sh shard.Shard) error {
	if err := sh.Send(&pgproto3.Query{String: "SELECT 1"}); err != nil {
		return err
	}
	for {
		msg, err := sh.Receive()
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case *pgproto3.ErrorResponse:
			return pgerr.New(v.Code, v.Message)
		case *pgproto3.ReadyForQuery:
			return nil
		}
	}
}

func (h *shardPool) ForEach(cb func(sh shard.Shardinfo) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sh := range h.idle {
		if err := cb(sh); err != nil {
			return err
		}
	}

	for _, sh := range h.active {
		if err := cb(sh); err != nil {
			return err
		}
	}
	return nil
}

func (h *shardPool) List() []shard.Shard {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.idle
}

func (h *shardPool) View() Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Statistics{
		DB:                h.db.Name,
		Usr:               h.user.Name,
		Hostname:          h.db.Addr(),
		Shard:             h.shardNumber,
		Role:              h.db.Role,
		UsedConnections:   len(h.active),
		IdleConnections:   len(h.idle),
		QueueResidualSize: len(h.queue),
		WaitTimeP50Ms:     h.waitHist.Quantile(0.5),
		WaitTimeP99Ms:     h.waitHist.Quantile(0.99),
	}
}

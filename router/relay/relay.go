package relay

import (
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/plugin"
	"github.com/pgdog-io/pgdog/pkg/pool"
	"github.com/pgdog-io/pgdog/pkg/shard"
	"github.com/pgdog-io/pgdog/pkg/stats"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
	"github.com/pgdog-io/pgdog/router/client"
	"github.com/pgdog-io/pgdog/router/parser"
	"github.com/pgdog-io/pgdog/router/qrouter"
	"github.com/pgdog-io/pgdog/router/route"
	"github.com/pgdog-io/pgdog/router/server"
)

// PortalDesc caches the reply to a Describe so repeated Describes of
// the same statement skip the server round trip.
type PortalDesc struct {
	paramDesc *pgproto3.ParameterDescription
	rd        *pgproto3.RowDescription
	nodata    bool
}

// RelayState drives one client session: it parses incoming queries,
// routes them, attaches server connections from the pool and shuttles
// protocol messages until the session or transaction completes.
type RelayState struct {
	cl   client.RouterClient
	qr   *qrouter.Router
	sp   *parser.SharedParser
	pool pool.DBPool

	mode config.PoolerMode

	hints  *qrouter.Hints
	status txstatus.TXStatus

	// current attachment, nil when detached
	activeRoute *route.Route

	// virtual BEGIN waiting to be deployed on attach
	savedBegin *pgproto3.Query

	// LISTEN pins the attachment for the rest of the session, the
	// subscription lives on the backend connection
	pinned bool

	xBuf            []pgproto3.FrontendMessage
	savedPortalDesc map[string]*PortalDesc
	lastBindName    string

	// rewritten Bind waiting for the next Execute
	pendingBind      *pgproto3.Bind
	pendingIntercept *plugin.Decision
}

func NewRelayState(qr *qrouter.Router, sp *parser.SharedParser, cl client.RouterClient, p pool.DBPool, mode config.PoolerMode) *RelayState {
	hints := qrouter.NewHints()
	hints.SessionParams = cl.Params()
	return &RelayState{
		cl:              cl,
		qr:              qr,
		sp:              sp,
		pool:            p,
		mode:            mode,
		hints:           hints,
		status:          txstatus.TXIDLE,
		savedPortalDesc: map[string]*PortalDesc{},
	}
}

func (rst *RelayState) Client() client.RouterClient {
	return rst.cl
}

func (rst *RelayState) TxStatus() txstatus.TXStatus {
	return rst.status
}

func (rst *RelayState) SetTxStatus(status txstatus.TXStatus) {
	rst.status = status
	if status == txstatus.TXIDLE {
		rst.cl.CleanupLocalSet()
	}
}

// QueryRouter is exposed for the admin console.
func (rst *RelayState) QueryRouter() *qrouter.Router {
	return rst.qr
}

func (rst *RelayState) connectionActive() bool {
	return rst.cl.Server() != nil
}

// shardNumbers resolves a selector to the set of shards to attach.
func (rst *RelayState) shardNumbers(rt *route.Route) []int {
	switch rt.Selector.Kind {
	case route.SelectorDirect:
		return []int{rt.Selector.Shard}
	case route.SelectorAny:
		return []int{rand.Intn(rst.qr.ShardCount())}
	default:
		shards := make([]int, rst.qr.ShardCount())
		for i := range shards {
			shards[i] = i
		}
		return shards
	}
}

// Attach acquires server connections for the route and assigns them
// to the client. A client already attached inside a transaction stays
// on its pinned connection.
func (rst *RelayState) Attach(rt *route.Route) error {
	if rst.connectionActive() {
		if rst.status == txstatus.TXIDLE && rst.mode == config.PoolerModeSession {
			/* session mode reuses the attachment across transactions,
			 * but the route may have changed */
			if rst.activeRoute != nil && rst.activeRoute.Selector == rt.Selector && rst.activeRoute.Role == rt.Role {
				return nil
			}
			if err := rst.Detach(); err != nil {
				return err
			}
		} else {
			return nil
		}
	}

	numbers := rst.shardNumbers(rt)

	acquired := make([]shard.Shard, 0, len(numbers))
	for _, n := range numbers {
		sh, err := rst.pool.Connection(rst.cl.ID(), n, rt.Role)
		if err != nil {
			for _, prev := range acquired {
				_ = rst.pool.Put(prev)
			}
			return err
		}
		acquired = append(acquired, sh)
	}

	var srv server.Server
	if len(acquired) == 1 {
		srv = server.NewShardServer(acquired[0])
	} else {
		srv = server.NewMultiShardServer(acquired, rt)
	}

	if err := rst.cl.AssignServerConn(srv); err != nil {
		for _, sh := range acquired {
			_ = rst.pool.Put(sh)
		}
		return err
	}

	rst.activeRoute = rt

	doglog.Zero.Debug().
		Uint("client", rst.cl.ID()).
		Str("route", rt.String()).
		Strs("shards", shard.ShardIDs(acquired)).
		Msg("client attached to server")

	if err := rst.deployParams(srv); err != nil {
		return err
	}

	if rst.savedBegin != nil {
		if err := rst.deployBegin(srv); err != nil {
			return err
		}
	}

	return nil
}

// deployParams aligns a freshly attached server connection with the
// client's accumulated session parameters.
func (rst *RelayState) deployParams(srv server.Server) error {
	q := rst.cl.ConstructClientParams()
	if q.String == "RESET ALL;" {
		/* nothing beyond startup defaults, the pool reset is enough */
		return nil
	}

	if err := srv.Send(q); err != nil {
		return err
	}
	if err := srv.Flush(); err != nil {
		return err
	}

	for {
		msg, err := srv.Receive()
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return pgerr.New(v.Code, v.Message)
		}
	}
}

// deployBegin replays a virtual BEGIN on a freshly attached server.
func (rst *RelayState) deployBegin(srv server.Server) error {
	if err := srv.Send(rst.savedBegin); err != nil {
		return err
	}
	if err := srv.Flush(); err != nil {
		return err
	}

	for {
		msg, err := srv.Receive()
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			if txstatus.TXStatus(v.TxStatus) != txstatus.TXACT {
				return pgerr.New(pgerr.ProtocolViolation, "failed to deploy transaction on server")
			}
			rst.savedBegin = nil
			return nil
		case *pgproto3.ErrorResponse:
			return pgerr.New(v.Code, v.Message)
		}
	}
}

// Detach returns connections to the pool. Dirty or unsynced
// connections are discarded instead of reused.
func (rst *RelayState) Detach() error {
	srv := rst.cl.Server()
	if srv == nil {
		return nil
	}

	_ = rst.cl.Unroute()
	rst.activeRoute = nil

	var anyErr error
	for _, sh := range srv.Datashards() {
		if sh.Sync() != 0 || sh.TxStatus() != txstatus.TXIDLE {
			stats.IncOutOfSync()
			if err := rst.pool.Discard(sh); err != nil {
				anyErr = err
			}
			continue
		}
		if err := rst.pool.Put(sh); err != nil {
			anyErr = err
		}
	}
	return anyErr
}

// CompleteRelay finishes one query cycle: the transaction pin and
// the attachment are released once the server is idle.
func (rst *RelayState) CompleteRelay() error {
	if rst.status == txstatus.TXIDLE {
		rst.hints.TxShard = qrouter.NoShard
		rst.hints.TxRole = ""
		rst.hints.InTx = false

		stats.RecordFinishedTransaction(time.Now(), rst.cl.ID())

		if rst.mode == config.PoolerModeTransaction && !rst.pinned {
			return rst.Detach()
		}
	}
	return nil
}

// Close rolls back whatever the client left behind and releases the
// connections.
func (rst *RelayState) Close() error {
	defer func() {
		stats.DropClient(rst.cl.ID())
		if err := rst.cl.Close(); err != nil {
			doglog.Zero.Debug().Err(err).Msg("failed to close client connection")
		}
	}()

	srv := rst.cl.Server()
	if srv != nil && rst.status != txstatus.TXIDLE {
		stats.IncAutoRollbacks()
		srv.MarkDirty()
	}

	return rst.Detach()
}

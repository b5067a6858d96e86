package datashard

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/auth"
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/conn"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/prepstatement"
	"github.com/pgdog-io/pgdog/pkg/shard"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
)

// Conn is one pooled connection to a PostgreSQL backend. It tracks
// protocol sync state so the pool can tell a clean connection from
// one that still owes the client data.
type Conn struct {
	db   *config.Database
	user *config.User

	shardNumber int
	dedicated   conn.DBInstance

	ps shard.ParameterSet

	backend_key_pid    uint32
	backend_key_secret uint32

	sync_in  int64
	sync_out int64

	dataPending bool
	dirty       bool

	tx_served int64

	status txstatus.TXStatus

	stmtDef  map[uint64]*prepstatement.PreparedStatementDefinition
	stmtDesc map[uint64]*prepstatement.PreparedStatementDescriptor
}

var _ shard.Shard = &Conn{}

func (sh *Conn) ID() uint {
	return doglog.GetPointer(sh)
}

func (sh *Conn) Name() string {
	return sh.db.Name
}

func (sh *Conn) String() string {
	return sh.db.Name
}

func (sh *Conn) ShardNumber() int {
	return sh.shardNumber
}

func (sh *Conn) Cfg() *config.Database {
	return sh.db
}

func (sh *Conn) Instance() conn.DBInstance {
	return sh.dedicated
}

func (sh *Conn) InstanceHostname() string {
	return sh.dedicated.Hostname()
}

func (sh *Conn) Pid() uint32 {
	return sh.backend_key_pid
}

func (sh *Conn) Usr() string {
	if u := sh.user.BackendUser(); u != "" {
		return u
	}
	return sh.db.User
}

func (sh *Conn) DB() string {
	return sh.db.ServerDatabase()
}

func (sh *Conn) Params() shard.ParameterSet {
	return sh.ps
}

func (sh *Conn) Close() error {
	return sh.dedicated.Close()
}

// Sync reports outstanding protocol sync points: the number of Query
// or Sync messages sent that have not yet been answered with a
// ReadyForQuery. Non-zero on release means the client disconnected
// mid-conversation.
func (sh *Conn) Sync() int64 {
	return sh.sync_in - sh.sync_out
}

func (sh *Conn) DataPending() bool {
	return sh.dataPending
}

func (sh *Conn) TxServed() int64 {
	return sh.tx_served
}

func (sh *Conn) MarkDirty() {
	sh.dirty = true
}

func (sh *Conn) IsDirty() bool {
	return sh.dirty
}

func (sh *Conn) SetTxStatus(tx txstatus.TXStatus) {
	sh.status = tx
}

func (sh *Conn) TxStatus() txstatus.TXStatus {
	return sh.status
}

func (sh *Conn) AddTLSConf(cfg *tls.Config) error {
	return sh.dedicated.ReqBackendSsl(cfg)
}

func (sh *Conn) Send(query pgproto3.FrontendMessage) error {
	sh.dataPending = true

	switch query.(type) {
	case *pgproto3.Query, *pgproto3.Sync:
		sh.sync_in++
	}

	doglog.Zero.Debug().
		Uint("shard", sh.ID()).
		Type("query", query).
		Int64("sync-in", sh.sync_in).
		Msg("shard connection send message")
	return sh.dedicated.Send(query)
}

func (sh *Conn) Flush() error {
	return sh.dedicated.Flush()
}

func (sh *Conn) Receive() (pgproto3.BackendMessage, error) {
	msg, err := sh.dedicated.Receive()
	if err != nil {
		return nil, err
	}
	switch v := msg.(type) {
	case *pgproto3.ReadyForQuery:
		sh.dataPending = false
		sh.sync_out++
		sh.status = txstatus.TXStatus(v.TxStatus)
		if sh.status == txstatus.TXIDLE {
			sh.tx_served++
		}
	case *pgproto3.ParameterStatus:
		sh.ps[v.Name] = v.Value
	}

	doglog.Zero.Debug().
		Uint("shard", sh.ID()).
		Type("msg", msg).
		Int64("sync-out", sh.sync_out).
		Msg("shard connection received message")
	return msg, nil
}

// Cancel asks the backend to abort whatever this connection is
// running. Per the v3 protocol the request travels over a fresh
// connection carrying the backend key received at startup.
func (sh *Conn) Cancel() error {
	doglog.Zero.Debug().
		Str("host", sh.dedicated.Hostname()).
		Uint32("pid", sh.backend_key_pid).
		Msg("sending cancel request")

	return conn.SendCancelRequest(
		sh.dedicated.Hostname(),
		sh.backend_key_pid,
		sh.backend_key_secret,
		time.Second,
	)
}

func (sh *Conn) ListPreparedStatements() []shard.PreparedStatementsMgrDescriptor {
	ret := make([]shard.PreparedStatementsMgrDescriptor, 0, len(sh.stmtDef))

	for hash, def := range sh.stmtDef {
		ret = append(ret, shard.PreparedStatementsMgrDescriptor{
			Hash:     hash,
			ServerId: sh.ID(),
			Query:    def.Query,
			Name:     def.Name,
		})
	}

	return ret
}

func (sh *Conn) HasPrepareStatement(hash uint64) (bool, *prepstatement.PreparedStatementDescriptor) {
	rd, ok := sh.stmtDesc[hash]
	return ok, rd
}

func (sh *Conn) StorePrepareStatement(hash uint64, def *prepstatement.PreparedStatementDefinition, rd *prepstatement.PreparedStatementDescriptor) {
	sh.stmtDef[hash] = def
	sh.stmtDesc[hash] = rd
}

// ConstructSM builds the startup packet for the given pool user.
// Identity falls back to the database default when the user does
// not pin a backend identity of its own.
func (sh *Conn) ConstructSM(user *config.User) *pgproto3.StartupMessage {
	usr := sh.db.User
	if user != nil && user.BackendUser() != "" {
		usr = user.BackendUser()
	}
	return &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"application_name": "pgdog",
			"client_encoding":  "UTF8",
			"user":             usr,
			"database":         sh.DB(),
		},
	}
}

// NewShard dials nothing itself: it wraps an already-connected
// DBInstance and performs the startup handshake if the instance is
// fresh.
func NewShard(
	pgi conn.DBInstance,
	shardNumber int,
	db *config.Database,
	user *config.User) (shard.Shard, error) {

	dtSh := &Conn{
		db:          db,
		user:        user,
		shardNumber: shardNumber,
		ps:          shard.ParameterSet{},
		sync_in:     1, /* +1 for startup message */
		sync_out:    0,
		status:      txstatus.TXIDLE,
		stmtDef:     map[uint64]*prepstatement.PreparedStatementDefinition{},
		stmtDesc:    map[uint64]*prepstatement.PreparedStatementDescriptor{},
		dedicated:   pgi,
	}

	if dtSh.dedicated.Status() == conn.NotInitialized {
		if err := dtSh.Auth(); err != nil {
			return nil, err
		}
		dtSh.dedicated.SetStatus(conn.ACQUIRED)

		if d := user.StatementTimeoutDuration(); d > 0 {
			if err := dtSh.fire(fmt.Sprintf("SET statement_timeout TO %d", d.Milliseconds()), 0); err != nil {
				return nil, err
			}
		}
	}

	return dtSh, nil
}

// Auth drives the startup conversation until the backend reports
// ReadyForQuery.
func (sh *Conn) Auth() error {
	sm := sh.ConstructSM(sh.user)

	doglog.Zero.Debug().
		Uint("shard", sh.ID()).
		Str("user", sh.Usr()).
		Str("db", sh.DB()).
		Msg("shard connection startup message")

	if err := sh.dedicated.Send(sm); err != nil {
		return err
	}
	if err := sh.dedicated.Flush(); err != nil {
		return err
	}

	for {
		msg, err := sh.Receive()
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case pgproto3.AuthenticationResponseMessage:
			if err := auth.AuthBackend(sh.dedicated, sh.db, sh.user, v); err != nil {
				doglog.Zero.Error().Err(err).Msg("failed to perform backend auth")
				return err
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("%s", v.Message)
		case *pgproto3.BackendKeyData:
			sh.backend_key_pid = v.ProcessID
			sh.backend_key_secret = v.SecretKey
		case *pgproto3.ParameterStatus:
			/* recorded in Receive */
		default:
			doglog.Zero.Debug().
				Type("type", v).
				Msg("unexpected msg type received")
		}
	}
}

// fire runs a single query on the connection and drains the reply.
// A zero timeout means wait forever.
func (sh *Conn) fire(q string, timeout time.Duration) error {
	if err := sh.Send(&pgproto3.Query{
		String: q,
	}); err != nil {
		doglog.Zero.Error().
			Err(err).
			Msg("error firing request to conn")
		return err
	}

	/* deadline goes on the socket itself, a hung backend would
	 * otherwise park us in Receive forever */
	if timeout > 0 {
		if nc := sh.dedicated.NetConn(); nc != nil {
			_ = nc.SetReadDeadline(time.Now().Add(timeout))
			defer func() {
				_ = nc.SetReadDeadline(time.Time{})
			}()
		}
	}

	for {
		msg, err := sh.Receive()
		if err != nil {
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("%s", v.Message)
		case *pgproto3.ReadyForQuery:
			if v.TxStatus != byte(txstatus.TXIDLE) {
				return fmt.Errorf("unexpected tx status %c after %q", v.TxStatus, q)
			}
			return nil
		}
	}
}

// Cleanup returns the connection to a neutral state before it goes
// back in the pool: abort any transaction the client abandoned, and
// discard session state when the connection is dirty.
func (sh *Conn) Cleanup(rollbackTimeout time.Duration) error {
	if sh.TxStatus() != txstatus.TXIDLE {
		if err := sh.fire("ROLLBACK", rollbackTimeout); err != nil {
			return err
		}
	}

	if sh.dirty {
		if err := sh.fire("DISCARD ALL", rollbackTimeout); err != nil {
			return err
		}
		/* DISCARD ALL drops server-side prepared statements too */
		sh.stmtDef = map[uint64]*prepstatement.PreparedStatementDefinition{}
		sh.stmtDesc = map[uint64]*prepstatement.PreparedStatementDescriptor{}
		sh.dirty = false
	}

	return nil
}

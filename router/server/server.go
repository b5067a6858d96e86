package server

import (
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/shard"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
)

// Server is what the relay talks to for the duration of one
// attached query or transaction: either a single shard connection
// or a gather over several of them.
type Server interface {
	txstatus.TxStatusMgr

	Name() string

	Send(msg pgproto3.FrontendMessage) error
	Flush() error
	Receive() (pgproto3.BackendMessage, error)

	Datashards() []shard.Shard

	Sync() int64
	DataPending() bool

	Cancel() error
	MarkDirty()
}

// ShardServer forwards to exactly one shard connection.
type ShardServer struct {
	shard shard.Shard
}

func NewShardServer(sh shard.Shard) *ShardServer {
	return &ShardServer{shard: sh}
}

func (srv *ShardServer) Name() string {
	return srv.shard.Name()
}

func (srv *ShardServer) Send(msg pgproto3.FrontendMessage) error {
	doglog.Zero.Debug().
		Uint("server", doglog.GetPointer(srv)).
		Type("message-type", msg).
		Msg("single-shard sending msg to server")
	return srv.shard.Send(msg)
}

func (srv *ShardServer) Flush() error {
	return srv.shard.Flush()
}

func (srv *ShardServer) Receive() (pgproto3.BackendMessage, error) {
	msg, err := srv.shard.Receive()
	doglog.Zero.Debug().
		Uint("server", doglog.GetPointer(srv)).
		Type("message-type", msg).
		Msg("single-shard received msg from server")
	return msg, err
}

func (srv *ShardServer) Datashards() []shard.Shard {
	return []shard.Shard{srv.shard}
}

func (srv *ShardServer) Sync() int64 {
	return srv.shard.Sync()
}

func (srv *ShardServer) DataPending() bool {
	return srv.shard.DataPending()
}

func (srv *ShardServer) Cancel() error {
	return srv.shard.Cancel()
}

func (srv *ShardServer) MarkDirty() {
	srv.shard.MarkDirty()
}

func (srv *ShardServer) SetTxStatus(tx txstatus.TXStatus) {
	srv.shard.SetTxStatus(tx)
}

func (srv *ShardServer) TxStatus() txstatus.TXStatus {
	return srv.shard.TxStatus()
}

var _ Server = &ShardServer{}

package shard

import (
	"crypto/tls"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/conn"
	"github.com/pgdog-io/pgdog/pkg/prepstatement"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
)

type ParameterStatus struct {
	Name  string
	Value string
}

type ParameterSet map[string]string

// Save records the given ParameterStatus in the set. It returns false
// if a value for the parameter was already tracked.
func (ps ParameterSet) Save(status ParameterStatus) bool {
	if _, ok := ps[status.Name]; ok {
		return false
	}
	ps[status.Name] = status.Value
	return true
}

type PreparedStatementsMgrDescriptor struct {
	Name     string
	Query    string
	Hash     uint64
	ServerId uint
}

type Shardinfo interface {
	ID() uint
	ShardNumber() int
	InstanceHostname() string
	Pid() uint32
	Usr() string
	DB() string

	Sync() int64
	DataPending() bool

	TxServed() int64
	TxStatus() txstatus.TXStatus

	ListPreparedStatements() []PreparedStatementsMgrDescriptor
}

type PreparedStatementHolder interface {
	HasPrepareStatement(hash uint64) (bool, *prepstatement.PreparedStatementDescriptor)
	StorePrepareStatement(hash uint64, def *prepstatement.PreparedStatementDefinition, rd *prepstatement.PreparedStatementDescriptor)
}

type Shard interface {
	txstatus.TxStatusMgr
	PreparedStatementHolder
	Shardinfo

	Cfg() *config.Database

	Name() string

	Send(query pgproto3.FrontendMessage) error
	Flush() error
	Receive() (pgproto3.BackendMessage, error)

	AddTLSConf(cfg *tls.Config) error

	// Dirty connections carry session state the next client must not
	// see and are reset with DISCARD ALL before reuse.
	MarkDirty()
	IsDirty() bool

	// Cleanup resets session state accumulated by the previous client.
	Cleanup(rollbackTimeout time.Duration) error

	ConstructSM(user *config.User) *pgproto3.StartupMessage
	Instance() conn.DBInstance

	Cancel() error

	Params() ParameterSet
	Close() error
}

type ShardIterator interface {
	ForEach(cb func(sh Shardinfo) error) error
}

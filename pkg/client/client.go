package client

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
)

// Pmgr tracks session parameters across transaction boundaries. SET
// inside a transaction only takes effect on commit, SET LOCAL is
// dropped on transaction end.
type Pmgr interface {
	SetParam(string, string)
	ResetParam(string)
	ResetAll()
	ConstructClientParams() *pgproto3.Query
	Params() map[string]string

	StartTx()
	CommitActiveSet()
	CleanupLocalSet()
	Rollback()
}

type Client interface {
	Pmgr

	ID() uint

	ReplyErrMsg(e string, c string, s txstatus.TXStatus) error
	ReplyErrWithTxStatus(e error, s txstatus.TXStatus) error
	ReplyErr(errmsg error) error
	ReplyRFQ(txstatus txstatus.TXStatus) error
	ReplyNotice(message string) error
	ReplyCommandComplete(tag string) error
	DefaultReply() error

	Init(cfg *tls.Config) error

	/* password clear text */
	PasswordCT() (string, error)
	PasswordMD5(salt [4]byte) (string, error)

	StartupMessage() *pgproto3.StartupMessage

	Usr() string
	DB() string

	Send(msg pgproto3.BackendMessage) error
	Receive() (pgproto3.FrontendMessage, error)

	Shutdown() error
	Reset() error
	Close() error

	CancelMsg() *pgproto3.CancelRequest

	SetAuthType(uint32) error
}

type InteractRunner interface {
	ProcClient(ctx context.Context, conn net.Conn) error
}

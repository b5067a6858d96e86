package client

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/auth"
	"github.com/pgdog-io/pgdog/pkg/cancel"
	"github.com/pgdog-io/pgdog/pkg/client"
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/conn"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/prepstatement"
	"github.com/pgdog-io/pgdog/pkg/session"
	"github.com/pgdog-io/pgdog/pkg/shard"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
	"github.com/pgdog-io/pgdog/router/server"
)

// the backend rejects startup packets above this size too
const maxStartupPacketLength = 10000

type RouterClient interface {
	client.Client
	prepstatement.PreparedStatementMapper

	SetLocalParam(name, value string)
	SetStartupParams(m map[string]string)

	Server() server.Server

	Unroute() error
	Cancel() error

	Auth(serverParams map[string]string) error

	AssignUser(user *config.User) error
	AssignServerConn(srv server.Server) error
	SwitchServerConn(srv server.Server) error

	User() *config.User
	CancelKey() cancel.Key

	ReplyParseComplete() error
	ReplyBindComplete() error

	DropPreparedStatement(name string)
	DropAllPreparedStatements()
}

type PsqlClient struct {
	*session.ParamHandler

	/* set when the connection turned out to be a cancel request */
	csm *pgproto3.CancelRequest

	cancelKey cancel.Key

	user *config.User
	conn conn.RawConn

	prepStmts     map[string]*prepstatement.PreparedStatementDefinition
	prepStmtsHash map[string]uint64

	be *pgproto3.Backend

	startupMsg *pgproto3.StartupMessage
	id         uint

	cacheCC pgproto3.CommandComplete

	serverP atomic.Pointer[server.Server]
}

var _ RouterClient = &PsqlClient{}

func NewPsqlClient(pgconn conn.RawConn) *PsqlClient {
	cl := &PsqlClient{
		ParamHandler:  session.NewParamHandler(),
		conn:          pgconn,
		startupMsg:    &pgproto3.StartupMessage{},
		prepStmts:     map[string]*prepstatement.PreparedStatementDefinition{},
		prepStmtsHash: map[string]uint64{},
	}

	cl.id = doglog.GetPointer(cl)
	cl.serverP.Store(nil)

	return cl
}

func (cl *PsqlClient) ID() uint {
	return cl.id
}

func (cl *PsqlClient) Conn() net.Conn {
	return cl.conn
}

func (cl *PsqlClient) CancelKey() cancel.Key {
	return cl.cancelKey
}

func (cl *PsqlClient) SetAuthType(t uint32) error {
	return cl.be.SetAuthType(t)
}

// ConstructClientParams builds the query replayed on an attached
// server connection to align it with this client's session state.
func (cl *PsqlClient) ConstructClientParams() *pgproto3.Query {
	query := &pgproto3.Query{
		String: "RESET ALL;",
	}

	for k, v := range cl.Params() {
		if k == "user" {
			continue
		}
		if k == "database" {
			continue
		}
		if k == "options" {
			continue
		}
		if k == "password" {
			continue
		}

		if len(k) >= 6 && k[0:6] == "pgdog." {
			continue
		}

		query.String += fmt.Sprintf("SET %s='%s';", k, v)
	}

	return query
}

func (cl *PsqlClient) StorePreparedStatement(d *prepstatement.PreparedStatementDefinition) {
	cl.prepStmts[d.Name] = d
	cl.prepStmtsHash[d.Name] = prepstatement.Hash(d.Query)
}

func (cl *PsqlClient) PreparedStatementQueryByName(name string) string {
	if v, ok := cl.prepStmts[name]; ok {
		return v.Query
	}
	return ""
}

func (cl *PsqlClient) PreparedStatementDefinitionByName(name string) *prepstatement.PreparedStatementDefinition {
	if v, ok := cl.prepStmts[name]; ok {
		return v
	}
	return nil
}

func (cl *PsqlClient) DropPreparedStatement(name string) {
	delete(cl.prepStmts, name)
	delete(cl.prepStmtsHash, name)
}

func (cl *PsqlClient) DropAllPreparedStatements() {
	cl.prepStmts = map[string]*prepstatement.PreparedStatementDefinition{}
	cl.prepStmtsHash = map[string]uint64{}
}

func (cl *PsqlClient) PreparedStatementQueryHashByName(name string) uint64 {
	return cl.prepStmtsHash[name]
}

func (cl *PsqlClient) ReplyCommandComplete(commandTag string) error {
	cl.cacheCC.CommandTag = []byte(commandTag)
	return cl.Send(&cl.cacheCC)
}

var (
	bindCMsg  = &pgproto3.BindComplete{}
	parseCMsg = &pgproto3.ParseComplete{}
)

func (cl *PsqlClient) ReplyParseComplete() error {
	return cl.Send(parseCMsg)
}

func (cl *PsqlClient) ReplyBindComplete() error {
	return cl.Send(bindCMsg)
}

func (cl *PsqlClient) Reset() error {
	return nil
}

func (cl *PsqlClient) ReplyNotice(message string) error {
	return cl.Send(&pgproto3.NoticeResponse{
		Severity: "NOTICE",
		Message:  message,
	})
}

func (cl *PsqlClient) Shards() []shard.Shard {
	serv := cl.serverP.Load()

	if serv == nil || *serv == nil {
		return nil
	}

	return (*serv).Datashards()
}

func (cl *PsqlClient) User() *config.User {
	return cl.user
}

/* un-protected access to the client's server variable, for paths
where a concurrent Unroute() is impossible */

func (cl *PsqlClient) Server() server.Server {
	serv := cl.serverP.Load()
	if serv == nil {
		return nil
	}
	return *serv
}

/* This method can be called concurrently with Cancel() */
func (cl *PsqlClient) Unroute() error {
	serv := cl.serverP.Load()

	if serv == nil || *serv == nil {
		return nil
	}

	cl.serverP.Store(nil)
	return nil
}

/* This method can be called concurrently with Unroute() */
func (cl *PsqlClient) Cancel() error {
	serv := cl.serverP.Load()

	if serv == nil || *serv == nil {
		return nil
	}

	return (*serv).Cancel()
}

func (cl *PsqlClient) AssignUser(user *config.User) error {
	if cl.user != nil {
		return fmt.Errorf("client already has assigned user %s", cl.user.Name)
	}
	cl.user = user

	return nil
}

// Init runs the startup exchange: SSL and GSS negotiation, the
// startup packet itself, or a cancel request. After a cancel request
// CancelMsg() is non-nil and the connection carries nothing else.
func (cl *PsqlClient) Init(tlsconfig *tls.Config) error {
	for {
		var backend *pgproto3.Backend

		var sm *pgproto3.StartupMessage

		headerRaw := make([]byte, 4)

		if _, err := io.ReadFull(cl.conn, headerRaw); err != nil {
			return err
		}

		/* the length word counts itself, the payload must at least
		 * carry the protocol version */
		pktLen := binary.BigEndian.Uint32(headerRaw)
		if pktLen < 8 || pktLen > maxStartupPacketLength {
			return fmt.Errorf("invalid startup packet length %d", pktLen)
		}

		msg := make([]byte, pktLen-4)
		if _, err := io.ReadFull(cl.conn, msg); err != nil {
			return err
		}

		protoVer := binary.BigEndian.Uint32(msg)

		doglog.Zero.Debug().
			Uint("client", cl.ID()).
			Uint32("proto-version", protoVer).
			Msg("received protocol version")

		switch protoVer {
		case conn.GSSREQ:
			_, err := cl.conn.Write([]byte{'N'})
			if err != nil {
				return err
			}
			// next iter carries the protocol version number
			continue

		case conn.SSLREQ:
			if tlsconfig == nil {
				_, err := cl.conn.Write([]byte{'N'})
				if err != nil {
					return err
				}
				continue
			}

			_, err := cl.conn.Write([]byte{'S'})
			if err != nil {
				return err
			}

			cl.conn = tls.Server(cl.conn, tlsconfig)

			backend = pgproto3.NewBackend(bufio.NewReader(cl.conn), cl.conn)

			frsm, err := backend.ReceiveStartupMessage()
			if err != nil {
				return fmt.Errorf("failed to receive continuation startup message: %w", err)
			}

			switch msg := frsm.(type) {
			case *pgproto3.StartupMessage:
				sm = msg
			default:
				return fmt.Errorf("received unexpected message type %T", frsm)
			}
		case pgproto3.ProtocolVersionNumber:
			sm = &pgproto3.StartupMessage{}
			if err := sm.Decode(msg); err != nil {
				return err
			}
			backend = pgproto3.NewBackend(bufio.NewReader(cl.conn), cl.conn)
		case conn.CANCELREQ:
			cl.csm = &pgproto3.CancelRequest{}
			if err := cl.csm.Decode(msg); err != nil {
				return err
			}

			return nil
		default:
			return fmt.Errorf("protocol number %d not supported", protoVer)
		}

		cl.startupMsg = sm
		cl.be = backend

		cl.SetStartupParams(sm.Parameters)
		for k, v := range sm.Parameters {
			cl.SetParam(k, v)
		}

		key, err := cancel.IssueKey()
		if err != nil {
			return err
		}
		cl.cancelKey = key

		doglog.Zero.Debug().
			Uint("client", cl.ID()).
			Uint32("cancel-pid", cl.cancelKey.PID).
			Msg("issued cancel key")

		if tlsconfig != nil && protoVer != conn.SSLREQ {
			if err := cl.Send(
				&pgproto3.ErrorResponse{
					Severity: "ERROR",
					Message:  "SSL IS REQUIRED",
				}); err != nil {
				return err
			}
		}

		return nil
	}
}

// Auth authenticates the client per its user entry and completes the
// startup sequence with parameter status, key data and ReadyForQuery.
func (cl *PsqlClient) Auth(serverParams map[string]string) error {
	doglog.Zero.Info().
		Str("user", cl.Usr()).
		Str("db", cl.DB()).
		Msg("processing frontend auth")

	if err := auth.AuthFrontend(cl, cl.User()); err != nil {
		for _, msg := range []pgproto3.BackendMessage{
			&pgproto3.ErrorResponse{
				Severity: "FATAL",
				Code:     pgerr.InvalidPassword,
				Message:  fmt.Sprintf("auth failed: %s", err),
			},
		} {
			if err := cl.Send(msg); err != nil {
				return err
			}
		}
		return err
	}

	if err := cl.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return err
	}

	doglog.Zero.Info().
		Uint("client", cl.ID()).
		Str("user", cl.Usr()).
		Str("db", cl.DB()).
		Msg("client connection accepted")

	for key, value := range serverParams {
		if err := cl.Send(&pgproto3.ParameterStatus{
			Name:  key,
			Value: value,
		}); err != nil {
			return err
		}
	}

	if err := cl.Send(&pgproto3.BackendKeyData{
		ProcessID: cl.cancelKey.PID,
		SecretKey: cl.cancelKey.Secret,
	}); err != nil {
		return err
	}

	return cl.ReplyRFQ(txstatus.TXIDLE)
}

func (cl *PsqlClient) StartupMessage() *pgproto3.StartupMessage {
	return cl.startupMsg
}

const DefaultUsr = "default"
const DefaultDB = "default"

func (cl *PsqlClient) Usr() string {
	if usr, ok := cl.startupMsg.Parameters["user"]; ok {
		return usr
	}
	return DefaultUsr
}

func (cl *PsqlClient) DB() string {
	if db, ok := cl.startupMsg.Parameters["database"]; ok {
		return db
	}

	return DefaultDB
}

func (cl *PsqlClient) receivepasswd() (string, error) {
	msg, err := cl.be.Receive()
	if err != nil {
		return "", err
	}

	switch v := msg.(type) {
	case *pgproto3.PasswordMessage:
		return v.Password, nil
	default:
		return "", fmt.Errorf("failed to receive password message from client")
	}
}

func (cl *PsqlClient) PasswordCT() (string, error) {
	if passwd, ok := cl.startupMsg.Parameters["password"]; ok {
		return passwd, nil
	}

	if err := cl.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return "", err
	}

	return cl.receivepasswd()
}

func (cl *PsqlClient) PasswordMD5(salt [4]byte) (string, error) {
	if err := cl.Send(&pgproto3.AuthenticationMD5Password{
		Salt: salt,
	}); err != nil {
		return "", err
	}
	return cl.receivepasswd()
}

func (cl *PsqlClient) Receive() (pgproto3.FrontendMessage, error) {
	msg, err := cl.be.Receive()
	doglog.Zero.Debug().
		Uint("client", cl.ID()).
		Type("message-type", msg).
		Msg("received message from client")
	return msg, err
}

func (cl *PsqlClient) Send(msg pgproto3.BackendMessage) error {
	doglog.Zero.Debug().
		Uint("client", cl.ID()).
		Type("msg-type", msg).
		Msg("sending msg to client")

	cl.be.Send(msg)

	switch msg.(type) {
	case *pgproto3.ReadyForQuery, *pgproto3.ErrorResponse, *pgproto3.AuthenticationCleartextPassword, *pgproto3.AuthenticationOk, *pgproto3.AuthenticationMD5Password, *pgproto3.AuthenticationSASLFinal, *pgproto3.AuthenticationSASLContinue, *pgproto3.AuthenticationSASL, *pgproto3.CopyInResponse, *pgproto3.CopyOutResponse, *pgproto3.CopyBothResponse:
		return cl.be.Flush()
	default:
		return nil
	}
}

func (cl *PsqlClient) AssignServerConn(srv server.Server) error {
	if cl.serverP.Load() != nil {
		return fmt.Errorf("client already has active connection")
	}
	cl.serverP.Store(&srv)
	return nil
}

func (cl *PsqlClient) SwitchServerConn(srv server.Server) error {
	cl.serverP.Store(&srv)
	return nil
}

// DefaultReply answers statements handled entirely inside the pooler.
func (cl *PsqlClient) DefaultReply() error {
	for _, msg := range []pgproto3.BackendMessage{
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{
				Name:                 []byte("pgdog"),
				TableOID:             0,
				TableAttributeNumber: 0,
				DataTypeOID:          25,
				DataTypeSize:         -1,
				TypeModifier:         -1,
				Format:               0,
			},
		}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("no data")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	} {
		if err := cl.Send(msg); err != nil {
			return err
		}
	}

	return nil
}

func (cl *PsqlClient) Close() error {
	doglog.Zero.Debug().Uint("client", cl.ID()).Msg("closing client")
	return cl.conn.Close()
}

func (cl *PsqlClient) ReplyErrMsg(e string, code string, s txstatus.TXStatus) error {
	for _, msg := range []pgproto3.BackendMessage{
		&pgproto3.ErrorResponse{
			Message:  e,
			Severity: "ERROR",
			Code:     code,
		},
		&pgproto3.ReadyForQuery{
			TxStatus: byte(s),
		},
	} {
		if err := cl.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (cl *PsqlClient) ReplyErrWithTxStatus(e error, s txstatus.TXStatus) error {
	resp := pgerr.Response(e)
	if err := cl.Send(resp); err != nil {
		return err
	}
	return cl.ReplyRFQ(s)
}

func (cl *PsqlClient) ReplyErr(e error) error {
	return cl.ReplyErrWithTxStatus(e, txstatus.TXIDLE)
}

func (cl *PsqlClient) ReplyRFQ(status txstatus.TXStatus) error {
	return cl.Send(&pgproto3.ReadyForQuery{
		TxStatus: byte(status),
	})
}

// Shutdown tells the client the pooler is going away and closes the
// connection.
func (cl *PsqlClient) Shutdown() error {
	for _, msg := range []pgproto3.BackendMessage{
		&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     pgerr.AdminShutdown,
			Message:  "terminating connection due to administrator command",
		},
	} {
		if err := cl.Send(msg); err != nil {
			return err
		}
	}

	_ = cl.Unroute()

	return cl.conn.Close()
}

func (cl *PsqlClient) CancelMsg() *pgproto3.CancelRequest {
	return cl.csm
}

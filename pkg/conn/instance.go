package conn

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sethvargo/go-retry"

	"github.com/pgdog-io/pgdog/pkg/doglog"
)

const SSLREQ = 80877103
const CANCELREQ = 80877102
const GSSREQ = 80877104

const CANCELREQVER = int32(80877102)

type InstanceStatus string

const NotInitialized = InstanceStatus("NOT_INITIALIZED")
const ACQUIRED = InstanceStatus("ACQUIRED")

type DBInstance interface {
	Send(query pgproto3.FrontendMessage) error
	Flush() error
	Receive() (pgproto3.BackendMessage, error)

	CheckRW() (bool, error)
	ReqBackendSsl(*tls.Config) error

	Hostname() string
	ShardName() string
	NetConn() net.Conn

	Close() error
	Status() InstanceStatus
	SetStatus(status InstanceStatus)
}

type PostgreSQLInstance struct {
	conn     net.Conn
	frontend *pgproto3.Frontend

	hostname  string
	shardName string
	status    InstanceStatus
}

var _ DBInstance = &PostgreSQLInstance{}

// SetShardName and SetFrontend exist for tests that assemble an
// instance without dialing.
func (pgi *PostgreSQLInstance) SetShardName(name string) {
	pgi.shardName = name
}

func (pgi *PostgreSQLInstance) SetFrontend(f *pgproto3.Frontend) {
	pgi.frontend = f
}

func (pgi *PostgreSQLInstance) SetStatus(status InstanceStatus) {
	pgi.status = status
}

func (pgi *PostgreSQLInstance) Status() InstanceStatus {
	return pgi.status
}

func (pgi *PostgreSQLInstance) Close() error {
	return pgi.conn.Close()
}

func (pgi *PostgreSQLInstance) Hostname() string {
	return pgi.hostname
}

func (pgi *PostgreSQLInstance) ShardName() string {
	return pgi.shardName
}

func (pgi *PostgreSQLInstance) NetConn() net.Conn {
	return pgi.conn
}

// Send buffers the message. Callers flush explicitly on protocol sync
// points so extended protocol pipelines go out in one write.
func (pgi *PostgreSQLInstance) Send(query pgproto3.FrontendMessage) error {
	pgi.frontend.Send(query)

	switch query.(type) {
	case *pgproto3.Query, *pgproto3.Sync, *pgproto3.CopyDone, *pgproto3.CopyFail, *pgproto3.Terminate:
		return pgi.frontend.Flush()
	}
	return nil
}

func (pgi *PostgreSQLInstance) Flush() error {
	return pgi.frontend.Flush()
}

func (pgi *PostgreSQLInstance) Receive() (pgproto3.BackendMessage, error) {
	return pgi.frontend.Receive()
}

// NewInstanceConn dials the backend with retries, optionally upgrades
// to TLS, and leaves the connection ready for a startup packet.
func NewInstanceConn(host string, shardName string, tlsconfig *tls.Config, timeout time.Duration) (DBInstance, error) {
	doglog.Zero.Debug().
		Str("host", host).
		Str("shard", shardName).
		Msg("initializing new postgresql connection")

	var netconn net.Conn

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b := retry.NewFibonacci(50 * time.Millisecond)
	b = retry.WithMaxRetries(4, b)

	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		d := net.Dialer{}
		netconn, err = d.DialContext(ctx, "tcp", host)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	instance := &PostgreSQLInstance{
		hostname:  host,
		shardName: shardName,
		conn:      netconn,
		status:    NotInitialized,
	}

	if tlsconfig != nil {
		if err := instance.ReqBackendSsl(tlsconfig); err != nil {
			_ = netconn.Close()
			return nil, err
		}
	}

	instance.frontend = pgproto3.NewFrontend(instance.conn, instance.conn)
	return instance, nil
}

// CheckRW reports whether the backend accepts writes, i.e. is not a
// hot standby.
func (pgi *PostgreSQLInstance) CheckRW() (bool, error) {
	if err := pgi.Send(&pgproto3.Query{
		String: "SELECT pg_is_in_recovery()",
	}); err != nil {
		return false, err
	}

	rw := false
	for {
		bmsg, err := pgi.Receive()
		if err != nil {
			return false, err
		}

		switch v := bmsg.(type) {
		case *pgproto3.DataRow:
			if len(v.Values) == 1 && len(v.Values[0]) == 1 && v.Values[0][0] == 'f' {
				rw = true
			}
		case *pgproto3.ErrorResponse:
			return false, fmt.Errorf("recovery check failed: %s", v.Message)
		case *pgproto3.ReadyForQuery:
			return rw, nil
		}
	}
}

// ReqBackendSsl performs the SSLRequest handshake and wraps the
// connection in TLS. The backend must answer 'S'.
func (pgi *PostgreSQLInstance) ReqBackendSsl(tlsconfig *tls.Config) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, 8)
	binary.BigEndian.PutUint32(b[4:], SSLREQ)

	if _, err := pgi.conn.Write(b); err != nil {
		return fmt.Errorf("ReqBackendSsl: %w", err)
	}

	resp := make([]byte, 1)
	if _, err := pgi.conn.Read(resp); err != nil {
		return err
	}

	if resp[0] != 'S' {
		return fmt.Errorf("backend %s refused SSL", pgi.hostname)
	}

	pgi.conn = tls.Client(pgi.conn, tlsconfig)
	return nil
}

// SendCancelRequest opens a throwaway connection to the backend and
// fires a CancelRequest for the given key. The v3 protocol requires
// cancellation to travel over its own connection.
func SendCancelRequest(host string, pid uint32, secret uint32, timeout time.Duration) error {
	netconn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = netconn.Close() }()

	msg := make([]byte, 16)
	binary.BigEndian.PutUint32(msg, 16)
	binary.BigEndian.PutUint32(msg[4:], CANCELREQ)
	binary.BigEndian.PutUint32(msg[8:], pid)
	binary.BigEndian.PutUint32(msg[12:], secret)

	if _, err := netconn.Write(msg); err != nil {
		return err
	}

	/* the backend closes the connection without replying */
	buf := make([]byte, 1)
	_ = netconn.SetReadDeadline(time.Now().Add(timeout))
	_, _ = netconn.Read(buf)
	return nil
}

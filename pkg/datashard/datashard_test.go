package datashard

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"

	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/conn"
	"github.com/pgdog-io/pgdog/pkg/prepstatement"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
)

type fakeInstance struct {
	sent    []pgproto3.FrontendMessage
	replies []pgproto3.BackendMessage
	status  conn.InstanceStatus
}

var _ conn.DBInstance = &fakeInstance{}

func (f *fakeInstance) Send(msg pgproto3.FrontendMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeInstance) Flush() error { return nil }

func (f *fakeInstance) Receive() (pgproto3.BackendMessage, error) {
	if len(f.replies) == 0 {
		return nil, io.EOF
	}
	msg := f.replies[0]
	f.replies = f.replies[1:]
	return msg, nil
}

func (f *fakeInstance) CheckRW() (bool, error)                 { return false, nil }
func (f *fakeInstance) ReqBackendSsl(*tls.Config) error        { return nil }
func (f *fakeInstance) Hostname() string                       { return "localhost:5432" }
func (f *fakeInstance) NetConn() net.Conn                      { return nil }
func (f *fakeInstance) ShardName() string                      { return "shard0" }
func (f *fakeInstance) Close() error                           { return nil }
func (f *fakeInstance) Status() conn.InstanceStatus            { return f.status }
func (f *fakeInstance) SetStatus(status conn.InstanceStatus)   { f.status = status }

func newTestConn(inst conn.DBInstance) *Conn {
	return &Conn{
		db:        &config.Database{Name: "prod", User: "pgdog"},
		user:      &config.User{Name: "app"},
		ps:        map[string]string{},
		status:    txstatus.TXIDLE,
		stmtDef:   map[uint64]*prepstatement.PreparedStatementDefinition{},
		stmtDesc:  map[uint64]*prepstatement.PreparedStatementDescriptor{},
		dedicated: inst,
	}
}

func TestSyncCounting(t *testing.T) {
	assert := assert.New(t)

	inst := &fakeInstance{}
	sh := newTestConn(inst)

	assert.Equal(int64(0), sh.Sync())

	assert.NoError(sh.Send(&pgproto3.Query{String: "SELECT 1"}))
	assert.Equal(int64(1), sh.Sync())
	assert.True(sh.DataPending())

	/* non-sync messages do not move the counter */
	assert.NoError(sh.Send(&pgproto3.Parse{Name: "s", Query: "SELECT 1"}))
	assert.Equal(int64(1), sh.Sync())

	assert.NoError(sh.Send(&pgproto3.Sync{}))
	assert.Equal(int64(2), sh.Sync())

	inst.replies = []pgproto3.BackendMessage{
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	}

	_, err := sh.Receive()
	assert.NoError(err)
	assert.Equal(int64(1), sh.Sync())

	_, err = sh.Receive()
	assert.NoError(err)
	assert.Equal(int64(0), sh.Sync())
	assert.False(sh.DataPending())
	assert.Equal(int64(2), sh.TxServed())
}

func TestReceiveTracksTxStatus(t *testing.T) {
	assert := assert.New(t)

	inst := &fakeInstance{replies: []pgproto3.BackendMessage{
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXACT)},
	}}
	sh := newTestConn(inst)

	_, err := sh.Receive()
	assert.NoError(err)
	assert.Equal(txstatus.TXACT, sh.TxStatus())
	assert.Equal(int64(0), sh.TxServed())
}

func TestReceiveSavesParameterStatus(t *testing.T) {
	assert := assert.New(t)

	inst := &fakeInstance{replies: []pgproto3.BackendMessage{
		&pgproto3.ParameterStatus{Name: "TimeZone", Value: "UTC"},
	}}
	sh := newTestConn(inst)

	_, err := sh.Receive()
	assert.NoError(err)
	assert.Equal("UTC", sh.Params()["TimeZone"])
}

func TestCleanupRollsBackOpenTx(t *testing.T) {
	assert := assert.New(t)

	inst := &fakeInstance{replies: []pgproto3.BackendMessage{
		&pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	}}
	sh := newTestConn(inst)
	sh.SetTxStatus(txstatus.TXACT)

	assert.NoError(sh.Cleanup(0))
	assert.Len(inst.sent, 1)
	assert.Equal("ROLLBACK", inst.sent[0].(*pgproto3.Query).String)
	assert.Equal(txstatus.TXIDLE, sh.TxStatus())
}

func TestCleanupDiscardsDirty(t *testing.T) {
	assert := assert.New(t)

	inst := &fakeInstance{replies: []pgproto3.BackendMessage{
		&pgproto3.CommandComplete{CommandTag: []byte("DISCARD ALL")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	}}
	sh := newTestConn(inst)
	sh.MarkDirty()
	sh.StorePrepareStatement(42, &prepstatement.PreparedStatementDefinition{Name: "s", Query: "SELECT 1"}, &prepstatement.PreparedStatementDescriptor{})

	assert.NoError(sh.Cleanup(0))
	assert.False(sh.IsDirty())
	assert.Equal("DISCARD ALL", inst.sent[0].(*pgproto3.Query).String)

	/* statement cache must go with the server-side statements */
	ok, _ := sh.HasPrepareStatement(42)
	assert.False(ok)
}

func TestCleanupCleanIdleIsNoop(t *testing.T) {
	assert := assert.New(t)

	inst := &fakeInstance{}
	sh := newTestConn(inst)

	assert.NoError(sh.Cleanup(0))
	assert.Empty(inst.sent)
}

func TestHasPrepareStatement(t *testing.T) {
	assert := assert.New(t)

	sh := newTestConn(&fakeInstance{})

	desc := &prepstatement.PreparedStatementDescriptor{
		ParamDesc: &pgproto3.ParameterDescription{ParameterOIDs: []uint32{23}},
	}

	ok, got := sh.HasPrepareStatement(12345)
	assert.False(ok)
	assert.Nil(got)

	sh.StorePrepareStatement(12345, &prepstatement.PreparedStatementDefinition{Name: "q", Query: "SELECT $1"}, desc)

	ok, got = sh.HasPrepareStatement(12345)
	assert.True(ok)
	assert.Equal(desc, got)

	list := sh.ListPreparedStatements()
	assert.Len(list, 1)
	assert.Equal(uint64(12345), list[0].Hash)
}

// deadlineConn records read deadlines set on the socket.
type deadlineConn struct {
	net.Conn
	deadlines []time.Time
}

func (d *deadlineConn) SetReadDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

type deadlineInstance struct {
	fakeInstance
	nc *deadlineConn
}

func (d *deadlineInstance) NetConn() net.Conn { return d.nc }

func TestCleanupSetsSocketDeadline(t *testing.T) {
	assert := assert.New(t)

	inst := &deadlineInstance{
		fakeInstance: fakeInstance{replies: []pgproto3.BackendMessage{
			&pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")},
			&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
		}},
		nc: &deadlineConn{},
	}
	sh := newTestConn(inst)
	sh.SetTxStatus(txstatus.TXACT)

	assert.NoError(sh.Cleanup(time.Second))

	/* armed before the read, cleared after */
	assert.Len(inst.nc.deadlines, 2)
	assert.False(inst.nc.deadlines[0].IsZero())
	assert.True(inst.nc.deadlines[1].IsZero())
}

func TestConstructSMUsesPoolUser(t *testing.T) {
	assert := assert.New(t)

	sh := newTestConn(&fakeInstance{})

	sm := sh.ConstructSM(&config.User{Name: "app", ServerUser: "svc"})
	assert.Equal("svc", sm.Parameters["user"])
	assert.Equal("prod", sm.Parameters["database"])

	sm = sh.ConstructSM(&config.User{})
	assert.Equal("pgdog", sm.Parameters["user"])
}

package relay

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"

	"github.com/pgdog-io/pgdog/pkg/cancel"
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/conn"
	"github.com/pgdog-io/pgdog/pkg/pool"
	"github.com/pgdog-io/pgdog/pkg/prepstatement"
	"github.com/pgdog-io/pgdog/pkg/session"
	"github.com/pgdog-io/pgdog/pkg/shard"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
	"github.com/pgdog-io/pgdog/router/parser"
	"github.com/pgdog-io/pgdog/router/qrouter"
	"github.com/pgdog-io/pgdog/router/server"
)

// mockShard replays a scripted backend stream and records what the
// relay sent to it.
type mockShard struct {
	id       uint
	shardNum int
	queue    []pgproto3.BackendMessage
	sent     []pgproto3.FrontendMessage
	sync     int64
	status   txstatus.TXStatus
	dirty    bool
}

func newMockShard(id uint, shardNum int, msgs ...pgproto3.BackendMessage) *mockShard {
	return &mockShard{
		id:       id,
		shardNum: shardNum,
		queue:    msgs,
		sync:     1,
		status:   txstatus.TXIDLE,
	}
}

func (m *mockShard) ID() uint                 { return m.id }
func (m *mockShard) ShardNumber() int         { return m.shardNum }
func (m *mockShard) InstanceHostname() string { return "mock" }
func (m *mockShard) Pid() uint32              { return 0 }
func (m *mockShard) Usr() string              { return "user" }
func (m *mockShard) DB() string               { return "db" }
func (m *mockShard) Sync() int64              { return m.sync }
func (m *mockShard) DataPending() bool        { return false }
func (m *mockShard) TxServed() int64          { return 0 }

func (m *mockShard) ListPreparedStatements() []shard.PreparedStatementsMgrDescriptor {
	return nil
}

func (m *mockShard) HasPrepareStatement(hash uint64) (bool, *prepstatement.PreparedStatementDescriptor) {
	return false, nil
}

func (m *mockShard) StorePrepareStatement(hash uint64, def *prepstatement.PreparedStatementDefinition, rd *prepstatement.PreparedStatementDescriptor) {
}

func (m *mockShard) Cfg() *config.Database { return &config.Database{} }
func (m *mockShard) Name() string          { return "mock" }

func (m *mockShard) Send(msg pgproto3.FrontendMessage) error {
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockShard) Flush() error { return nil }

func (m *mockShard) Receive() (pgproto3.BackendMessage, error) {
	if len(m.queue) == 0 {
		return nil, assert.AnError
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
		m.sync = 0
		m.status = txstatus.TXStatus(rfq.TxStatus)
	}
	return msg, nil
}

func (m *mockShard) AddTLSConf(cfg *tls.Config) error                       { return nil }
func (m *mockShard) MarkDirty()                                             { m.dirty = true }
func (m *mockShard) IsDirty() bool                                          { return m.dirty }
func (m *mockShard) Cleanup(rollbackTimeout time.Duration) error            { return nil }
func (m *mockShard) ConstructSM(user *config.User) *pgproto3.StartupMessage { return nil }
func (m *mockShard) Instance() conn.DBInstance                              { return nil }
func (m *mockShard) Cancel() error                                          { return nil }
func (m *mockShard) Params() shard.ParameterSet                             { return shard.ParameterSet{} }
func (m *mockShard) Close() error                                           { return nil }
func (m *mockShard) SetTxStatus(tx txstatus.TXStatus)                       { m.status = tx }
func (m *mockShard) TxStatus() txstatus.TXStatus                            { return m.status }

var _ shard.Shard = &mockShard{}

// fakePool hands out pre-built mock shards by shard number.
type fakePool struct {
	shards    map[int]*mockShard
	put       []shard.Shard
	discarded []shard.Shard
}

func (p *fakePool) Connection(clid uint, shardNumber int, role config.Role) (shard.Shard, error) {
	sh, ok := p.shards[shardNumber]
	if !ok {
		return nil, assert.AnError
	}
	return sh, nil
}

func (p *fakePool) Put(sh shard.Shard) error {
	p.put = append(p.put, sh)
	return nil
}

func (p *fakePool) Discard(sh shard.Shard) error {
	p.discarded = append(p.discarded, sh)
	return nil
}

func (p *fakePool) ShardCount() int                                 { return len(p.shards) }
func (p *fakePool) StartKeeper(ctx context.Context)                 {}
func (p *fakePool) Views() []pool.Statistics                        { return nil }
func (p *fakePool) ForEach(cb func(sh shard.Shardinfo) error) error { return nil }
func (p *fakePool) ForEachPool(cb func(pl pool.Pool) error) error   { return nil }

var _ pool.DBPool = &fakePool{}

// fakeClient records messages the relay sends to the frontend and
// replays scripted frontend messages for COPY.
type fakeClient struct {
	*session.ParamHandler

	out []pgproto3.BackendMessage
	in  []pgproto3.FrontendMessage

	srv    server.Server
	defs   map[string]*prepstatement.PreparedStatementDefinition
	hashes map[string]uint64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		ParamHandler: session.NewParamHandler(),
		defs:         map[string]*prepstatement.PreparedStatementDefinition{},
		hashes:       map[string]uint64{},
	}
}

func (f *fakeClient) ID() uint { return 1 }

func (f *fakeClient) Send(msg pgproto3.BackendMessage) error {
	f.out = append(f.out, msg)
	return nil
}

func (f *fakeClient) Receive() (pgproto3.FrontendMessage, error) {
	if len(f.in) == 0 {
		return nil, assert.AnError
	}
	msg := f.in[0]
	f.in = f.in[1:]
	return msg, nil
}

func (f *fakeClient) ReplyErrMsg(e string, c string, s txstatus.TXStatus) error {
	f.out = append(f.out,
		&pgproto3.ErrorResponse{Severity: "ERROR", Code: c, Message: e},
		&pgproto3.ReadyForQuery{TxStatus: byte(s)})
	return nil
}

func (f *fakeClient) ReplyErrWithTxStatus(e error, s txstatus.TXStatus) error {
	return f.ReplyErrMsg(e.Error(), "XX000", s)
}

func (f *fakeClient) ReplyErr(e error) error {
	return f.ReplyErrWithTxStatus(e, txstatus.TXIDLE)
}

func (f *fakeClient) ReplyRFQ(s txstatus.TXStatus) error {
	return f.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s)})
}

func (f *fakeClient) ReplyNotice(message string) error {
	return f.Send(&pgproto3.NoticeResponse{Severity: "NOTICE", Message: message})
}

func (f *fakeClient) ReplyCommandComplete(tag string) error {
	return f.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

func (f *fakeClient) ReplyParseComplete() error { return f.Send(&pgproto3.ParseComplete{}) }
func (f *fakeClient) ReplyBindComplete() error  { return f.Send(&pgproto3.BindComplete{}) }

func (f *fakeClient) DefaultReply() error              { return nil }
func (f *fakeClient) Init(cfg *tls.Config) error       { return nil }
func (f *fakeClient) PasswordCT() (string, error)      { return "", nil }
func (f *fakeClient) PasswordMD5(s [4]byte) (string, error) {
	return "", nil
}
func (f *fakeClient) StartupMessage() *pgproto3.StartupMessage { return &pgproto3.StartupMessage{} }
func (f *fakeClient) Usr() string                              { return "user" }
func (f *fakeClient) DB() string                               { return "db" }
func (f *fakeClient) Shutdown() error                          { return nil }
func (f *fakeClient) Reset() error                             { return nil }
func (f *fakeClient) Close() error                             { return nil }
func (f *fakeClient) CancelMsg() *pgproto3.CancelRequest       { return nil }
func (f *fakeClient) SetAuthType(t uint32) error               { return nil }

func (f *fakeClient) ConstructClientParams() *pgproto3.Query {
	return &pgproto3.Query{String: "RESET ALL;"}
}

func (f *fakeClient) StorePreparedStatement(d *prepstatement.PreparedStatementDefinition) {
	f.defs[d.Name] = d
	f.hashes[d.Name] = prepstatement.Hash(d.Query)
}

func (f *fakeClient) PreparedStatementQueryByName(name string) string {
	if d, ok := f.defs[name]; ok {
		return d.Query
	}
	return ""
}

func (f *fakeClient) PreparedStatementDefinitionByName(name string) *prepstatement.PreparedStatementDefinition {
	return f.defs[name]
}

func (f *fakeClient) PreparedStatementQueryHashByName(name string) uint64 {
	return f.hashes[name]
}

func (f *fakeClient) DropPreparedStatement(name string) {
	delete(f.defs, name)
	delete(f.hashes, name)
}

func (f *fakeClient) DropAllPreparedStatements() {
	f.defs = map[string]*prepstatement.PreparedStatementDefinition{}
	f.hashes = map[string]uint64{}
}

func (f *fakeClient) Server() server.Server { return f.srv }

func (f *fakeClient) Unroute() error {
	f.srv = nil
	return nil
}

func (f *fakeClient) Cancel() error                               { return nil }
func (f *fakeClient) Auth(serverParams map[string]string) error   { return nil }
func (f *fakeClient) AssignUser(user *config.User) error          { return nil }
func (f *fakeClient) AssignServerConn(srv server.Server) error    { f.srv = srv; return nil }
func (f *fakeClient) SwitchServerConn(srv server.Server) error    { f.srv = srv; return nil }
func (f *fakeClient) User() *config.User                          { return &config.User{Name: "user"} }
func (f *fakeClient) CancelKey() cancel.Key                       { return cancel.Key{} }

func newRelay(cl *fakeClient, p *fakePool, shards int, tables []config.ShardedTable) *RelayState {
	qr := qrouter.New("db", shards, tables, nil)
	return NewRelayState(qr, parser.NewSharedParser(), cl, p, config.PoolerModeTransaction)
}

func TestVirtualBeginCommit(t *testing.T) {
	assert := assert.New(t)

	cl := newFakeClient()
	rst := newRelay(cl, &fakePool{shards: map[int]*mockShard{}}, 2, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "BEGIN"}))
	assert.Equal(txstatus.TXACT, rst.TxStatus())

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "COMMIT"}))
	assert.Equal(txstatus.TXIDLE, rst.TxStatus())

	var tags []string
	var rfqs []byte
	for _, msg := range cl.out {
		switch v := msg.(type) {
		case *pgproto3.CommandComplete:
			tags = append(tags, string(v.CommandTag))
		case *pgproto3.ReadyForQuery:
			rfqs = append(rfqs, v.TxStatus)
		}
	}
	assert.Equal([]string{"BEGIN", "COMMIT"}, tags)
	assert.Equal([]byte{byte(txstatus.TXACT), byte(txstatus.TXIDLE)}, rfqs)
}

func TestVirtualRollbackRestoresParams(t *testing.T) {
	assert := assert.New(t)

	cl := newFakeClient()
	rst := newRelay(cl, &fakePool{shards: map[int]*mockShard{}}, 2, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SET application_name TO 'before'"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "BEGIN"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SET application_name TO 'inside'"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "ROLLBACK"}))

	assert.Equal("before", cl.Params()["application_name"])
}

func TestSetAnsweredLocally(t *testing.T) {
	assert := assert.New(t)

	cl := newFakeClient()
	rst := newRelay(cl, &fakePool{shards: map[int]*mockShard{}}, 2, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SET search_path TO app"}))

	assert.Equal("app", cl.Params()["search_path"])
	if assert.Len(cl.out, 2) {
		cc, ok := cl.out[0].(*pgproto3.CommandComplete)
		if assert.True(ok) {
			assert.Equal("SET", string(cc.CommandTag))
		}
	}
}

func TestSetVirtualShard(t *testing.T) {
	assert := assert.New(t)

	cl := newFakeClient()
	rst := newRelay(cl, &fakePool{shards: map[int]*mockShard{}}, 4, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: `SET "pgdog.shard" = 2`}))
	assert.Equal(2, rst.hints.SessionShard)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: `SET "pgdog.shard" = 9`}))
	last := cl.out[len(cl.out)-2]
	er, ok := last.(*pgproto3.ErrorResponse)
	if assert.True(ok) {
		assert.Contains(er.Message, "pgdog.shard")
	}
	assert.Equal(2, rst.hints.SessionShard)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: `RESET "pgdog.shard"`}))
	assert.Equal(qrouter.NoShard, rst.hints.SessionShard)
}

func TestShowShards(t *testing.T) {
	assert := assert.New(t)

	cl := newFakeClient()
	rst := newRelay(cl, &fakePool{shards: map[int]*mockShard{}}, 3, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: `SHOW "pgdog.shards"`}))

	var row *pgproto3.DataRow
	for _, msg := range cl.out {
		if v, ok := msg.(*pgproto3.DataRow); ok {
			row = v
		}
	}
	if assert.NotNil(row) {
		assert.Equal("3", string(row.Values[0]))
	}
}

func TestAbortedVirtualTxRejectsQueries(t *testing.T) {
	assert := assert.New(t)

	cl := newFakeClient()
	rst := newRelay(cl, &fakePool{shards: map[int]*mockShard{}}, 2, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "BEGIN"}))
	rst.status = txstatus.TXERR

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SELECT 1"}))
	er, ok := cl.out[len(cl.out)-2].(*pgproto3.ErrorResponse)
	if assert.True(ok) {
		assert.Equal("25P02", er.Code)
	}

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "COMMIT"}))
	assert.Equal(txstatus.TXIDLE, rst.TxStatus())
	cc, ok := cl.out[len(cl.out)-2].(*pgproto3.CommandComplete)
	if assert.True(ok) {
		assert.Equal("ROLLBACK", string(cc.CommandTag))
	}
}

func TestForwardSelect(t *testing.T) {
	assert := assert.New(t)

	sh := newMockShard(1, 0,
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{Name: []byte("x")}}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("1")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	)
	p := &fakePool{shards: map[int]*mockShard{0: sh}}

	cl := newFakeClient()
	rst := newRelay(cl, p, 1, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SELECT 1"}))

	if assert.Len(sh.sent, 1) {
		q, ok := sh.sent[0].(*pgproto3.Query)
		if assert.True(ok) {
			assert.Equal("SELECT 1", q.String)
		}
	}

	assert.Len(cl.out, 4)
	_, ok := cl.out[len(cl.out)-1].(*pgproto3.ReadyForQuery)
	assert.True(ok)

	/* transaction pooling releases the connection at RFQ */
	assert.Len(p.put, 1)
	assert.Nil(cl.Server())
}

func TestExtendedParseBindExecute(t *testing.T) {
	assert := assert.New(t)

	sh := newMockShard(1, 0,
		/* statement deploy */
		&pgproto3.ParseComplete{},
		&pgproto3.ParameterDescription{},
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{Name: []byte("x")}}},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
		/* execute */
		&pgproto3.BindComplete{},
		&pgproto3.DataRow{Values: [][]byte{[]byte("1")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	)
	p := &fakePool{shards: map[int]*mockShard{0: sh}}

	cl := newFakeClient()
	rst := newRelay(cl, p, 1, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Parse{Name: "stmt1", Query: "SELECT 1"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Bind{PreparedStatement: "stmt1"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Execute{}))
	assert.Empty(cl.out, "extended replies wait for Sync")

	assert.NoError(rst.ProcessMessage(&pgproto3.Sync{}))

	var kinds []string
	for _, msg := range cl.out {
		switch msg.(type) {
		case *pgproto3.ParseComplete:
			kinds = append(kinds, "parse")
		case *pgproto3.BindComplete:
			kinds = append(kinds, "bind")
		case *pgproto3.DataRow:
			kinds = append(kinds, "row")
		case *pgproto3.CommandComplete:
			kinds = append(kinds, "cc")
		case *pgproto3.ReadyForQuery:
			kinds = append(kinds, "rfq")
		}
	}
	assert.Equal([]string{"parse", "bind", "row", "cc", "rfq"}, kinds)

	/* the statement was deployed under its query-hash name */
	deployed, ok := sh.sent[0].(*pgproto3.Parse)
	if assert.True(ok) {
		assert.Equal(prepstatement.ServerName(prepstatement.Hash("SELECT 1")), deployed.Name)
		assert.Equal("SELECT 1", deployed.Query)
	}
}

func TestBindUnknownStatement(t *testing.T) {
	assert := assert.New(t)

	cl := newFakeClient()
	rst := newRelay(cl, &fakePool{shards: map[int]*mockShard{}}, 1, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Bind{PreparedStatement: "nope"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Sync{}))

	er, ok := cl.out[0].(*pgproto3.ErrorResponse)
	if assert.True(ok) {
		assert.Contains(er.Message, "nope")
	}
	_, ok = cl.out[1].(*pgproto3.ReadyForQuery)
	assert.True(ok)
}

func TestScatteredCopySplitsRows(t *testing.T) {
	assert := assert.New(t)

	mk := func(id uint, num int) *mockShard {
		return newMockShard(id, num,
			&pgproto3.CopyInResponse{},
			&pgproto3.CommandComplete{CommandTag: []byte("COPY 1")},
			&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
		)
	}
	sh0 := mk(1, 0)
	sh1 := mk(2, 1)
	p := &fakePool{shards: map[int]*mockShard{0: sh0, 1: sh1}}

	tables := []config.ShardedTable{
		{Database: "db", Name: "users", Column: "id", DataType: config.DataTypeBigint},
	}

	cl := newFakeClient()
	cl.in = []pgproto3.FrontendMessage{
		&pgproto3.CopyData{Data: []byte("1\talice\n2\tbob\n3\tcarol\n")},
		&pgproto3.CopyDone{},
	}
	rst := newRelay(cl, p, 2, tables)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "COPY users (id, name) FROM STDIN"}))

	copied := 0
	for _, sh := range []*mockShard{sh0, sh1} {
		for _, msg := range sh.sent {
			if cd, ok := msg.(*pgproto3.CopyData); ok {
				for _, b := range cd.Data {
					if b == '\n' {
						copied++
					}
				}
			}
		}
	}
	assert.Equal(3, copied, "every row lands on some shard")

	/* client saw the copy-in prompt and a command tag */
	var sawCopyIn, sawCC bool
	for _, msg := range cl.out {
		switch msg.(type) {
		case *pgproto3.CopyInResponse:
			sawCopyIn = true
		case *pgproto3.CommandComplete:
			sawCC = true
		}
	}
	assert.True(sawCopyIn)
	assert.True(sawCC)
}

func TestSessionModeKeepsAttachment(t *testing.T) {
	assert := assert.New(t)

	sh := newMockShard(1, 0,
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	)
	p := &fakePool{shards: map[int]*mockShard{0: sh}}

	cl := newFakeClient()
	qr := qrouter.New("db", 1, nil, nil)
	rst := NewRelayState(qr, parser.NewSharedParser(), cl, p, config.PoolerModeSession)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SELECT 1"}))

	assert.Empty(p.put)
	assert.NotNil(cl.Server())
}

func TestRelayedSetMarksServerDirty(t *testing.T) {
	assert := assert.New(t)

	sh := newMockShard(1, 0,
		/* BEGIN replay on attach */
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXACT)},
		/* SELECT */
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXACT)},
		/* SET */
		&pgproto3.CommandComplete{CommandTag: []byte("SET")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXACT)},
		/* COMMIT */
		&pgproto3.CommandComplete{CommandTag: []byte("COMMIT")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	)
	p := &fakePool{shards: map[int]*mockShard{0: sh}}

	cl := newFakeClient()
	rst := newRelay(cl, p, 1, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "BEGIN"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SELECT 1"}))
	assert.False(sh.IsDirty())

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SET statement_timeout TO '5s'"}))
	assert.True(sh.IsDirty())

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "COMMIT"}))

	/* a connection that ran SET goes back dirty, the pool scrubs it */
	if assert.Len(p.put, 1) {
		assert.True(p.put[0].IsDirty())
	}
}

func TestRelayedResetMarksServerDirty(t *testing.T) {
	assert := assert.New(t)

	sh := newMockShard(1, 0,
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXACT)},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXACT)},
		&pgproto3.CommandComplete{CommandTag: []byte("RESET")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXACT)},
	)
	p := &fakePool{shards: map[int]*mockShard{0: sh}}

	cl := newFakeClient()
	rst := newRelay(cl, p, 1, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "BEGIN"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SELECT 1"}))
	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "RESET search_path"}))
	assert.True(sh.IsDirty())
}

func TestListenPinsAttachment(t *testing.T) {
	assert := assert.New(t)

	sh := newMockShard(1, 0,
		/* LISTEN */
		&pgproto3.CommandComplete{CommandTag: []byte("LISTEN")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
		/* SELECT rides the same connection */
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: byte(txstatus.TXIDLE)},
	)
	p := &fakePool{shards: map[int]*mockShard{0: sh}}

	cl := newFakeClient()
	rst := newRelay(cl, p, 1, nil)

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "LISTEN events"}))

	/* notifications arrive on this connection, transaction pooling
	 * must not give it away */
	assert.Empty(p.put)
	assert.NotNil(cl.Server())
	assert.True(sh.IsDirty())

	assert.NoError(rst.ProcessMessage(&pgproto3.Query{String: "SELECT 1"}))
	assert.Empty(p.put)
	assert.NotNil(cl.Server())
}

package relay

import (
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/stats"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
	"github.com/pgdog-io/pgdog/router/parser"
	"github.com/pgdog-io/pgdog/router/qrouter"
)

// ProcessMessage dispatches one frontend message. Extended protocol
// messages are buffered until Sync, the way the backend itself
// processes them.
func (rst *RelayState) ProcessMessage(msg pgproto3.FrontendMessage) error {
	switch q := msg.(type) {
	case *pgproto3.Query:
		stats.IncTotalQueries()
		stats.RecordStartTime(stats.Router, time.Now(), rst.cl.ID())
		return rst.ProcessSimpleQuery(q)

	case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe,
		*pgproto3.Execute, *pgproto3.Close, *pgproto3.FunctionCall:
		rst.xBuf = append(rst.xBuf, copyFrontendMessage(msg))
		return nil

	case *pgproto3.Sync:
		stats.IncTotalQueries()
		stats.RecordStartTime(stats.Router, time.Now(), rst.cl.ID())
		return rst.ProcessExtendedBuffer()

	case *pgproto3.Flush:
		/* replies are written eagerly, nothing is held back */
		return nil

	case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
		/* copy messages outside a COPY are dropped by the backend too */
		return nil

	default:
		return rst.cl.ReplyErrMsg("unexpected message type", pgerr.ProtocolViolation, rst.status)
	}
}

// ProcessSimpleQuery routes one simple-protocol query. Statements
// that concern only pooler state never reach a backend.
func (rst *RelayState) ProcessSimpleQuery(q *pgproto3.Query) error {
	meta, err := rst.sp.Parse(q.String)
	if err != nil {
		return rst.replyQueryError(err)
	}

	switch meta.Kind {
	case parser.StmtEmpty:
		if err := rst.cl.Send(&pgproto3.EmptyQueryResponse{}); err != nil {
			return err
		}
		return rst.cl.ReplyRFQ(rst.status)
	case parser.StmtTXBegin:
		return rst.procBegin(q)
	case parser.StmtTXCommit:
		return rst.procTxEnd(q, false)
	case parser.StmtTXRollback:
		return rst.procTxEnd(q, true)
	case parser.StmtSet, parser.StmtSetLocal:
		return rst.procSet(q, meta)
	case parser.StmtReset:
		return rst.procReset(q, meta)
	case parser.StmtShow:
		return rst.procShow(q, meta)
	case parser.StmtDiscard:
		return rst.procDiscard(q)
	case parser.StmtDeallocate:
		return rst.procDeallocate(q)
	case parser.StmtListen:
		return rst.procListen(q, meta)
	}

	return rst.forwardQuery(q.String, meta)
}

// procBegin opens a virtual transaction. Nothing reaches a backend
// until the first routable statement decides where the transaction
// lives.
func (rst *RelayState) procBegin(q *pgproto3.Query) error {
	if rst.status != txstatus.TXIDLE {
		if err := rst.cl.ReplyNotice("there is already a transaction in progress"); err != nil {
			return err
		}
		if err := rst.cl.ReplyCommandComplete("BEGIN"); err != nil {
			return err
		}
		return rst.cl.ReplyRFQ(rst.status)
	}

	rst.status = txstatus.TXACT
	rst.cl.StartTx()
	rst.hints.InTx = true
	rst.savedBegin = &pgproto3.Query{String: q.String}

	if rst.connectionActive() {
		if err := rst.deployBegin(rst.cl.Server()); err != nil {
			return rst.replyQueryError(err)
		}
	}

	if err := rst.cl.ReplyCommandComplete("BEGIN"); err != nil {
		return err
	}
	return rst.cl.ReplyRFQ(rst.status)
}

// procTxEnd closes the transaction. An aborted transaction always
// rolls back, whatever the client asked for.
func (rst *RelayState) procTxEnd(q *pgproto3.Query, rollback bool) error {
	tag := "COMMIT"
	if rollback {
		tag = "ROLLBACK"
	}

	if rst.status == txstatus.TXIDLE {
		if err := rst.cl.ReplyNotice("there is no transaction in progress"); err != nil {
			return err
		}
		if err := rst.cl.ReplyCommandComplete(tag); err != nil {
			return err
		}
		return rst.cl.ReplyRFQ(txstatus.TXIDLE)
	}

	aborted := rst.status == txstatus.TXERR

	if rst.connectionActive() && rst.savedBegin == nil {
		query := q.String
		if aborted && !rollback {
			query = "ROLLBACK"
		}
		if err := rst.relayAttachedQuery(query); err != nil {
			return err
		}
	} else {
		/* virtual transaction, no statement ever reached a server */
		rst.savedBegin = nil
		rst.SetTxStatus(txstatus.TXIDLE)
		if aborted && !rollback {
			tag = "ROLLBACK"
		}
		if err := rst.cl.ReplyCommandComplete(tag); err != nil {
			return err
		}
		if err := rst.cl.ReplyRFQ(txstatus.TXIDLE); err != nil {
			return err
		}
	}

	if rollback || aborted {
		rst.cl.Rollback()
	} else {
		rst.cl.CommitActiveSet()
	}

	return rst.CompleteRelay()
}

func (rst *RelayState) procSet(q *pgproto3.Query, meta *parser.QueryMeta) error {
	name := meta.SetName
	if name == "" {
		/* a SET the tokenizer could not make sense of goes to a server as is */
		return rst.forwardQuery(q.String, meta)
	}

	if strings.HasPrefix(name, "pgdog.") {
		return rst.procSetVirtual(name, meta.SetValue)
	}

	if meta.SetLocal {
		if rst.status == txstatus.TXIDLE {
			if err := rst.cl.ReplyNotice("SET LOCAL can only be used in transaction blocks"); err != nil {
				return err
			}
		}
		rst.cl.SetLocalParam(name, meta.SetValue)
	} else {
		rst.cl.SetParam(name, meta.SetValue)
	}

	if rst.connectionActive() {
		return rst.relaySessionQuery(q.String)
	}

	if err := rst.cl.ReplyCommandComplete("SET"); err != nil {
		return err
	}
	return rst.cl.ReplyRFQ(rst.status)
}

// procSetVirtual handles the pooler's own session parameters. They
// steer routing and never reach a backend.
func (rst *RelayState) procSetVirtual(name, value string) error {
	switch name {
	case qrouter.ParamShard:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n >= rst.qr.ShardCount() {
			return rst.cl.ReplyErrMsg(
				"invalid value for parameter \""+qrouter.ParamShard+"\": \""+value+"\"",
				pgerr.RoutingError, rst.status)
		}
		rst.hints.SessionShard = n
	case qrouter.ParamShardingKey:
		rst.hints.SessionKey = value
	case qrouter.ParamShards:
		return rst.cl.ReplyErrMsg(
			"parameter \""+qrouter.ParamShards+"\" cannot be changed",
			"55P02", rst.status)
	default:
		return rst.cl.ReplyErrMsg(
			"unrecognized configuration parameter \""+name+"\"",
			"42704", rst.status)
	}

	if err := rst.cl.ReplyCommandComplete("SET"); err != nil {
		return err
	}
	return rst.cl.ReplyRFQ(rst.status)
}

func (rst *RelayState) procReset(q *pgproto3.Query, meta *parser.QueryMeta) error {
	switch {
	case meta.ResetAllParams:
		rst.cl.ResetAll()
		rst.hints.SessionShard = qrouter.NoShard
		rst.hints.SessionKey = ""
	case meta.ResetName == qrouter.ParamShard:
		rst.hints.SessionShard = qrouter.NoShard
	case meta.ResetName == qrouter.ParamShardingKey:
		rst.hints.SessionKey = ""
	case meta.ResetName != "":
		rst.cl.ResetParam(meta.ResetName)
	}

	if rst.connectionActive() && !strings.HasPrefix(meta.ResetName, "pgdog.") {
		return rst.relaySessionQuery(q.String)
	}

	if err := rst.cl.ReplyCommandComplete("RESET"); err != nil {
		return err
	}
	return rst.cl.ReplyRFQ(rst.status)
}

func (rst *RelayState) procShow(q *pgproto3.Query, meta *parser.QueryMeta) error {
	name := meta.ShowName

	switch name {
	case qrouter.ParamShards:
		return rst.replyShow(name, strconv.Itoa(rst.qr.ShardCount()))
	case qrouter.ParamShard:
		value := ""
		if rst.hints.SessionShard != qrouter.NoShard {
			value = strconv.Itoa(rst.hints.SessionShard)
		}
		return rst.replyShow(name, value)
	case qrouter.ParamShardingKey:
		return rst.replyShow(name, rst.hints.SessionKey)
	}

	if value, ok := rst.cl.Params()[name]; ok {
		return rst.replyShow(name, value)
	}

	/* server-owned parameters like server_version live on a backend */
	return rst.forwardQuery(q.String, meta)
}

// replyShow answers SHOW with a single text column, like the backend
// does.
func (rst *RelayState) replyShow(name, value string) error {
	for _, msg := range []pgproto3.BackendMessage{
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{
				Name:         []byte(name),
				DataTypeOID:  25,
				DataTypeSize: -1,
				TypeModifier: -1,
			},
		}},
		&pgproto3.DataRow{Values: [][]byte{[]byte(value)}},
		&pgproto3.CommandComplete{CommandTag: []byte("SHOW")},
	} {
		if err := rst.cl.Send(msg); err != nil {
			return err
		}
	}
	return rst.cl.ReplyRFQ(rst.status)
}

// procListen forwards LISTEN and UNLISTEN with the attachment
// pinned: the subscription lives on the backend session, so the
// connection stays with this client even in transaction pooling.
func (rst *RelayState) procListen(q *pgproto3.Query, meta *parser.QueryMeta) error {
	rst.pinned = true

	if rst.connectionActive() {
		return rst.relaySessionQuery(q.String)
	}
	if err := rst.forwardQuery(q.String, meta); err != nil {
		return err
	}
	if srv := rst.cl.Server(); srv != nil {
		srv.MarkDirty()
	}
	return nil
}

func (rst *RelayState) procDiscard(q *pgproto3.Query) error {
	if rst.connectionActive() {
		return rst.relaySessionQuery(q.String)
	}

	rst.cl.ResetAll()

	tag := "DISCARD ALL"
	if _, toks := parser.Classify(q.String); len(toks) > 1 {
		tag = "DISCARD " + toks[1]
	}
	if err := rst.cl.ReplyCommandComplete(tag); err != nil {
		return err
	}
	return rst.cl.ReplyRFQ(rst.status)
}

func (rst *RelayState) procDeallocate(q *pgproto3.Query) error {
	if rst.connectionActive() {
		return rst.relaySessionQuery(q.String)
	}

	_, toks := parser.Classify(q.String)
	if len(toks) > 1 {
		name := toks[1]
		if name == "PREPARE" && len(toks) > 2 {
			name = toks[2]
		}
		if name == "ALL" {
			rst.cl.DropAllPreparedStatements()
		} else if strings.HasPrefix(name, "\"") {
			rst.cl.DropPreparedStatement(strings.Trim(name, "\""))
		} else {
			rst.cl.DropPreparedStatement(strings.ToLower(name))
		}
	}

	/* server-side statements are shared by hash, they stay */
	if err := rst.cl.ReplyCommandComplete("DEALLOCATE"); err != nil {
		return err
	}
	return rst.cl.ReplyRFQ(rst.status)
}

// replyQueryError reports an error the pooler produced itself. An
// open transaction moves to the aborted state, the same as if the
// backend had rejected the statement.
func (rst *RelayState) replyQueryError(err error) error {
	if rst.status == txstatus.TXACT {
		rst.status = txstatus.TXERR
	}
	return rst.cl.ReplyErrWithTxStatus(err, rst.status)
}

// copyFrontendMessage detaches a message from the decode buffers the
// protocol reader reuses between Receive calls.
func copyFrontendMessage(msg pgproto3.FrontendMessage) pgproto3.FrontendMessage {
	switch v := msg.(type) {
	case *pgproto3.Parse:
		cp := &pgproto3.Parse{
			Name:  v.Name,
			Query: v.Query,
		}
		cp.ParameterOIDs = append(cp.ParameterOIDs, v.ParameterOIDs...)
		return cp
	case *pgproto3.Bind:
		cp := &pgproto3.Bind{
			DestinationPortal: v.DestinationPortal,
			PreparedStatement: v.PreparedStatement,
		}
		cp.ParameterFormatCodes = append(cp.ParameterFormatCodes, v.ParameterFormatCodes...)
		for _, p := range v.Parameters {
			if p == nil {
				cp.Parameters = append(cp.Parameters, nil)
				continue
			}
			cp.Parameters = append(cp.Parameters, append([]byte(nil), p...))
		}
		cp.ResultFormatCodes = append(cp.ResultFormatCodes, v.ResultFormatCodes...)
		return cp
	case *pgproto3.Describe:
		cp := *v
		return &cp
	case *pgproto3.Execute:
		cp := *v
		return &cp
	case *pgproto3.Close:
		cp := *v
		return &cp
	case *pgproto3.FunctionCall:
		cp := &pgproto3.FunctionCall{
			Function:         v.Function,
			ResultFormatCode: v.ResultFormatCode,
		}
		cp.ArgFormatCodes = append(cp.ArgFormatCodes, v.ArgFormatCodes...)
		for _, a := range v.Arguments {
			if a == nil {
				cp.Arguments = append(cp.Arguments, nil)
				continue
			}
			cp.Arguments = append(cp.Arguments, append([]byte(nil), a...))
		}
		return cp
	}
	return msg
}

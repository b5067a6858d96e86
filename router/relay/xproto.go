package relay

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/prepstatement"
	"github.com/pgdog-io/pgdog/pkg/shard"
	"github.com/pgdog-io/pgdog/pkg/stats"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
	"github.com/pgdog-io/pgdog/router/route"
	"github.com/pgdog-io/pgdog/router/server"
)

// ProcessExtendedBuffer replays the messages buffered since the last
// Sync. Parse and Bind are acknowledged by the pooler itself, the
// statement is deployed on server connections under a name derived
// from the query hash so every client shares one server-side
// statement.
func (rst *RelayState) ProcessExtendedBuffer() error {
	defer func() {
		rst.xBuf = nil
	}()

	for _, msg := range rst.xBuf {
		var err error

		switch q := msg.(type) {
		case *pgproto3.Parse:
			err = rst.xprotoParse(q)
		case *pgproto3.Bind:
			err = rst.xprotoBind(q)
		case *pgproto3.Describe:
			err = rst.xprotoDescribe(q)
		case *pgproto3.Execute:
			err = rst.xprotoExecute(q)
		case *pgproto3.Close:
			err = rst.xprotoClose(q)
		case *pgproto3.FunctionCall:
			err = pgerr.New("0A000", "fastpath function calls are not supported")
		}

		if err != nil {
			return rst.xprotoError(err)
		}
	}

	if err := rst.cl.ReplyRFQ(rst.status); err != nil {
		return err
	}
	return rst.CompleteRelay()
}

// xprotoError discards the rest of the buffer, the way the backend
// skips to Sync after an error.
func (rst *RelayState) xprotoError(err error) error {
	rst.pendingBind = nil
	rst.pendingIntercept = nil
	if rst.status == txstatus.TXACT {
		rst.status = txstatus.TXERR
	}
	if serr := rst.cl.ReplyErrWithTxStatus(err, rst.status); serr != nil {
		return serr
	}
	return rst.CompleteRelay()
}

func (rst *RelayState) xprotoParse(q *pgproto3.Parse) error {
	def := &prepstatement.PreparedStatementDefinition{
		Name:          q.Name,
		Query:         q.Query,
		ParameterOIDs: q.ParameterOIDs,
	}
	rst.cl.StorePreparedStatement(def)

	/* nothing reaches a server yet, deployment happens lazily on
	 * Bind or Describe when the destination is known */
	return rst.cl.ReplyParseComplete()
}

func (rst *RelayState) xprotoBind(q *pgproto3.Bind) error {
	if rst.status == txstatus.TXERR && !rst.connectionActive() {
		return pgerr.New("25P02",
			"current transaction is aborted, commands ignored until end of transaction block")
	}

	def := rst.cl.PreparedStatementDefinitionByName(q.PreparedStatement)
	if def == nil {
		return pgerr.Newf("26000", "prepared statement %q does not exist", q.PreparedStatement)
	}

	meta, err := rst.sp.Parse(def.Query)
	if err != nil {
		return err
	}

	res, err := rst.qr.Route(def.Query, meta, rst.hints, q.Parameters, q.ParameterFormatCodes)
	if err != nil {
		return err
	}

	if res.Intercept != nil {
		rst.pendingIntercept = res.Intercept
		rst.pendingBind = nil
		rst.lastBindName = q.PreparedStatement
		return rst.cl.ReplyBindComplete()
	}
	rst.pendingIntercept = nil

	if err := rst.Attach(res.Route); err != nil {
		return err
	}

	hash := rst.cl.PreparedStatementQueryHashByName(q.PreparedStatement)
	for _, sh := range rst.cl.Server().Datashards() {
		if _, err := rst.ensureDeployed(sh, def, hash); err != nil {
			return err
		}
	}

	rst.lastBindName = q.PreparedStatement
	rst.pendingBind = &pgproto3.Bind{
		DestinationPortal:    q.DestinationPortal,
		PreparedStatement:    prepstatement.ServerName(hash),
		ParameterFormatCodes: q.ParameterFormatCodes,
		Parameters:           q.Parameters,
		ResultFormatCodes:    q.ResultFormatCodes,
	}

	return rst.cl.ReplyBindComplete()
}

func (rst *RelayState) xprotoDescribe(q *pgproto3.Describe) error {
	name := q.Name
	if q.ObjectType == 'P' {
		if rst.pendingIntercept != nil {
			d := rst.pendingIntercept
			if d.RowDesc != nil {
				return rst.cl.Send(d.RowDesc)
			}
			return rst.cl.Send(&pgproto3.NoData{})
		}
		name = rst.lastBindName
		if rst.pendingBind == nil {
			return pgerr.Newf("34000", "portal %q does not exist", q.Name)
		}
	}

	desc, err := rst.statementDesc(name)
	if err != nil {
		return err
	}

	if q.ObjectType == 'S' {
		pd := desc.paramDesc
		if pd == nil {
			pd = &pgproto3.ParameterDescription{}
		}
		if err := rst.cl.Send(pd); err != nil {
			return err
		}
	}

	if desc.nodata || desc.rd == nil {
		return rst.cl.Send(&pgproto3.NoData{})
	}
	return rst.cl.Send(desc.rd)
}

// statementDesc resolves the row and parameter shape of a prepared
// statement, deploying it on a server connection on first use.
func (rst *RelayState) statementDesc(name string) (*PortalDesc, error) {
	def := rst.cl.PreparedStatementDefinitionByName(name)
	if def == nil {
		return nil, pgerr.Newf("26000", "prepared statement %q does not exist", name)
	}

	if cached, ok := rst.savedPortalDesc[def.Query]; ok {
		return cached, nil
	}

	if !rst.connectionActive() {
		meta, err := rst.sp.Parse(def.Query)
		if err != nil {
			return nil, err
		}
		res, err := rst.qr.Route(def.Query, meta, rst.hints, nil, nil)
		if err != nil {
			return nil, err
		}
		rt := res.Route
		if rt == nil {
			rt = &route.Route{Role: config.RoleReplica, Selector: route.Any()}
		}
		if err := rst.Attach(rt); err != nil {
			return nil, err
		}
	}

	hash := rst.cl.PreparedStatementQueryHashByName(name)
	rd, err := rst.ensureDeployed(rst.cl.Server().Datashards()[0], def, hash)
	if err != nil {
		return nil, err
	}

	desc := &PortalDesc{
		paramDesc: rd.ParamDesc,
		rd:        rd.RowDesc,
		nodata:    rd.NoData,
	}
	rst.savedPortalDesc[def.Query] = desc
	return desc, nil
}

func (rst *RelayState) xprotoExecute(q *pgproto3.Execute) error {
	if rst.pendingIntercept != nil {
		d := rst.pendingIntercept
		for _, row := range d.Rows {
			if err := rst.cl.Send(row); err != nil {
				return err
			}
		}
		tag := d.CommandTag
		if tag == "" {
			tag = "SELECT " + strconv.Itoa(len(d.Rows))
		}
		return rst.cl.ReplyCommandComplete(tag)
	}

	if rst.pendingBind == nil {
		return pgerr.Newf("34000", "portal %q does not exist", q.Portal)
	}

	srv := rst.cl.Server()
	_, multi := srv.(*server.MultiShardServer)

	if err := srv.Send(rst.pendingBind); err != nil {
		return err
	}
	if multi {
		/* the gather layer needs the row shape before data rows */
		if err := srv.Send(&pgproto3.Describe{ObjectType: 'P', Name: q.Portal}); err != nil {
			return err
		}
	}
	if err := srv.Send(&pgproto3.Execute{Portal: q.Portal, MaxRows: q.MaxRows}); err != nil {
		return err
	}
	if err := srv.Send(&pgproto3.Sync{}); err != nil {
		return err
	}
	if err := srv.Flush(); err != nil {
		return err
	}

	stats.RecordStartTime(stats.Shard, time.Now(), rst.cl.ID())

	return rst.relayExecute(multi)
}

// relayExecute forwards the response stream of one Execute. The
// acknowledgements the pooler already produced and the row shape it
// requested for the gather are swallowed.
func (rst *RelayState) relayExecute(swallowRowDesc bool) error {
	srv := rst.cl.Server()

	for {
		msg, err := srv.Receive()
		if err != nil {
			srv.MarkDirty()
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			rst.SetTxStatus(txstatus.TXStatus(v.TxStatus))
			return nil
		case *pgproto3.BindComplete, *pgproto3.ParseComplete:
			continue
		case *pgproto3.RowDescription, *pgproto3.NoData:
			if swallowRowDesc {
				continue
			}
			if err := rst.cl.Send(msg); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			if rst.status == txstatus.TXACT {
				rst.status = txstatus.TXERR
			}
			if err := rst.cl.Send(msg); err != nil {
				return err
			}
		default:
			if err := rst.cl.Send(msg); err != nil {
				return err
			}
		}
	}
}

func (rst *RelayState) xprotoClose(q *pgproto3.Close) error {
	if q.ObjectType == 'S' && q.Name != "" {
		rst.cl.DropPreparedStatement(q.Name)
	}
	if q.ObjectType == 'P' {
		rst.pendingBind = nil
		rst.pendingIntercept = nil
	}
	/* server-side statements are shared by hash and stay deployed */
	return rst.cl.Send(&pgproto3.CloseComplete{})
}

// ensureDeployed prepares the statement on one shard connection if
// it is not there yet, caching the describe reply alongside.
func (rst *RelayState) ensureDeployed(sh shard.Shard, def *prepstatement.PreparedStatementDefinition, hash uint64) (*prepstatement.PreparedStatementDescriptor, error) {
	if ok, rd := sh.HasPrepareStatement(hash); ok {
		return rd, nil
	}

	name := prepstatement.ServerName(hash)

	if err := sh.Send(&pgproto3.Parse{
		Name:          name,
		Query:         def.Query,
		ParameterOIDs: def.ParameterOIDs,
	}); err != nil {
		return nil, err
	}
	if err := sh.Send(&pgproto3.Describe{ObjectType: 'S', Name: name}); err != nil {
		return nil, err
	}
	if err := sh.Send(&pgproto3.Sync{}); err != nil {
		return nil, err
	}
	if err := sh.Flush(); err != nil {
		return nil, err
	}

	rd := &prepstatement.PreparedStatementDescriptor{}
	var deployErr error

	for {
		msg, err := sh.Receive()
		if err != nil {
			return nil, err
		}

		switch v := msg.(type) {
		case *pgproto3.ParseComplete:
		case *pgproto3.ParameterDescription:
			pd := &pgproto3.ParameterDescription{}
			pd.ParameterOIDs = append(pd.ParameterOIDs, v.ParameterOIDs...)
			rd.ParamDesc = pd
		case *pgproto3.RowDescription:
			rd.RowDesc = copyRowDescription(v)
		case *pgproto3.NoData:
			rd.NoData = true
		case *pgproto3.ErrorResponse:
			deployErr = pgerr.New(v.Code, v.Message)
		case *pgproto3.ReadyForQuery:
			if deployErr != nil {
				return nil, deployErr
			}
			sh.StorePrepareStatement(hash, def, rd)
			return rd, nil
		}
	}
}

// copyRowDescription detaches a RowDescription from the reused
// decode buffer.
func copyRowDescription(rd *pgproto3.RowDescription) *pgproto3.RowDescription {
	cp := &pgproto3.RowDescription{
		Fields: make([]pgproto3.FieldDescription, len(rd.Fields)),
	}
	for i, f := range rd.Fields {
		cp.Fields[i] = f
		cp.Fields[i].Name = append([]byte(nil), f.Name...)
	}
	return cp
}

package relay

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/plugin"
	"github.com/pgdog-io/pgdog/pkg/stats"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
	"github.com/pgdog-io/pgdog/router/parser"
	"github.com/pgdog-io/pgdog/router/qrouter"
	"github.com/pgdog-io/pgdog/router/server"
)

// forwardQuery routes a simple-protocol query, attaches the server
// connections it needs and relays the response stream back to the
// client.
func (rst *RelayState) forwardQuery(query string, meta *parser.QueryMeta) error {
	/* an aborted virtual transaction never opened on a server, the
	 * pooler rejects statements the way the backend would */
	if rst.status == txstatus.TXERR && !rst.connectionActive() {
		return rst.cl.ReplyErrMsg(
			"current transaction is aborted, commands ignored until end of transaction block",
			"25P02", rst.status)
	}

	res, err := rst.qr.Route(query, meta, rst.hints, nil, nil)
	if err != nil {
		return rst.replyQueryError(err)
	}

	if res.Intercept != nil {
		return rst.serveIntercept(res.Intercept)
	}

	if err := rst.Attach(res.Route); err != nil {
		return rst.replyQueryError(err)
	}

	/* a scattered COPY FROM STDIN is split row by row, everything
	 * else streams through */
	var cps *qrouter.CopyState
	if meta.Kind == parser.StmtCopy && meta.CopyIsFrom {
		passthrough := len(rst.cl.Server().Datashards()) <= 1
		cps, err = rst.qr.PlanCopy(meta, passthrough)
		if err != nil {
			return rst.replyQueryError(err)
		}
	}

	srv := rst.cl.Server()
	if meta.Kind == parser.StmtSet {
		/* a SET the tokenizer could not decompose still changes
		 * backend state once it runs */
		srv.MarkDirty()
	}
	if err := srv.Send(&pgproto3.Query{String: res.Query}); err != nil {
		return err
	}
	if err := srv.Flush(); err != nil {
		return err
	}

	stats.RecordStartTime(stats.Shard, time.Now(), rst.cl.ID())

	if err := rst.relayToRFQ(cps, true); err != nil {
		return err
	}
	return rst.CompleteRelay()
}

// relayAttachedQuery runs a query on the already attached server
// without routing it.
func (rst *RelayState) relayAttachedQuery(query string) error {
	srv := rst.cl.Server()
	if err := srv.Send(&pgproto3.Query{String: query}); err != nil {
		return err
	}
	if err := srv.Flush(); err != nil {
		return err
	}
	return rst.relayToRFQ(nil, true)
}

// relaySessionQuery relays a statement that mutates backend session
// state (SET, RESET, DISCARD, DEALLOCATE). The server is marked
// dirty first so the pool scrubs it before handing it to another
// client.
func (rst *RelayState) relaySessionQuery(query string) error {
	srv := rst.cl.Server()
	srv.MarkDirty()
	if err := srv.Send(&pgproto3.Query{String: query}); err != nil {
		return err
	}
	if err := srv.Flush(); err != nil {
		return err
	}
	return rst.relayToRFQ(nil, true)
}

// relayToRFQ forwards backend messages to the client until the
// server reaches ReadyForQuery. forwardRFQ controls whether the
// final ReadyForQuery itself is passed on, the extended protocol
// replies it at the Sync boundary instead.
func (rst *RelayState) relayToRFQ(cps *qrouter.CopyState, forwardRFQ bool) error {
	srv := rst.cl.Server()

	for {
		msg, err := srv.Receive()
		if err != nil {
			doglog.Zero.Error().
				Uint("client", rst.cl.ID()).
				Err(err).
				Msg("relay: server stream broken")
			srv.MarkDirty()
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			rst.SetTxStatus(txstatus.TXStatus(v.TxStatus))
			if !forwardRFQ {
				return nil
			}
			return rst.cl.Send(msg)

		case *pgproto3.CopyInResponse:
			if err := rst.cl.Send(msg); err != nil {
				return err
			}
			if err := rst.relayCopyIn(cps); err != nil {
				return err
			}

		case *pgproto3.CopyOutResponse, *pgproto3.CopyData, *pgproto3.CopyDone:
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

// relayCopyIn shuttles the COPY FROM STDIN data stream. With a copy
// split plan every complete row goes to the shard its key hashes to,
// a trailing partial row is carried over to the next chunk.
func (rst *RelayState) relayCopyIn(cps *qrouter.CopyState) error {
	srv := rst.cl.Server()
	ms, _ := srv.(*server.MultiShardServer)

	var leftover []byte

	for {
		msg, err := rst.cl.Receive()
		if err != nil {
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.CopyData:
			if cps == nil || cps.Attached || ms == nil {
				if err := srv.Send(&pgproto3.CopyData{Data: v.Data}); err != nil {
					return err
				}
				continue
			}

			data := v.Data
			if len(leftover) > 0 {
				data = append(leftover, data...)
				leftover = nil
			}

			rows, rest, err := cps.Split(data)
			if err != nil {
				if serr := rst.abortCopy(err); serr != nil {
					return serr
				}
				return nil
			}
			leftover = append([]byte(nil), rest...)

			for shardNumber, chunk := range rows {
				if err := ms.SendShard(&pgproto3.CopyData{Data: chunk}, shardNumber); err != nil {
					return err
				}
			}

		case *pgproto3.CopyDone:
			if err := srv.Send(&pgproto3.CopyDone{}); err != nil {
				return err
			}
			return srv.Flush()

		case *pgproto3.CopyFail:
			if err := srv.Send(&pgproto3.CopyFail{Message: v.Message}); err != nil {
				return err
			}
			return srv.Flush()

		default:
			return pgerr.New(pgerr.ProtocolViolation, "unexpected message during COPY")
		}
	}
}

// abortCopy fails the copy on every shard and drains the rest of the
// client's data stream. The backend error response follows through
// the normal relay path.
func (rst *RelayState) abortCopy(cause error) error {
	srv := rst.cl.Server()

	if err := srv.Send(&pgproto3.CopyFail{Message: cause.Error()}); err != nil {
		return err
	}
	if err := srv.Flush(); err != nil {
		return err
	}

	for {
		msg, err := rst.cl.Receive()
		if err != nil {
			return err
		}
		switch msg.(type) {
		case *pgproto3.CopyDone, *pgproto3.CopyFail:
			return nil
		case *pgproto3.CopyData:
			continue
		default:
			return pgerr.New(pgerr.ProtocolViolation, "unexpected message during COPY")
		}
	}
}

// serveIntercept answers a query a plugin decided to handle inside
// the pooler.
func (rst *RelayState) serveIntercept(d *plugin.Decision) error {
	if d.RowDesc != nil {
		if err := rst.cl.Send(d.RowDesc); err != nil {
			return err
		}
		for _, row := range d.Rows {
			if err := rst.cl.Send(row); err != nil {
				return err
			}
		}
	}

	tag := d.CommandTag
	if tag == "" {
		tag = "SELECT " + strconv.Itoa(len(d.Rows))
	}
	if err := rst.cl.ReplyCommandComplete(tag); err != nil {
		return err
	}
	return rst.cl.ReplyRFQ(rst.status)
}

package frontend

import (
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/pool"
	"github.com/pgdog-io/pgdog/router/client"
	"github.com/pgdog-io/pgdog/router/parser"
	"github.com/pgdog-io/pgdog/router/qrouter"
	"github.com/pgdog-io/pgdog/router/relay"
)

// Frontend drives one authenticated client session until the client
// disconnects or the relay loses protocol sync.
func Frontend(qr *qrouter.Router, sp *parser.SharedParser, cl client.RouterClient, p pool.DBPool, mode config.PoolerMode) error {
	doglog.Zero.Info().
		Str("user", cl.Usr()).
		Str("db", cl.DB()).
		Uint("client", doglog.GetPointer(cl)).
		Msg("process frontend for client")

	rst := relay.NewRelayState(qr, sp, cl, p, mode)
	defer func() {
		_ = rst.Close()
	}()

	for {
		msg, err := cl.Receive()
		if err != nil {
			if clientGone(err) {
				return nil
			}
			return err
		}

		if _, ok := msg.(*pgproto3.Terminate); ok {
			return nil
		}

		if err := rst.ProcessMessage(msg); err != nil {
			if clientGone(err) {
				return nil
			}
			/* the stream to the client is past repair, a RFQ cannot
			 * be synthesized mid-response */
			doglog.Zero.Error().
				Uint("client", cl.ID()).
				Err(err).
				Msg("client iteration done with error")
			return err
		}
	}
}

func clientGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

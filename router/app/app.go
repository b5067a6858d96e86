package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	reuse "github.com/libp2p/go-reuseport"

	"github.com/pgdog-io/pgdog/pkg/cancel"
	"github.com/pgdog-io/pgdog/pkg/client"
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
	"github.com/pgdog-io/pgdog/pkg/plugin"
	"github.com/pgdog-io/pgdog/pkg/pool"
	rclient "github.com/pgdog-io/pgdog/router/client"
	"github.com/pgdog-io/pgdog/router/frontend"
	"github.com/pgdog-io/pgdog/router/parser"
	"github.com/pgdog-io/pgdog/router/qrouter"
)

// App owns the accept socket and everything shared between client
// sessions: the parser cache, the cancel-key table, the plugin chain
// and the pool registry.
type App struct {
	chain    *plugin.Chain
	sp       *parser.SharedParser
	registry *cancel.Registry

	mu    sync.Mutex
	pools map[string]*pool.InstancePoolImpl

	clients client.Pool

	wg sync.WaitGroup
}

func NewApp(chain *plugin.Chain) *App {
	return &App{
		chain:    chain,
		sp:       parser.NewSharedParser(),
		registry: cancel.NewRegistry(),
		pools:    map[string]*pool.InstancePoolImpl{},
		clients:  client.NewClientPool(),
	}
}

// Run accepts client connections until ctx is cancelled, then drains
// active sessions within shutdown_timeout and terminates the rest.
func (app *App) Run(ctx context.Context) error {
	general := &config.Get().Pooler.General

	tlscfg, err := general.FrontendTLS()
	if err != nil {
		return err
	}

	listener, err := reuse.Listen("tcp", net.JoinHostPort(general.Host, strconv.Itoa(general.Port)))
	if err != nil {
		return fmt.Errorf("unable to listen: %w", err)
	}

	doglog.Zero.Info().
		Str("addr", listener.Addr().String()).
		Bool("tls", tlscfg != nil).
		Msg("accepting client connections")

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		nconn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			doglog.Zero.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.serve(ctx, nconn, tlscfg)
		}()
	}

	return app.drain(general.ShutdownTimeoutDuration())
}

// Reload resets the pool registry so that new sessions pick up the
// freshly published configuration. Sessions in flight keep the pools
// they hold until they disconnect.
func (app *App) Reload() {
	app.mu.Lock()
	app.pools = map[string]*pool.InstancePoolImpl{}
	app.mu.Unlock()

	doglog.Zero.Info().Msg("pool registry reset after configuration reload")
}

func (app *App) serve(ctx context.Context, nconn net.Conn, tlscfg *tls.Config) {
	cl := rclient.NewPsqlClient(meteredConn{Conn: nconn})

	if err := cl.Init(tlscfg); err != nil {
		doglog.Zero.Warn().Err(err).Msg("startup exchange failed")
		_ = cl.Close()
		return
	}

	/* cancel requests arrive on their own connection and carry only a key */
	if csm := cl.CancelMsg(); csm != nil {
		if err := app.registry.Cancel(cancel.Key{
			PID:    csm.ProcessID,
			Secret: csm.SecretKey,
		}); err != nil {
			doglog.Zero.Warn().Err(err).Msg("cancel request failed")
		}
		_ = cl.Close()
		return
	}

	cfg := config.Get()
	general := &cfg.Pooler.General

	databases := clusterDatabases(cfg, cl.DB())
	if len(databases) == 0 {
		refuse(cl, pgerr.InvalidCatalogName, fmt.Sprintf("database %q does not exist", cl.DB()))
		return
	}

	user := lookupUser(cfg, cl.Usr(), cl.DB())
	if user == nil {
		refuse(cl, pgerr.InvalidAuthorization, fmt.Sprintf("no user %q configured for database %q", cl.Usr(), cl.DB()))
		return
	}

	if err := cl.AssignUser(user); err != nil {
		_ = cl.Close()
		return
	}

	if err := cl.Auth(startupParams()); err != nil {
		doglog.Zero.Warn().
			Err(err).
			Str("user", cl.Usr()).
			Str("db", cl.DB()).
			Msg("client authentication failed")
		_ = cl.Close()
		return
	}

	key := cl.CancelKey()
	app.registry.Register(key, cl.Cancel)
	defer app.registry.Unregister(key)

	_ = app.clients.Put(cl)
	defer func() {
		_, _ = app.clients.Pop(cl.ID())
	}()

	p := app.poolFor(ctx, cl.DB(), user, databases, general)

	tables := make([]config.ShardedTable, 0, len(cfg.Pooler.ShardedTables))
	for _, t := range cfg.Pooler.ShardedTables {
		tables = append(tables, *t)
	}
	qr := qrouter.New(cl.DB(), cfg.Pooler.ShardCount(cl.DB()), tables, app.chain)
	qr.SetCrossShardWrites(general.CrossShardWrites)

	if err := frontend.Frontend(qr, app.sp, cl, p, user.EffectivePoolerMode(general.PoolerMode)); err != nil {
		doglog.Zero.Warn().
			Err(err).
			Uint("client", cl.ID()).
			Msg("client session ended with error")
	}

	_ = cl.Close()
}

// poolFor resolves the shared pool set for one (cluster, user)
// identity, building and warming it on first use.
func (app *App) poolFor(ctx context.Context, database string, user *config.User, databases []*config.Database, general *config.General) pool.DBPool {
	ident := database + "/" + user.Name

	app.mu.Lock()
	p, ok := app.pools[ident]
	if !ok {
		p = pool.NewDBPool(user, databases, general, nil)
		app.pools[ident] = p
		p.StartKeeper(ctx)
	}
	app.mu.Unlock()

	/* the first session of an identity pays for the warmup */
	if !ok {
		p.Warmup()
	}

	return p
}

func (app *App) drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	doglog.Zero.Info().Msg("shutdown timeout reached, terminating remaining clients")
	_ = app.clients.Shutdown()

	<-done
	return nil
}

func refuse(cl rclient.RouterClient, code string, message string) {
	_ = cl.Send(&pgproto3.ErrorResponse{
		Severity: "FATAL",
		Code:     code,
		Message:  message,
	})
	_ = cl.Close()
}

// lookupUser matches a users.toml entry by name. An entry bound to
// the client's database wins over a wildcard entry.
func lookupUser(cfg *config.Config, name string, database string) *config.User {
	var wildcard *config.User
	for _, u := range cfg.Users.Users {
		if u.Name != name {
			continue
		}
		if u.Database == database {
			return u
		}
		if u.Database == "" && wildcard == nil {
			wildcard = u
		}
	}
	return wildcard
}

func clusterDatabases(cfg *config.Config, name string) []*config.Database {
	var out []*config.Database
	for _, db := range cfg.Pooler.Databases {
		if db.Name == name {
			out = append(out, db)
		}
	}
	return out
}

// startupParams is the ParameterStatus set reported before any server
// connection exists. Real values reach the client later through
// ParameterStatus mirroring on attachment.
func startupParams() map[string]string {
	return map[string]string{
		"server_version":              "16.4",
		"server_encoding":             "UTF8",
		"client_encoding":             "UTF8",
		"DateStyle":                   "ISO, MDY",
		"integer_datetimes":           "on",
		"standard_conforming_strings": "on",
	}
}

package plugin

import (
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdog-io/pgdog/pkg/doglog"
)

type DecisionKind int

const (
	// NoDecision lets the next plugin, and ultimately the built-in
	// router, decide.
	NoDecision DecisionKind = iota
	// Forward sends the query to a specific shard.
	Forward
	// Rewrite replaces the query text before routing continues.
	Rewrite
	// Error rejects the query with an error response.
	Error
	// Intercept answers the query directly without touching a
	// backend.
	Intercept
)

type Decision struct {
	Kind DecisionKind

	/* Forward */
	Shard int

	/* Rewrite */
	Query string

	/* Error */
	ErrCode    string
	ErrMessage string

	/* Intercept */
	RowDesc    *pgproto3.RowDescription
	Rows       []*pgproto3.DataRow
	CommandTag string
}

// Context carries what a plugin may inspect about the query. Plugins
// must treat it as read-only.
type Context struct {
	Query    string
	Database string
	User     string
	Shards   int
	InTx     bool

	// Session parameters of the client, application_name and
	// friends. Read-only.
	Params map[string]string
}

type Plugin interface {
	Name() string
	Route(ctx *Context) Decision
}

// Chain runs plugins in registration order. The first plugin to
// return anything but NoDecision wins. A Rewrite decision restarts
// the chain with the rewritten query, bounded to avoid rewrite loops.
type Chain struct {
	mu      sync.RWMutex
	plugins []Plugin
}

const maxRewrites = 4

func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) Register(p Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doglog.Zero.Info().Str("plugin", p.Name()).Msg("registered plugin")
	c.plugins = append(c.plugins, p)
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.plugins)
}

func (c *Chain) Plugins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.plugins))
	for _, p := range c.plugins {
		names = append(names, p.Name())
	}
	return names
}

func (c *Chain) Route(ctx *Context) Decision {
	c.mu.RLock()
	plugins := c.plugins
	c.mu.RUnlock()

	for rewrite := 0; rewrite <= maxRewrites; rewrite++ {
		restarted := false
		for _, p := range plugins {
			d := p.Route(ctx)
			switch d.Kind {
			case NoDecision:
				continue
			case Rewrite:
				ctx.Query = d.Query
				restarted = true
			default:
				return d
			}
			if restarted {
				break
			}
		}
		if !restarted {
			return Decision{Kind: NoDecision}
		}
	}

	doglog.Zero.Warn().Msg("plugin rewrite limit reached")
	return Decision{Kind: NoDecision}
}

package client

import (
	"sync"

	"github.com/pgdog-io/pgdog/pkg/doglog"
)

type Pool interface {
	ClientPoolForeach(cb func(client Client) error) error

	Put(client Client) error
	Pop(id uint) (bool, error)

	Shutdown() error
}

type PoolImpl struct {
	mu   sync.Mutex
	pool map[uint]Client
}

var _ Pool = &PoolImpl{}

func (c *PoolImpl) Put(client Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pool[client.ID()] = client

	return nil
}

func (c *PoolImpl) Pop(id uint) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	cl, ok := c.pool[id]
	if ok {
		err = cl.Close()
		delete(c.pool, id)
	}

	return ok, err
}

// Shutdown notifies every connected client that the pooler is going
// away. Clients get an admin_shutdown error and are disconnected.
func (c *PoolImpl) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cl := range c.pool {
		go func(cl Client) {
			if err := cl.Shutdown(); err != nil {
				doglog.Zero.Error().Err(err).Msg("client shutdown")
			}
		}(cl)
	}

	return nil
}

func (c *PoolImpl) ClientPoolForeach(cb func(client Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cl := range c.pool {
		if err := cb(cl); err != nil {
			doglog.Zero.Error().Err(err).Msg("client pool foreach")
		}
	}

	return nil
}

func NewClientPool() Pool {
	return &PoolImpl{
		pool: map[uint]Client{},
	}
}

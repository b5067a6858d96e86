package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
)

// Pooler is the root of pgdog.toml.
type Pooler struct {
	General       General        `json:"general" toml:"general" yaml:"general"`
	Databases     []*Database    `json:"databases" toml:"databases" yaml:"databases"`
	ShardedTables []*ShardedTable `json:"sharded_tables" toml:"sharded_tables" yaml:"sharded_tables"`
	Plugins       []string       `json:"plugins" toml:"plugins" yaml:"plugins"`
}

// Users is the root of users.toml.
type Users struct {
	Users []*User `json:"users" toml:"users" yaml:"users"`
}

// Config bundles both documents. Published atomically so that reload
// never exposes a half-read configuration.
type Config struct {
	Pooler Pooler
	Users  Users
}

var current atomic.Pointer[Config]

func init() {
	current.Store(&Config{Pooler: Pooler{General: DefaultGeneral()}})
}

// Get returns the currently published configuration.
func Get() *Config {
	return current.Load()
}

// Publish swaps in a new configuration.
func Publish(cfg *Config) {
	current.Store(cfg)
}

// Load reads pgdog.toml and users.toml and publishes the result.
func Load(poolerPath string, usersPath string) (*Config, error) {
	cfg := &Config{Pooler: Pooler{General: DefaultGeneral()}}

	if err := decodeFile(poolerPath, &cfg.Pooler); err != nil {
		return nil, fmt.Errorf("load pooler config: %w", err)
	}
	if usersPath != "" {
		if err := decodeFile(usersPath, &cfg.Users); err != nil {
			return nil, fmt.Errorf("load users config: %w", err)
		}
	}

	for _, t := range cfg.Pooler.ShardedTables {
		if err := t.LoadCentroids(); err != nil {
			return nil, fmt.Errorf("load centroids for %q: %w", t.Column, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Publish(cfg)
	return cfg, nil
}

func decodeFile(path string, target any) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	if !strings.HasSuffix(file.Name(), ".toml") {
		return fmt.Errorf("unknown config format type: %s. Use .toml suffix in filename", file.Name())
	}
	_, err = toml.NewDecoder(file).Decode(target)
	return err
}

// Validate rejects configurations the core cannot serve.
func (c *Config) Validate() error {
	names := map[string]bool{}
	for _, db := range c.Pooler.Databases {
		if db.Name == "" || db.Host == "" {
			return fmt.Errorf("database entry requires name and host")
		}
		names[db.Name] = true
	}
	for _, u := range c.Users.Users {
		if u.Database != "" && !names[u.Database] {
			return fmt.Errorf("user %q references unknown database %q", u.Name, u.Database)
		}
		if u.AuthPassthrough {
			/* pg_shadow passthrough semantics are unspecified, reject */
			return fmt.Errorf("user %q: scram passthrough authentication is not supported", u.Name)
		}
	}
	for _, t := range c.Pooler.ShardedTables {
		if t.Column == "" {
			return fmt.Errorf("sharded table entry requires a column")
		}
		if !names[t.Database] {
			return fmt.Errorf("sharded table %q references unknown database %q", t.Column, t.Database)
		}
	}
	return nil
}

// ShardCount returns the number of shards configured for the named cluster.
func (p *Pooler) ShardCount(database string) int {
	shards := map[int]bool{}
	for _, db := range p.Databases {
		if db.Name == database {
			shards[db.Shard] = true
		}
	}
	return len(shards)
}

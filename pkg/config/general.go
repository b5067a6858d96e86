package config

import "time"

type PoolerMode string

const (
	PoolerModeTransaction = PoolerMode("transaction")
	PoolerModeSession     = PoolerMode("session")
)

type LoadBalancingStrategy string

const (
	LoadBalancingRandom      = LoadBalancingStrategy("random")
	LoadBalancingRoundRobin  = LoadBalancingStrategy("round_robin")
	LoadBalancingLeastActive = LoadBalancingStrategy("least_active_connections")
)

// General mirrors the [general] section of pgdog.toml.
// All intervals and timeouts are in milliseconds.
type General struct {
	Host    string `json:"host" toml:"host" yaml:"host"`
	Port    int    `json:"port" toml:"port" yaml:"port"`
	Workers int    `json:"workers" toml:"workers" yaml:"workers"`

	LogLevel  string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogOutput string `json:"log_output" toml:"log_output" yaml:"log_output"`
	PrettyLog bool   `json:"pretty_logs" toml:"pretty_logs" yaml:"pretty_logs"`

	DefaultPoolSize int        `json:"default_pool_size" toml:"default_pool_size" yaml:"default_pool_size"`
	MinPoolSize     int        `json:"min_pool_size" toml:"min_pool_size" yaml:"min_pool_size"`
	PoolerMode      PoolerMode `json:"pooler_mode" toml:"pooler_mode" yaml:"pooler_mode"`

	HealthcheckInterval     uint64 `json:"healthcheck_interval" toml:"healthcheck_interval" yaml:"healthcheck_interval"`
	IdleHealthcheckInterval uint64 `json:"idle_healthcheck_interval" toml:"idle_healthcheck_interval" yaml:"idle_healthcheck_interval"`
	IdleHealthcheckDelay    uint64 `json:"idle_healthcheck_delay" toml:"idle_healthcheck_delay" yaml:"idle_healthcheck_delay"`

	ConnectTimeout  uint64 `json:"connect_timeout" toml:"connect_timeout" yaml:"connect_timeout"`
	BanTimeout      uint64 `json:"ban_timeout" toml:"ban_timeout" yaml:"ban_timeout"`
	RollbackTimeout uint64 `json:"rollback_timeout" toml:"rollback_timeout" yaml:"rollback_timeout"`
	CheckoutTimeout uint64 `json:"checkout_timeout" toml:"checkout_timeout" yaml:"checkout_timeout"`
	QueryTimeout    uint64 `json:"query_timeout" toml:"query_timeout" yaml:"query_timeout"`
	ShutdownTimeout uint64 `json:"shutdown_timeout" toml:"shutdown_timeout" yaml:"shutdown_timeout"`

	LoadBalancingStrategy LoadBalancingStrategy `json:"load_balancing_strategy" toml:"load_balancing_strategy" yaml:"load_balancing_strategy"`

	// A keyless UPDATE/DELETE may scatter to all shards, inside a
	// transaction only. Off by default.
	CrossShardWrites bool `json:"cross_shard_writes" toml:"cross_shard_writes" yaml:"cross_shard_writes"`

	TlsCertificate string `json:"tls_certificate" toml:"tls_certificate" yaml:"tls_certificate"`
	TlsPrivateKey  string `json:"tls_private_key" toml:"tls_private_key" yaml:"tls_private_key"`
}

func DefaultGeneral() General {
	return General{
		Host:                    "0.0.0.0",
		Port:                    6432,
		LogLevel:                "info",
		DefaultPoolSize:         10,
		MinPoolSize:             1,
		PoolerMode:              PoolerModeTransaction,
		HealthcheckInterval:     30_000,
		IdleHealthcheckInterval: 30_000,
		IdleHealthcheckDelay:    5_000,
		ConnectTimeout:          5_000,
		BanTimeout:              5 * 60_000,
		RollbackTimeout:         5_000,
		CheckoutTimeout:         5_000,
		ShutdownTimeout:         60_000,
		LoadBalancingStrategy:   LoadBalancingRandom,
	}
}

func (g *General) HealthcheckIntervalDuration() time.Duration {
	return time.Duration(g.HealthcheckInterval) * time.Millisecond
}

func (g *General) IdleHealthcheckIntervalDuration() time.Duration {
	return time.Duration(g.IdleHealthcheckInterval) * time.Millisecond
}

func (g *General) IdleHealthcheckDelayDuration() time.Duration {
	return time.Duration(g.IdleHealthcheckDelay) * time.Millisecond
}

func (g *General) ConnectTimeoutDuration() time.Duration {
	return time.Duration(g.ConnectTimeout) * time.Millisecond
}

func (g *General) BanTimeoutDuration() time.Duration {
	return time.Duration(g.BanTimeout) * time.Millisecond
}

func (g *General) RollbackTimeoutDuration() time.Duration {
	return time.Duration(g.RollbackTimeout) * time.Millisecond
}

func (g *General) CheckoutTimeoutDuration() time.Duration {
	return time.Duration(g.CheckoutTimeout) * time.Millisecond
}

func (g *General) QueryTimeoutDuration() time.Duration {
	if g.QueryTimeout == 0 {
		return 0
	}
	return time.Duration(g.QueryTimeout) * time.Millisecond
}

func (g *General) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(g.ShutdownTimeout) * time.Millisecond
}

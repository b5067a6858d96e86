package config

import "time"

type AuthMethod string

const (
	AuthTrust = AuthMethod("trust")
	AuthClear = AuthMethod("clear_text")
	AuthMD5   = AuthMethod("md5")
	AuthSCRAM = AuthMethod("scram")
)

// User is one entry of users.toml.
type User struct {
	Name     string `json:"name" toml:"name" yaml:"name"`
	Database string `json:"database" toml:"database" yaml:"database"`
	Password string `json:"password" toml:"password" yaml:"password"`

	AuthMethod AuthMethod `json:"auth_method" toml:"auth_method" yaml:"auth_method"`

	PoolSize    int        `json:"pool_size" toml:"pool_size" yaml:"pool_size"`
	MinPoolSize int        `json:"min_pool_size" toml:"min_pool_size" yaml:"min_pool_size"`
	PoolerMode  PoolerMode `json:"pooler_mode" toml:"pooler_mode" yaml:"pooler_mode"`

	ServerUser     string `json:"server_user" toml:"server_user" yaml:"server_user"`
	ServerPassword string `json:"server_password" toml:"server_password" yaml:"server_password"`

	StatementTimeout uint64 `json:"statement_timeout" toml:"statement_timeout" yaml:"statement_timeout"`

	/* work-in-progress upstream; config is rejected when set */
	AuthPassthrough bool `json:"auth_passthrough" toml:"auth_passthrough" yaml:"auth_passthrough"`
}

func (u *User) Method() AuthMethod {
	if u.AuthMethod == "" {
		if u.Password == "" {
			return AuthTrust
		}
		return AuthSCRAM
	}
	return u.AuthMethod
}

func (u *User) EffectivePoolerMode(def PoolerMode) PoolerMode {
	if u.PoolerMode != "" {
		return u.PoolerMode
	}
	if def != "" {
		return def
	}
	return PoolerModeTransaction
}

func (u *User) EffectivePoolSize(def int) int {
	if u.PoolSize > 0 {
		return u.PoolSize
	}
	return def
}

func (u *User) EffectiveMinPoolSize(def int) int {
	if u.MinPoolSize > 0 {
		return u.MinPoolSize
	}
	return def
}

// BackendUser is the identity used to log into the servers.
func (u *User) BackendUser() string {
	if u.ServerUser != "" {
		return u.ServerUser
	}
	return u.Name
}

func (u *User) BackendPassword() string {
	if u.ServerPassword != "" {
		return u.ServerPassword
	}
	return u.Password
}

func (u *User) StatementTimeoutDuration() time.Duration {
	return time.Duration(u.StatementTimeout) * time.Millisecond
}

package config

type Role string

const (
	RolePrimary = Role("primary")
	RoleReplica = Role("replica")
)

// Database is one backend entry of the [[databases]] list. Several
// entries with the same name form one cluster; entries with the same
// name and shard form one shard tier.
type Database struct {
	Name string `json:"name" toml:"name" yaml:"name"`
	Role Role   `json:"role" toml:"role" yaml:"role"`

	Host string `json:"host" toml:"host" yaml:"host"`
	Port int    `json:"port" toml:"port" yaml:"port"`

	Shard        int    `json:"shard" toml:"shard" yaml:"shard"`
	DatabaseName string `json:"database_name" toml:"database_name" yaml:"database_name"`

	User     string `json:"user" toml:"user" yaml:"user"`
	Password string `json:"password" toml:"password" yaml:"password"`
}

func (d *Database) Addr() string {
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return addrJoin(d.Host, port)
}

// ServerDatabase is the PostgreSQL database to connect to, which may
// differ from the client-visible name.
func (d *Database) ServerDatabase() string {
	if d.DatabaseName != "" {
		return d.DatabaseName
	}
	return d.Name
}

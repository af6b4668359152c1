// Package config loads and validates flux-sftp's TOML configuration.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Driver identifies the SQL dialect backing the credentials store.
type Driver string

// Supported credentials-store dialects.
const (
	DriverSqlite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// General holds the process-wide, non-database settings.
type General struct {
	ListenAddress  string `toml:"listen_address"`
	Port           uint16 `toml:"port"`
	JailDir        string `toml:"jail_dir"`
	PrivateKeyFile string `toml:"private_key_file"`
}

// Database holds the credentials-store connection parameters. Driver
// selects which of the dialect-specific fields below apply; the others
// are ignored. Table/UsernameField/PublicKeyField/PasswordField mirror
// the schema described in spec §6.
type Database struct {
	Driver Driver `toml:"driver"`

	// sqlite
	Path string `toml:"path"`

	// postgres, mysql
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`

	Table          string `toml:"table"`
	UsernameField  string `toml:"username_field"`
	PublicKeyField string `toml:"public_key_field"`
	PasswordField  string `toml:"password_field"`
}

// Config is the top-level TOML document.
type Config struct {
	General  General  `toml:"general"`
	Database Database `toml:"database"`
}

// Default returns the configuration defaults documented in spec §3/§6.
func Default() Config {
	return Config{
		General: General{
			ListenAddress:  "0.0.0.0",
			Port:           2222,
			JailDir:        "/srv/sftp",
			PrivateKeyFile: "/etc/flux-sftp/host_key",
		},
		Database: Database{
			Driver:         DriverSqlite,
			Path:           "/var/lib/flux-sftp/auth.db",
			Table:          "users",
			UsernameField:  "username",
			PublicKeyField: "public_key",
		},
	}
}

// Load reads and parses the TOML file at path, starting from Default()
// so unspecified fields keep their documented defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	_ = meta // undecoded keys are not treated as fatal
	return cfg, nil
}

// Validate checks the invariants spec §3 requires before the config is
// used to construct a server: a jail directory, a host key file, a known
// database driver, a table and username field, and at least one of the
// two optional credential fields configured (otherwise no authentication
// method would ever be offered). The listen address and port are not
// checked.
func (c Config) Validate() error {
	if c.General.JailDir == "" {
		return fmt.Errorf("general.jail_dir must be set")
	}
	if c.General.PrivateKeyFile == "" {
		return fmt.Errorf("general.private_key_file must be set")
	}
	switch c.Database.Driver {
	case DriverSqlite, DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("database.driver must be one of sqlite, postgres, mysql (got %q)", c.Database.Driver)
	}
	if c.Database.Table == "" || c.Database.UsernameField == "" {
		return fmt.Errorf("database.table and database.username_field are required")
	}
	if c.Database.PublicKeyField == "" && c.Database.PasswordField == "" {
		return fmt.Errorf("at least one of database.public_key_field or database.password_field must be set")
	}
	return nil
}

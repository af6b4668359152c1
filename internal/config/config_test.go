package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Sqlite(t *testing.T) {
	path := writeConfig(t, `
[general]
listen_address = "127.0.0.1"
port = 2022
jail_dir = "/srv/sftp"
private_key_file = "/tmp/key"

[database]
driver = "sqlite"
path = "/tmp/auth.db"
table = "users"
username_field = "username"
public_key_field = "public_key"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSqlite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/auth.db", cfg.Database.Path)
	assert.Equal(t, uint16(2022), cfg.General.Port)
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
[general]
jail_dir = "/srv/sftp"
private_key_file = "/tmp/key"

[database]
driver = "postgres"
host = "db"
port = 5432
user = "flux"
password = "secret"
dbname = "flux"
table = "users"
username_field = "username"
password_field = "pw"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	// listen_address/port weren't set in the file; defaults should fill them
	assert.Equal(t, "0.0.0.0", cfg.General.ListenAddress)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate_NoAuthMethodConfigured(t *testing.T) {
	cfg := Default()
	cfg.Database.PublicKeyField = ""
	cfg.Database.PasswordField = ""
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	require.Error(t, cfg.Validate())
}

func TestValidate_OK(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

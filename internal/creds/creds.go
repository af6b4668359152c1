// Package creds implements the Credentials Store (spec §4.A): lookup of
// a user's stored password hash or authorized public key, backed by one
// of SQLite, PostgreSQL, or MySQL. Any database error — connection
// loss, missing row, column type mismatch — collapses to "not found";
// authentication fails closed, never open.
package creds

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // mysql driver registration
	_ "github.com/lib/pq"              // postgres driver registration
	_ "modernc.org/sqlite"             // sqlite driver registration

	"github.com/flux-sftp/flux-sftp/internal/config"
)

// maxOpenConns caps the shared credentials pool (spec §3: "max 3
// concurrent connections") to constrain resource use on small
// deployments.
const maxOpenConns = 3

// Store is the single CredentialsStore implementation; the SQL dialect
// is selected entirely at construction time (placeholder style is the
// only per-dialect detail in the query), so the auth path itself never
// branches on the database driver.
type Store struct {
	db             *sql.DB
	table          string
	usernameField  string
	publicKeyField string // empty disables public-key auth
	passwordField  string // empty disables password auth
	placeholder    func(pos int) string
}

// Open constructs a Store for the database described by cfg. The
// returned pool is shared read-only across every SSH session; callers
// must Close it at shutdown.
func Open(cfg config.Database) (*Store, error) {
	var driverName, dsn string
	placeholder := questionMarkPlaceholder

	switch cfg.Driver {
	case config.DriverSqlite:
		driverName = "sqlite"
		dsn = cfg.Path
	case config.DriverPostgres:
		driverName = "postgres"
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)
		placeholder = dollarPlaceholder
	case config.DriverMySQL:
		driverName = "mysql"
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	return &Store{
		db:             db,
		table:          cfg.Table,
		usernameField:  cfg.UsernameField,
		publicKeyField: cfg.PublicKeyField,
		passwordField:  cfg.PasswordField,
		placeholder:    placeholder,
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func questionMarkPlaceholder(int) string { return "?" }
func dollarPlaceholder(pos int) string   { return fmt.Sprintf("$%d", pos) }

// lookup runs `SELECT <field> FROM <table> WHERE <username_field> = <param>`
// and returns the single column value, or ok=false on any error
// (missing row, connection loss, type mismatch) — see package doc.
// table/field names come from trusted configuration and are interpolated
// directly (spec §4.A rationale); the username is always a bound
// parameter, never concatenated into the query text.
func (s *Store) lookup(ctx context.Context, field, user string) (string, bool) {
	if field == "" {
		return "", false
	}
	// #nosec G201 -- field/table/usernameField are operator-configured identifiers, not user input
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", field, s.table, s.usernameField, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, user)

	var value string
	if err := row.Scan(&value); err != nil {
		return "", false
	}
	return value, true
}

// LookupPasswordHash returns the bcrypt hash stored for user, or
// ok=false if the user is unknown, the query failed, or password
// authentication is unconfigured (spec §4.A: "disables the
// corresponding authentication method").
func (s *Store) LookupPasswordHash(ctx context.Context, user string) (string, bool) {
	return s.lookup(ctx, s.passwordField, user)
}

// LookupPublicKey returns the authorized OpenSSH public key stored for
// user, or ok=false if the user is unknown, the query failed, or
// public-key authentication is unconfigured.
func (s *Store) LookupPublicKey(ctx context.Context, user string) (string, bool) {
	return s.lookup(ctx, s.publicKeyField, user)
}

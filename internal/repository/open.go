package repository

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// pingTimeout bounds the connectivity check made when a handle is opened.
const pingTimeout = 5 * time.Second

// memoryPath selects a private in-memory sqlite database.
const memoryPath = ":memory:"

// driver knows how to reach one database engine.
type driver struct {
	name string // database/sql driver name
	dsn  func(cfg domain.RepositoryConfig) (string, error)

	// maxOpen caps the pool when the config leaves it unset.
	maxOpen int
}

var drivers = map[string]driver{
	"sqlite":   {name: "sqlite", dsn: sqliteDSN, maxOpen: 1},
	"postgres": {name: "postgres", dsn: postgresDSN},
}

// open connects to the configured database and applies pool settings.
func open(cfg domain.RepositoryConfig) (*sqlx.DB, error) {
	d, ok := drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported driver: %s", domain.ErrConfiguration, cfg.Driver)
	}

	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = d.maxOpen
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// sqliteDSN targets a file in WAL mode, creating its directory. The pure Go
// modernc driver needs no cgo. A single pooled connection serializes writers,
// which sqlite requires anyway, and keeps an in-memory database alive.
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}
	if path == memoryPath {
		return "file::memory:?_pragma=busy_timeout(5000)", nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path), nil
}

// postgresDSN builds a postgres:// URL so credentials are escaped.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + dbname,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String(), nil
}

// Package postgres is the durable bundle.Repository adapter. Schema changes
// ship as embedded migrations and run at startup.
package postgres

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/keithlinneman/lms-bundles/internal/log"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connect opens and pings a database handle with pool limits sized for a
// single service instance.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "connect to postgres")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate applies any pending embedded migrations. A database already at
// the latest version is not an error.
func Migrate(ctx context.Context, db *sqlx.DB, logger log.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return xerrors.Wrap(err, "open embedded migrations")
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return xerrors.Wrap(err, "prepare migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return xerrors.Wrap(err, "prepare migrations")
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug(ctx, "database schema already current")
			return nil
		}
		return xerrors.Wrap(err, "apply migrations")
	}
	version, dirty, err := m.Version()
	if err != nil {
		return xerrors.Wrap(err, "read migration version")
	}
	logger.Info(ctx, "database migrated", "schema_version", version, "dirty", dirty)
	return nil
}

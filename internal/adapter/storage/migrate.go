package storage

import (
	"database/sql"
	"embed"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationDSN returns dsn with multi-statement queries enabled, which the
// migration files need. Other DSN settings are kept.
func MigrationDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	cfg.MultiStatements = true
	return cfg.FormatDSN(), nil
}

// Migrate applies every pending schema migration over its own connection. It
// is a no-op when the schema is current.
func Migrate(dsn string) error {
	migrationDSN, err := MigrationDSN(dsn)
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", migrationDSN)
	if err != nil {
		return errors.Wrap(err, "open mysql")
	}
	defer db.Close()

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}

	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driver)
	if err != nil {
		return errors.Wrap(err, "init migrate")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Package migrations wires golang-migrate execution for the strikeline
// event store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	dbmigrations "github.com/strikeline/strikeline/db/migrations"
	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/observability"
)

var errNotDirectory = errors.New("migrations path must be a directory")

// Apply runs the migrations against the Postgres instance reachable via dsn.
// With an empty migrationsDir the scripts embedded in the binary are used;
// otherwise migrationsDir must point at a directory of SQL migration files.
func Apply(ctx context.Context, dsn, migrationsDir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New("migrations", errs.CodeTransientIO,
			errs.WithMessage("open migrations connection"), errs.WithCause(err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Warn("migrations connection close",
				observability.F("error", cerr.Error()))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return errs.New("migrations", errs.CodeTransientIO,
			errs.WithMessage("ping migrations database"), errs.WithCause(err))
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return errs.New("migrations", errs.CodeTransientIO,
			errs.WithMessage("initialise pgx v5 driver"), errs.WithCause(err))
	}

	m, err := newMigrator(migrationsDir, driver)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Warn("migrations source close",
				observability.F("error", sourceErr.Error()))
		}
		if dbErr != nil {
			observability.Log().Warn("migrations db close",
				observability.F("error", dbErr.Error()))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("database migrations up-to-date")
			return nil
		}
		return errs.New("migrations", errs.CodePersist,
			errs.WithMessage("apply migrations"), errs.WithCause(err))
	}

	observability.Log().Info("database migrations applied")
	return nil
}

// Rollback undoes the most recent steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int) error {
	if steps <= 0 {
		return errs.New("migrations", errs.CodeConfig,
			errs.WithMessage("rollback steps must be positive"))
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New("migrations", errs.CodeTransientIO,
			errs.WithMessage("open migrations connection"), errs.WithCause(err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Warn("migrations connection close",
				observability.F("error", cerr.Error()))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return errs.New("migrations", errs.CodeTransientIO,
			errs.WithMessage("ping migrations database"), errs.WithCause(err))
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return errs.New("migrations", errs.CodeTransientIO,
			errs.WithMessage("initialise pgx v5 driver"), errs.WithCause(err))
	}

	m, err := newMigrator(migrationsDir, driver)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Warn("migrations source close",
				observability.F("error", sourceErr.Error()))
		}
		if dbErr != nil {
			observability.Log().Warn("migrations db close",
				observability.F("error", dbErr.Error()))
		}
	}()

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("no migrations to roll back")
			return nil
		}
		return errs.New("migrations", errs.CodePersist,
			errs.WithMessage("rollback migrations"), errs.WithCause(err))
	}

	observability.Log().Info("database migrations rolled back",
		observability.F("steps", steps))
	return nil
}

func newMigrator(migrationsDir string, driver database.Driver) (*migrate.Migrate, error) {
	if strings.TrimSpace(migrationsDir) == "" {
		source, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, errs.New("migrations", errs.CodeConfig,
				errs.WithMessage("open embedded migrations"), errs.WithCause(err))
		}
		m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
		if err != nil {
			return nil, errs.New("migrations", errs.CodeConfig,
				errs.WithMessage("initialise migrate instance"), errs.WithCause(err))
		}
		return m, nil
	}

	resolved, err := resolveDir(migrationsDir)
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithDatabaseInstance(fileURL(resolved), "pgx5", driver)
	if err != nil {
		return nil, errs.New("migrations", errs.CodeConfig,
			errs.WithMessage("initialise migrate instance"), errs.WithCause(err))
	}
	return m, nil
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", errs.New("migrations", errs.CodeConfig,
			errs.WithMessage("resolve migrations path"), errs.WithCause(err))
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errs.New("migrations", errs.CodeConfig,
				errs.WithMessage("migrations directory missing"), errs.WithCause(err))
		}
		return "", errs.New("migrations", errs.CodeConfig,
			errs.WithMessage("stat migrations directory"), errs.WithCause(err))
	}
	if !info.IsDir() {
		return "", errs.New("migrations", errs.CodeConfig,
			errs.WithMessage("migrations path"), errs.WithCause(errNotDirectory))
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

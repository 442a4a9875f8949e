package database

import (
	"context"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Migration is a single schema change. Migrations apply in ascending id order
// and each id applies at most once; the current version is tracked in the
// database_version sequence.
type Migration struct {
	id   int
	name string
	sql  string
}

func NewMigration(id int, name string, sql string) Migration {
	return Migration{id: id, name: name, sql: sql}
}

// UpdateDatabase applies every migration with an id greater than the stored
// schema version, advancing the stored version after each one.
func UpdateDatabase(ctx context.Context, db *pgxpool.Pool, migrations []Migration) error {
	log.Info("Updating postgres...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current schema version %d", version)

	for _, migration := range migrations {
		if migration.id <= version {
			continue
		}
		log.Infof("Applying migration %s", migration.name)
		if _, err := db.Exec(ctx, migration.sql); err != nil {
			return errors.WithMessagef(err, "migration %s failed", migration.name)
		}
		version = migration.id
		if err := setVersion(ctx, db, version); err != nil {
			return err
		}
	}
	log.Info("Database updated.")
	return nil
}

func readVersion(ctx context.Context, db *pgxpool.Pool) (int, error) {
	_, err := db.Exec(ctx,
		`CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0;`)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var version int
	err = db.QueryRow(ctx, `SELECT last_value FROM database_version`).Scan(&version)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return version, nil
}

func setVersion(ctx context.Context, db *pgxpool.Pool, version int) error {
	_, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return errors.WithStack(err)
}

// MigrationsFromFS loads the .sql files under dir in lexical order. File names
// carry the migration id as a numeric prefix, e.g. 001_initial_schema.sql.
func MigrationsFromFS(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		id, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "migration file %s has no numeric id prefix", name)
		}
		contents, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		migrations = append(migrations, Migration{id: id, name: name, sql: string(contents)})
	}
	return migrations, nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// migrationLockID keys the Postgres advisory lock held while migrating so
// two ledger processes starting together do not race on the schema.
const migrationLockID = 0x5354424c // "STBL"

var ErrMigrationFiles = errors.New("malformed migration set")

// Migration is one {version}_{name}.up.sql / .down.sql pair
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string
}

// MigrationStatus reports whether a migration has been applied
type MigrationStatus struct {
	Migration
	AppliedAt *time.Time
}

// Migrator applies and rolls back the SQL files of a migrations directory.
// File naming follows golang-migrate.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from files, usually os.DirFS(dir)
func NewMigrator(db *sql.DB, files fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, files: files, logger: logger}
}

// LoadMigrations pairs the up and down files of fsys, ordered by version.
// Every version needs both files and a version may appear only once.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()

		var stem string
		var up bool
		switch {
		case strings.HasSuffix(file, ".up.sql"):
			stem, up = strings.TrimSuffix(file, ".up.sql"), true
		case strings.HasSuffix(file, ".down.sql"):
			stem = strings.TrimSuffix(file, ".down.sql")
		default:
			continue
		}

		version, name, ok := strings.Cut(stem, "_")
		if !ok || version == "" || name == "" {
			return nil, fmt.Errorf("%w: %s is not {version}_{name}", ErrMigrationFiles, file)
		}

		m, seen := byVersion[version]
		if !seen {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", ErrMigrationFiles, version, m.Name, name)
		}

		target := &m.DownFile
		if up {
			target = &m.UpFile
		}
		if *target != "" {
			return nil, fmt.Errorf("%w: duplicate %s", ErrMigrationFiles, file)
		}
		*target = file
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpFile == "" || m.DownFile == "" {
			return nil, fmt.Errorf("%w: version %s needs both up and down files", ErrMigrationFiles, m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration in version order and returns how many
// ran. Each migration commits on its own.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		return 0, err
	}

	count := 0
	err = m.withLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedAt(ctx, conn)
		if err != nil {
			return err
		}
		for _, mg := range migrations {
			if _, done := applied[mg.Version]; done {
				continue
			}
			start := time.Now()
			if err := m.run(ctx, conn, mg.UpFile, `INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`, mg.Version, mg.UpFile); err != nil {
				return err
			}
			count++
			m.logger.Info().Str("version", mg.Version).Str("name", mg.Name).
				Dur("elapsed", time.Since(start)).Msg("applied migration")
		}
		return nil
	})
	return count, err
}

// Down rolls back the last n applied migrations, newest first, and returns
// how many were rolled back.
func (m *Migrator) Down(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		return 0, err
	}
	known := make(map[string]Migration, len(migrations))
	for _, mg := range migrations {
		known[mg.Version] = mg
	}

	count := 0
	err = m.withLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedAt(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]string, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(versions)))

		for _, v := range versions {
			if count == n {
				break
			}
			mg, ok := known[v]
			if !ok {
				return fmt.Errorf("%w: applied version %s has no files", ErrMigrationFiles, v)
			}
			if err := m.run(ctx, conn, mg.DownFile, `DELETE FROM public.schema_migrations WHERE version = $1`, mg.Version); err != nil {
				return err
			}
			count++
			m.logger.Info().Str("version", mg.Version).Str("name", mg.Name).Msg("rolled back migration")
		}
		return nil
	})
	if err == nil && count == 0 {
		m.logger.Info().Msg("no migrations to roll back")
	}
	return count, err
}

// Status lists every known migration with the time it was applied, if any
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		return nil, err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := appliedAt(ctx, conn)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mg := range migrations {
		st := MigrationStatus{Migration: mg}
		if at, ok := applied[mg.Version]; ok {
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

// withLock runs fn on one connection holding the migration advisory lock
func (m *Migrator) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// run executes one migration file and its bookkeeping statement in a
// single transaction
func (m *Migrator) run(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	content, err := fs.ReadFile(m.files, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func appliedAt(ctx context.Context, conn *sql.Conn) (map[string]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			v  string
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

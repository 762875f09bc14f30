package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the transaction-scoped advisory lock that serializes
// concurrent migrators, e.g. two streampayd replicas starting together.
const migrationLockID = 0x5354524d50415931 // "STRMPAY1"

// Migrator applies the {version}_{name}.up.sql / .down.sql files of a
// directory, golang-migrate style. Each applied file's sha256 is recorded;
// Up refuses to run when an applied file was edited afterwards.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, logger: logger}
}

// MigrationStatus is one up-migration file and its recorded state.
type MigrationStatus struct {
	Version  string
	File     string
	Applied  bool
	Modified bool // applied, but the file no longer matches its checksum
}

type appliedMigration struct {
	file     string
	checksum string
}

// Up applies every pending up-migration in version order.
func (m *Migrator) Up(ctx context.Context) error {
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}
	for _, s := range status {
		if s.Modified {
			return fmt.Errorf("migration %s changed after it was applied", s.File)
		}
	}

	for _, s := range status {
		if s.Applied {
			continue
		}
		body, sum, err := m.read(s.File)
		if err != nil {
			return err
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			var done bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM public.schema_migrations WHERE version = $1)`, s.Version,
			).Scan(&done); err != nil || done {
				return err
			}
			if _, err := tx.ExecContext(ctx, body); err != nil {
				return fmt.Errorf("exec: %w", err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				s.Version, s.File, sum)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", s.File, err)
		}
		m.logger.Info().Str("file", s.File).Str("checksum", sum[:12]).Msg("applied migration")
	}
	return nil
}

// Down rolls back the latest applied migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	var version, file string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &file)
	if err == sql.ErrNoRows {
		m.logger.Info().Msg("nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(file, ".up.sql") + ".down.sql"
	body, _, err := m.read(downFile)
	if err != nil {
		return err
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return fmt.Errorf("migration %s: %w", downFile, err)
	}
	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// Status lists every up-migration in version order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	files, err := m.upFiles()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		s := MigrationStatus{Version: extractVersion(f), File: f}
		if rec, ok := applied[s.Version]; ok {
			s.Applied = true
			if rec.checksum != "" {
				_, sum, err := m.read(f)
				if err != nil {
					return nil, err
				}
				s.Modified = sum != rec.checksum
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]appliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var rec appliedMigration
		if err := rows.Scan(&v, &rec.file, &rec.checksum); err != nil {
			return nil, err
		}
		out[v] = rec
	}
	return out, rows.Err()
}

func (m *Migrator) upFiles() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (m *Migrator) read(file string) (body, checksum string, err error) {
	raw, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return "", "", fmt.Errorf("read migration: %w", err)
	}
	sum := sha256.Sum256(raw)
	return string(raw), hex.EncodeToString(sum[:]), nil
}

// extractVersion returns a migration file's numeric prefix, "000001" for
// "000001_event_log.up.sql".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}

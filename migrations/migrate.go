// Package migrations owns the relational schema of the sync target.
package migrations

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// ErrChecksumMismatch means an already applied version was edited afterwards.
var ErrChecksumMismatch = errors.New("migration changed after it was applied")

const ledgerTable = "retailsync_schema_versions"

// Step is one versioned schema change. Version is the file name without
// the .sql suffix ("0001_init").
type Step struct {
	Version  string
	SQL      string
	Checksum string
}

// Load reads the .sql files of fsys in version order. Empty files are dropped.
func Load(fsys fs.FS) ([]Step, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	steps := make([]Step, 0, len(names))
	for _, name := range names {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(b))
		if sql == "" {
			continue
		}
		sum := sha256.Sum256([]byte(sql))
		steps = append(steps, Step{
			Version:  strings.TrimSuffix(path.Base(name), ".sql"),
			SQL:      sql,
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	return steps, nil
}

// Plan returns the steps still to run given the ledger of applied versions
// and their checksums.
func Plan(steps []Step, applied map[string]string) ([]Step, error) {
	var todo []Step
	for _, s := range steps {
		sum, ok := applied[s.Version]
		switch {
		case !ok:
			todo = append(todo, s)
		case sum != s.Checksum:
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, s.Version)
		}
	}
	return todo, nil
}

// Apply brings the schema up to date and returns the versions it ran. Each
// version runs in its own transaction together with its ledger row; the
// whole pass holds an advisory lock so concurrent callers serialize.
func Apply(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	steps, err := Load(files)
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, ledgerTable); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, ledgerTable)
	}()

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+ledgerTable+` (
	version    TEXT PRIMARY KEY,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("ensure %s: %w", ledgerTable, err)
	}

	applied, err := ledger(ctx, conn)
	if err != nil {
		return nil, err
	}
	todo, err := Plan(steps, applied)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, s := range todo {
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, s.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO `+ledgerTable+` (version, checksum) VALUES ($1, $2)`, s.Version, s.Checksum)
			return err
		})
		if err != nil {
			return done, fmt.Errorf("migration %s: %w", s.Version, err)
		}
		done = append(done, s.Version)
	}
	return done, nil
}

func ledger(ctx context.Context, conn *pgxpool.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT version, checksum FROM `+ledgerTable)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ledgerTable, err)
	}
	out := make(map[string]string)
	var version, checksum string
	_, err = pgx.ForEachRow(rows, []any{&version, &checksum}, func() error {
		out[version] = checksum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ledgerTable, err)
	}
	return out, nil
}

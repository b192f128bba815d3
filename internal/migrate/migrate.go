// Package migrate applies the SQL schema the PostgreSQL user store depends on.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTable = "schema_migrations"

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

//go:embed sql/*.sql
var embedded embed.FS

// ErrNothingApplied is returned by Down when no migration has been applied.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Source returns the migrations shipped with the binary.
func Source() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Record is one applied migration.
type Record struct {
	Name      string
	AppliedAt time.Time
}

// Manager runs "NNNN_name.up.sql" / "NNNN_name.down.sql" pairs from an fs.FS.
// Each migration and its bookkeeping row are committed in one transaction.
type Manager struct {
	db     *sql.DB
	source fs.FS
	table  string
	log    *zap.Logger
	now    func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the bookkeeping table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// WithSource replaces the embedded migrations.
func WithSource(src fs.FS) Option {
	return func(m *Manager) {
		if src != nil {
			m.source = src
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager constructs a Manager over the embedded migrations.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		source: Source(),
		table:  defaultTable,
		log:    zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in name order and returns the names applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(pending))
	for _, name := range pending {
		if err := m.apply(ctx, name, `insert into `+m.table+`(name, applied_at) values ($1, $2)`, name, m.now()); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		m.log.Info("migration applied", zap.String("name", name))
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	history, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", ErrNothingApplied
	}
	last := history[len(history)-1].Name
	down := strings.TrimSuffix(last, upSuffix) + downSuffix
	if _, err := fs.Stat(m.source, down); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.apply(ctx, down, `delete from `+m.table+` where name = $1`, last); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	m.log.Info("migration rolled back", zap.String("name", last))
	return last, nil
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Record, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `select name, applied_at from `+m.table+` order by name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Name, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Pending lists up migrations not yet recorded as applied.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	all, err := fs.Glob(m.source, "*"+upSuffix)
	if err != nil {
		return nil, err
	}
	sort.Strings(all)

	rows, err := m.db.QueryContext(ctx, `select name from `+m.table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var pending []string
	for _, name := range all {
		if !done[name] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `create table if not exists `+m.table+` (
		name text primary key,
		applied_at timestamptz not null default now()
	)`)
	return err
}

// apply runs the statements of file followed by the bookkeeping statement in one transaction.
func (m *Manager) apply(ctx context.Context, file, record string, args ...any) error {
	body, err := fs.ReadFile(m.source, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements splits on semicolons outside single-quoted literals and drops "--" comments.
func splitStatements(script string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" && s != ";" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == '\'':
			inString = !inString
			current.WriteByte(c)
		case !inString && c == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
		case !inString && c == ';':
			current.WriteByte(c)
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}

package migrate

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var testSource = fstest.MapFS{
	"0001_a.up.sql":   {Data: []byte("-- first\ncreate table a (id int);\n")},
	"0001_a.down.sql": {Data: []byte("drop table a;")},
	"0002_b.up.sql":   {Data: []byte("create table b (v text default 'x;y');\ncreate index b_v on b (v);")},
}

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewManager(db, WithSource(testSource)), mock
}

func TestUpAppliesOnlyPending(t *testing.T) {
	m, mock := newMockManager(t)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b (v text default 'x;y');")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create index b_v on b (v);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("unexpected applied %v", applied)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	m, mock := newMockManager(t)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	applied, err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("nothing should be reported applied, got %v", applied)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	m, mock := newMockManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0001_a.up.sql", now))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_a.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := m.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0001_a.up.sql" {
		t.Fatalf("unexpected rollback %q", name)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	m, mock := newMockManager(t)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).
			AddRow("0001_a.up.sql", time.Now()).
			AddRow("0002_b.up.sql", time.Now()))

	if _, err := m.Down(context.Background()); err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("expected missing down migration, got %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	m, mock := newMockManager(t)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at").WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}))

	if _, err := m.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- header; ignored\ninsert into t values ('a;b');\n\nselect 1;  ")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "insert into t values ('a;b');" {
		t.Fatalf("unexpected first statement %q", got[0])
	}
	if got[1] != "select 1;" {
		t.Fatalf("unexpected second statement %q", got[1])
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	src := Source()
	ups, err := fs.Glob(src, "*"+upSuffix)
	if err != nil || len(ups) == 0 {
		t.Fatalf("no embedded migrations: %v", err)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, upSuffix) + downSuffix
		if _, err := fs.Stat(src, down); err != nil {
			t.Fatalf("%s has no down migration", up)
		}
	}
}

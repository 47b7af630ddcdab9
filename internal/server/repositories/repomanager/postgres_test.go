package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/oauthproxy/internal/server/migrations"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/authcodes"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/proxytokens"
	"github.com/pressly/goose/v3"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func TestFactories_ReturnConcreteRepos(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	m := NewPostgresRepositoryManager()

	if _, ok := m.Credentials(db).(*credentials.PostgresRepository); !ok {
		t.Fatal("Credentials() is not the postgres repository")
	}
	if _, ok := m.AuthCodes(db).(*authcodes.PostgresRepository); !ok {
		t.Fatal("AuthCodes() is not the postgres repository")
	}
	if _, ok := m.ProxyTokens(db).(*proxytokens.PostgresRepository); !ok {
		t.Fatal("ProxyTokens() is not the postgres repository")
	}
	if _, ok := m.Idempotency(db).(*idempotency.PostgresRepository); !ok {
		t.Fatal("Idempotency() is not the postgres repository")
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	files, err := fs.Glob(migrations.Migrations, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("want 4 migrations, got %v", files)
	}
}

func TestRunMigrations_Success(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		if len(opts) != 0 {
			return errors.New("unexpected opts")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	m := &PostgresRepositoryManager{}
	if err := m.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations error: %v", err)
	}
}

func TestRunMigrations_Error(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	m := &PostgresRepositoryManager{}
	if err := m.RunMigrations(context.Background(), db); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
}

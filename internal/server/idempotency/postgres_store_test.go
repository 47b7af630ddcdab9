package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/repomanager"
)

func TestPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewPostgresStore(db, repomanager.NewPostgresRepositoryManager(), 12*time.Hour)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	mock.ExpectQuery(`(?s)SELECT\s+fingerprint.*FROM\s+idempotency_records`).
		WithArgs("k", "POST", "/x", now.Add(-12*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint"}))
	if _, err := s.Get(ctx, "k", "POST", "/x"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want not found, got %v", err)
	}

	mock.ExpectExec(`(?s)INSERT\s+INTO\s+idempotency_records.*ON\s+CONFLICT`).
		WithArgs("k", "POST", "/x", "fp", 201, "", []byte{}, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Put(ctx, &models.IdempotencyRecord{Key: "k", Method: "POST", Path: "/x", Fingerprint: "fp", ResponseStatus: 201}); err != nil {
		t.Fatalf("put: %v", err)
	}

	mock.ExpectExec(`DELETE\s+FROM\s+idempotency_records\s+WHERE\s+created_at\s*<=\s*\$1`).
		WithArgs(now.Add(-12 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := s.DeleteExpired(ctx, now)
	if err != nil || n != 3 {
		t.Fatalf("DeleteExpired = %d, %v", n, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

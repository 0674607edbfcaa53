package repository

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/GophSSO/internal/db"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/lib/pq"
)

func setupStoreMock(t *testing.T, dialect db.Dialect) (*CredentialsDB, sqlmock.Sqlmock, func()) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	store := NewCredentialsDB(conn, dialect)
	cleanup := func() { conn.Close() }
	return store, mock, cleanup
}

func TestInsertCredentials_RollbackOnRealmFailure(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.Postgres)
	defer cleanup()

	ident := &models.Identity{Caption: "c", Username: "u", Password: "p", Realms: []string{"r"}}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO CREDENTIALS (caption, username, password, flags, type) VALUES ($1, $2, $3, $4, $5) RETURNING id`)).
		WithArgs("c", "u", nil, int64(0), int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO REALMS (identity_id, realm) VALUES ($1, $2)`)).
		WithArgs(int64(7), "r").
		WillReturnError(errors.New("realm insert failed"))
	mock.ExpectRollback()

	id, err := store.InsertCredentials(context.Background(), ident, true)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if id != models.NewIdentityID {
		t.Errorf("expected id 0 on failure, got %d", id)
	}
	if KindOf(err) != StatementError {
		t.Errorf("expected statement error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertCredentials_ConstraintViolation(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.Postgres)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO CREDENTIALS`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err := store.InsertCredentials(context.Background(), &models.Identity{}, false)
	if KindOf(err) != ConstraintViolation {
		t.Errorf("expected constraint violation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertCredentials_BeginFailure(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.SQLite)
	defer cleanup()

	mock.ExpectBegin().WillReturnError(errors.New("begin failed"))

	_, err := store.InsertCredentials(context.Background(), &models.Identity{}, false)
	if KindOf(err) != TransactionError {
		t.Errorf("expected transaction error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertCredentials_CommitFailure(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.SQLite)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO CREDENTIALS`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	id, err := store.InsertCredentials(context.Background(), &models.Identity{}, false)
	if KindOf(err) != TransactionError {
		t.Errorf("expected transaction error, got %v", err)
	}
	if id != models.NewIdentityID {
		t.Errorf("expected id 0, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdateCredentials_NotFoundRollsBack(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.Postgres)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE CREDENTIALS SET caption = $1, username = $2, flags = $3, type = $4 WHERE id = $5`)).
		WithArgs("c", "u", int64(0), int64(0), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.UpdateCredentials(context.Background(), &models.Identity{ID: 5, Caption: "c", Username: "u"}, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCredentials_PostgresPlaceholders(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.Postgres)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT caption, username, password, flags, type FROM CREDENTIALS WHERE id = $1`)).
		WithArgs(int64(3)).
		WillReturnError(errors.New("relation does not exist"))

	_, err := store.Credentials(context.Background(), 3, false)
	if KindOf(err) != StatementError {
		t.Errorf("expected statement error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStoreData_TooLargeWritesNothing(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.SQLite)
	defer cleanup()

	ok, err := store.StoreData(context.Background(), 1, "M1", map[string]any{
		"k": strings.Repeat("x", DefaultMaxDataSize),
	})
	if !errors.Is(err, ErrDataTooLarge) {
		t.Errorf("expected ErrDataTooLarge, got %v", err)
	}
	if ok {
		t.Error("expected false for rejected payload")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected statements: %v", err)
	}
}

func TestStoreData_RollbackOnValueFailure(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.SQLite)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO METHODS (method) VALUES (?) ON CONFLICT (method) DO NOTHING`)).
		WithArgs("M1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM METHODS WHERE method = ?`)).
		WithArgs("M1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM STORE WHERE identity_id = ? AND method_id = ? AND data_key = ?`)).
		WithArgs(int64(1), int64(1), "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO STORE`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	ok, err := store.StoreData(context.Background(), 1, "M1", map[string]any{"a": nil, "b": "v"})
	if err == nil || ok {
		t.Fatalf("expected failure, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRemoveReference_NoMatch(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.Postgres)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM REFS WHERE identity_id = $1 AND token_id IN (SELECT id FROM TOKENS WHERE token = $2) AND ref = $3`)).
		WithArgs(int64(1), "AID::1", "r").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.RemoveReference(context.Background(), 1, "AID::1", "r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected false when nothing matched")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRemoveData_AllMethods(t *testing.T) {
	store, mock, cleanup := setupStoreMock(t, db.SQLite)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM STORE WHERE identity_id = ?`)).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RemoveData(context.Background(), 4, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"pq unique", &pq.Error{Code: "23505"}, ConstraintViolation},
		{"pq connection", &pq.Error{Code: "08006"}, ConnectionError},
		{"pq syntax", &pq.Error{Code: "42601"}, StatementError},
		{"plain", errors.New("boom"), StatementError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(classify("op", tt.err)); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}

	if classify("op", ErrNotFound) != ErrNotFound {
		t.Error("sentinel errors must pass through classify")
	}
}

package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when the identity does not exist.
	ErrNotFound = errors.New("identity not found")
	// ErrDataTooLarge is returned by StoreData when the payload exceeds the cap.
	ErrDataTooLarge = errors.New("data payload exceeds storage limit")
	// ErrNotConnected is returned after Close.
	ErrNotConnected = errors.New("credentials database is not connected")
)

// ErrorKind tells a caller whether an operation may be retried.
type ErrorKind int

const (
	// StatementError is a failed SQL statement (likely a schema problem).
	StatementError ErrorKind = iota + 1
	// ConnectionError is a broken or unavailable connection.
	ConnectionError
	// TransactionError is a failed BEGIN or COMMIT.
	TransactionError
	// NotConnected means the database was closed.
	NotConnected
	// ConstraintViolation is a rejected row (unique or foreign key).
	ConstraintViolation
)

func (k ErrorKind) String() string {
	switch k {
	case StatementError:
		return "statement error"
	case ConnectionError:
		return "connection error"
	case TransactionError:
		return "transaction error"
	case NotConnected:
		return "not connected"
	case ConstraintViolation:
		return "constraint violation"
	default:
		return "unknown error"
	}
}

// StoreError is the structured error returned by CredentialsDB.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err, or 0 if err is not a StoreError.
func KindOf(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// classify wraps err into a StoreError. Sentinel errors of this package
// and errors that are already classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDataTooLarge) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreError{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) ErrorKind {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return ConnectionError
	}
	if errors.Is(err, sql.ErrTxDone) {
		return TransactionError
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			return ConstraintViolation
		case "08":
			return ConnectionError
		case "25", "40":
			return TransactionError
		}
		return StatementError
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return ConstraintViolation
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_IOERR:
			return ConnectionError
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return TransactionError
		}
		return StatementError
	}

	return StatementError
}

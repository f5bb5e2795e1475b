package pg

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/deferkit/pkg/txn"
)

var (
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrEmptyConnectionString    = errors.New("empty postgres connection string, use PG_CONN_URL env var")
	ErrHealthcheckFailed        = errors.New("healthcheck failed, connection is not available")
	ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
	ErrMigrationsDirNotFound    = errors.New("migrations directory not found")
	ErrMigrationPathNotProvided = errors.New("migration path not provided")
	ErrPoolNil                  = errors.New("postgres pool cannot be nil")
	ErrFailedToBeginTx          = errors.New("failed to begin transaction")
	ErrFailedToConfigureSession = errors.New("failed to configure session")
	ErrInvalidTenantID          = errors.New("tenant id is not a valid schema suffix")
)

// SQLSTATE codes of transient contention failures.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsNotFoundError detects pgx.ErrNoRows for consistent "not found" handling across queries.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

// IsTxClosedError detects attempts to use closed transactions.
func IsTxClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrTxClosed)
}

// IsDuplicateKeyError detects PostgreSQL unique constraint violations (SQLSTATE 23505).
func IsDuplicateKeyError(err error) bool {
	return hasCode(err, "23505")
}

// IsSerializationFailureError detects serializable isolation conflicts (SQLSTATE 40001).
func IsSerializationFailureError(err error) bool {
	return hasCode(err, codeSerializationFailure)
}

// IsDeadlockError detects deadlocks broken by the server (SQLSTATE 40P01).
func IsDeadlockError(err error) bool {
	return hasCode(err, codeDeadlockDetected)
}

// ClassifyError wraps contention failures as txn.ErrStorageConflict so the
// executor retries them. Other errors are returned unchanged.
func ClassifyError(op string, err error) error {
	if IsSerializationFailureError(err) || IsDeadlockError(err) {
		return txn.Conflict(op, err)
	}
	return err
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

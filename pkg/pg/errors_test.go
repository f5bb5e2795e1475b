package pg_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/deferkit/pkg/pg"
	"github.com/dmitrymomot/deferkit/pkg/txn"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	serialization := fmt.Errorf("update widgets: %w", &pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	deadlock := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	duplicate := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	plain := errors.New("boom")

	tests := []struct {
		name          string
		err           error
		serialization bool
		deadlock      bool
		duplicate     bool
		conflict      bool
	}{
		{"serialization failure", serialization, true, false, false, true},
		{"deadlock", deadlock, false, true, false, true},
		{"duplicate key", duplicate, false, false, true, false},
		{"plain error", plain, false, false, false, false},
		{"nil", nil, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.serialization, pg.IsSerializationFailureError(tt.err))
			assert.Equal(t, tt.deadlock, pg.IsDeadlockError(tt.err))
			assert.Equal(t, tt.duplicate, pg.IsDuplicateKeyError(tt.err))

			classified := pg.ClassifyError("op", tt.err)
			assert.Equal(t, tt.conflict, txn.IsConflict(classified))
			if !tt.conflict {
				assert.Equal(t, tt.err, classified)
			} else {
				assert.ErrorIs(t, classified, tt.err)
			}
		})
	}
}

func TestIsNotFoundAndTxClosed(t *testing.T) {
	t.Parallel()

	assert.True(t, pg.IsNotFoundError(fmt.Errorf("get: %w", pgx.ErrNoRows)))
	assert.False(t, pg.IsNotFoundError(nil))
	assert.True(t, pg.IsTxClosedError(pgx.ErrTxClosed))
	assert.False(t, pg.IsTxClosedError(errors.New("other")))
}

func TestTenantSchema(t *testing.T) {
	t.Parallel()

	schema, err := pg.TenantSchema("tenant_%s", "acme_01")
	assert.NoError(t, err)
	assert.Equal(t, "tenant_acme_01", schema)

	_, err = pg.TenantSchema("tenant_%s", "acme; DROP SCHEMA public")
	assert.ErrorIs(t, err, pg.ErrInvalidTenantID)
}

func TestNewOpener_NilPool(t *testing.T) {
	t.Parallel()

	_, err := pg.NewOpener(nil)
	assert.ErrorIs(t, err, pg.ErrPoolNil)
}

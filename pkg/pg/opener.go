package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/deferkit/pkg/txn"
)

var _ txn.Opener = (*Opener)(nil)

// Opener starts serializable transactions on a pool, one per session.
type Opener struct {
	pool         *pgxpool.Pool
	schemaFormat string
	logger       *slog.Logger
}

// OpenerOption configures an Opener.
type OpenerOption func(*Opener)

// WithTenantSchemaFormat puts fmt.Sprintf(format, tenantID) first on the
// search_path of every session.
func WithTenantSchemaFormat(format string) OpenerOption {
	return func(o *Opener) {
		o.schemaFormat = format
	}
}

// WithOpenerLogger sets the logger for session lifecycle events.
func WithOpenerLogger(logger *slog.Logger) OpenerOption {
	return func(o *Opener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOpener creates an Opener on pool.
func NewOpener(pool *pgxpool.Pool, opts ...OpenerOption) (*Opener, error) {
	if pool == nil {
		return nil, ErrPoolNil
	}

	o := &Opener{pool: pool, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// TenantSchema returns the schema of tenantID for format.
func TenantSchema(format, tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	return fmt.Sprintf(format, tenantID), nil
}

// Open begins a transaction for opts.TenantID acting as opts.UserID.
// Both are exposed to SQL as current_setting('app.tenant_id') and
// current_setting('app.user_id').
func (o *Opener) Open(ctx context.Context, opts txn.Options) (txn.Session, error) {
	accessMode := pgx.ReadWrite
	if opts.ReadOnly {
		accessMode = pgx.ReadOnly
	}

	tx, err := o.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: accessMode,
	})
	if err != nil {
		return nil, errors.Join(ErrFailedToBeginTx, err)
	}

	if err := o.configure(ctx, tx, opts); err != nil {
		_ = tx.Rollback(ctx)
		return nil, errors.Join(ErrFailedToConfigureSession, err)
	}

	o.logger.DebugContext(ctx, "session opened",
		slog.String("tenant_id", opts.TenantID),
		slog.String("user_id", opts.UserID),
		slog.Bool("read_only", opts.ReadOnly))

	return &Session{
		ContextStack: txn.NewContextStack(opts.Context),
		tx:           tx,
		opts:         opts,
	}, nil
}

func (o *Opener) configure(ctx context.Context, tx pgx.Tx, opts txn.Options) error {
	if _, err := tx.Exec(ctx,
		"SELECT set_config('app.tenant_id', $1, true), set_config('app.user_id', $2, true)",
		opts.TenantID, opts.UserID,
	); err != nil {
		return err
	}

	if o.schemaFormat == "" {
		return nil
	}

	schema, err := TenantSchema(o.schemaFormat, opts.TenantID)
	if err != nil {
		return err
	}
	path := pgx.Identifier{schema}.Sanitize() + ", public"
	_, err = tx.Exec(ctx, "SELECT set_config('search_path', $1, true)", path)
	return err
}

// Session is a PostgreSQL transaction bound to a tenant and an acting user.
type Session struct {
	txn.ContextStack

	tx   pgx.Tx
	opts txn.Options
}

func (s *Session) TenantID() string { return s.opts.TenantID }
func (s *Session) UserID() string   { return s.opts.UserID }
func (s *Session) ReadOnly() bool   { return s.opts.ReadOnly }

// Tx returns the underlying transaction for queries.
func (s *Session) Tx() pgx.Tx { return s.tx }

// Commit commits the transaction. Serialization failures and deadlocks are
// reported as txn.ErrStorageConflict.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		if IsTxClosedError(err) {
			return txn.ErrSessionClosed
		}
		return ClassifyError("commit", err)
	}
	return nil
}

func (s *Session) Rollback(ctx context.Context) error {
	if err := s.tx.Rollback(ctx); err != nil {
		if IsTxClosedError(err) {
			return txn.ErrSessionClosed
		}
		return err
	}
	return nil
}

// TxFromContext returns the transaction of the PostgreSQL session in ctx.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	sess, ok := txn.FromContext(ctx)
	if !ok {
		return nil, false
	}
	pgSess, ok := sess.(*Session)
	if !ok {
		return nil, false
	}
	return pgSess.tx, true
}

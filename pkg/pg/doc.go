// Package pg provides the PostgreSQL side of deferred execution: a pgx/v5
// connection pool with retries, goose migrations, health checks and a
// txn.Opener that runs every session as a serializable transaction scoped to a
// tenant and an acting user.
//
// # Sessions
//
// Opener.Open begins a transaction and sets app.tenant_id and app.user_id as
// transaction-local settings, so row level security policies and triggers can
// read them with current_setting. With a tenant schema format configured the
// tenant's schema is put first on the search_path.
//
// Serialization failures (SQLSTATE 40001) and deadlocks (40P01) surface as
// txn.ErrStorageConflict, both from Session.Commit and from ClassifyError for
// errors raised by queries inside an operation:
//
//	tx, _ := pg.TxFromContext(ctx)
//	if _, err := tx.Exec(ctx, "UPDATE widgets SET active = true WHERE id = $1", id); err != nil {
//	    return nil, pg.ClassifyError("activate widget", err)
//	}
//
// # Usage
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, slog.Default()); err != nil {
//	    return err
//	}
//
//	opener, err := pg.NewOpener(pool, pg.WithTenantSchemaFormat(cfg.TenantSchemaFormat))
//
// All configuration values come from environment variables, see Config.
package pg

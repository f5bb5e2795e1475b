// Package logger builds *slog.Logger instances for deferkit processes.
//
// New takes functional options selecting the format (text or JSON), the
// level, static attributes and context extractors. Extractors run on every
// record, so the tenant and acting user of the active session are attached
// automatically once txn.LoggerExtractor is registered:
//
//	log := logger.New(
//	    logger.WithEnvironment(cfg.Env, cfg.AppName),
//	    logger.WithContextExtractors(txn.LoggerExtractor()),
//	)
//	logger.SetAsDefault(log)
//
//	log.InfoContext(ctx, "task executed",
//	    logger.TaskID(id),
//	    logger.Method("search"),
//	    logger.Duration(time.Since(start)),
//	)
//
// Config maps APP_ENV, APP_NAME and LOG_LEVEL onto options through FromConfig.
//
// The attribute helpers (TenantID, TaskID, Method, State, ...) keep key names
// identical across packages. Error and Errors return an empty attribute for
// nil errors, so they can be passed unconditionally.
package logger

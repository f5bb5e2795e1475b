// Package mongo connects to MongoDB for the mongo queue backend.
//
//	db, err := mongo.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer db.Client().Disconnect(context.Background())
//
//	storage, err := queue.NewMongoStorage(db)
//
// Connect retries up to Config.RetryAttempts times and returns the database
// named by Config.Database. Healthcheck returns a probe suitable for the
// worker's periodic checks.
package mongo

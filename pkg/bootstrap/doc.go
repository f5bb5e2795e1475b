// Package bootstrap wires the deferkit packages into runnable processes.
//
// Run starts a worker:
//
//	entities := entity.NewRegistry()
//	entities.MustRegister(invoices, customers)
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//
//	if err := bootstrap.Run(ctx, entities); err != nil {
//	    log.Fatal(err)
//	}
//
// The queue lives in Redis by default; QUEUE_BACKEND=mongo switches the
// worker to MongoDB. NewDispatcher builds the producer side on an existing
// Redis client, NewMongoDispatcher on an existing MongoDB database.
// Both read their settings from the environment unless a config is passed
// with WithConfig or WithProducerConfig, and both freeze the codec registry.
package bootstrap

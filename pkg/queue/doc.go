// Package queue provides a repository-agnostic task queue for opaque payloads
// with delayed execution, priorities, retries and a dead letter queue.
//
// The package is organised around two main components:
//
//   - Enqueuer: stores a Message as a pending Task
//   - Worker: claims due tasks and dispatches them to a Handler by task name
//
// Components interact only through small repository interfaces
// (EnqueuerRepository, WorkerRepository, ReaderRepository), keeping the
// business logic decoupled from persistence. MemoryStorage backs tests and
// local development; RedisStorage and MongoStorage back production workers.
//
// # Architecture
//
//  1. The payload is opaque bytes. ContentType tells the handler how to read it
//     and Headers carry addressing (tenant, acting user) next to it.
//  2. A Handler returns the result bytes or an error. A *RetryError (see Retry and
//     RetryWithBackoff) reschedules the task until RetryCount reaches MaxRetries;
//     any other error fails the task and copies it into the dead letter queue.
//  3. Failed and completed tasks stay readable through ReaderRepository so
//     producers can poll for status and results.
//  4. Queue name and Priority allow routing of high-value work to dedicated workers.
//
// # Usage
//
//	storage := queue.NewMemoryStorage()
//	defer storage.Close()
//
//	enq, _ := queue.NewEnqueuer(storage)
//	task, err := enq.Enqueue(ctx, queue.Message{
//	    Name:        "reports.render",
//	    ContentType: "application/json",
//	    Body:        []byte(`{"id":42}`),
//	}, queue.WithDelay(time.Minute))
//
//	w, _ := queue.NewWorker(storage, queue.WithMaxConcurrentTasks(4))
//	_ = w.RegisterHandler(queue.NewHandler("reports.render",
//	    func(ctx context.Context, t *queue.Task) ([]byte, error) {
//	        return render(ctx, t.Payload)
//	    }))
//
//	g.Go(w.Run(ctx))
//
// # Error Handling
//
// Package-level sentinel errors (e.g. ErrInvalidPriority, ErrNoHandlers) signal
// violations of business invariants and can be checked with errors.Is.
package queue

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	_ EnqueuerRepository = (*MongoStorage)(nil)
	_ WorkerRepository   = (*MongoStorage)(nil)
	_ ReaderRepository   = (*MongoStorage)(nil)
)

// MongoStorage implements the queue repositories on a MongoDB database.
//
// Tasks live in one collection keyed by task ID, dead letters in a second one
// named "<collection>_dlq". Claims are a single find-and-modify, so concurrent
// workers never receive the same task. Finished tasks carry an expire_at
// timestamp that a TTL index removes after the result TTL.
type MongoStorage struct {
	tasks     *mongo.Collection
	dlq       *mongo.Collection
	resultTTL time.Duration
}

// MongoStorageOption configures a MongoStorage.
type MongoStorageOption func(*mongoStorageOptions)

type mongoStorageOptions struct {
	collection string
	resultTTL  time.Duration
}

// WithCollection sets the task collection name.
func WithCollection(name string) MongoStorageOption {
	return func(o *mongoStorageOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithMongoResultTTL sets how long completed and failed tasks stay readable.
func WithMongoResultTTL(ttl time.Duration) MongoStorageOption {
	return func(o *mongoStorageOptions) {
		if ttl > 0 {
			o.resultTTL = ttl
		}
	}
}

// NewMongoStorage creates a storage on db. The caller owns the client lifecycle.
func NewMongoStorage(db *mongo.Database, opts ...MongoStorageOption) (*MongoStorage, error) {
	if db == nil {
		return nil, ErrRepositoryNil
	}

	o := &mongoStorageOptions{collection: "deferkit_tasks", resultTTL: time.Hour}
	for _, opt := range opts {
		opt(o)
	}

	return &MongoStorage{
		tasks:     db.Collection(o.collection),
		dlq:       db.Collection(o.collection + "_dlq"),
		resultTTL: o.resultTTL,
	}, nil
}

// EnsureIndexes creates the claim, lock recovery and result expiry indexes.
// It is idempotent.
func (s *MongoStorage) EnsureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "queue", Value: 1}, {Key: "priority", Value: -1}, {Key: "scheduled_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "locked_until", Value: 1}}},
		{Keys: bson.D{{Key: "expire_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return fmt.Errorf("queue/mongo: create task indexes: %w", err)
	}

	_, err = s.dlq.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "failed_at", Value: -1}}})
	if err != nil {
		return fmt.Errorf("queue/mongo: create dlq index: %w", err)
	}
	return nil
}

// mongoTask is the stored form of a Task.
type mongoTask struct {
	ID                string            `bson:"_id"`
	Queue             string            `bson:"queue"`
	TaskName          string            `bson:"task_name"`
	ContentType       string            `bson:"content_type,omitempty"`
	Headers           map[string]string `bson:"headers,omitempty"`
	Payload           []byte            `bson:"payload,omitempty"`
	Status            string            `bson:"status"`
	Priority          int32             `bson:"priority"`
	RetryCount        int32             `bson:"retry_count"`
	MaxRetries        int32             `bson:"max_retries"`
	ScheduledAt       time.Time         `bson:"scheduled_at"`
	VisibilityTimeout int64             `bson:"visibility_timeout_ms"`
	IgnoreResult      bool              `bson:"ignore_result"`
	LockedUntil       *time.Time        `bson:"locked_until,omitempty"`
	LockedBy          string            `bson:"locked_by,omitempty"`
	ProcessedAt       *time.Time        `bson:"processed_at,omitempty"`
	Error             *string           `bson:"error,omitempty"`
	Result            []byte            `bson:"result,omitempty"`
	CreatedAt         time.Time         `bson:"created_at"`
	ExpireAt          *time.Time        `bson:"expire_at,omitempty"`
}

func toMongoTask(t *Task) mongoTask {
	doc := mongoTask{
		ID:                t.ID.String(),
		Queue:             t.Queue,
		TaskName:          t.TaskName,
		ContentType:       t.ContentType,
		Headers:           t.Headers,
		Payload:           t.Payload,
		Status:            string(t.Status),
		Priority:          int32(t.Priority),
		RetryCount:        int32(t.RetryCount),
		MaxRetries:        int32(t.MaxRetries),
		ScheduledAt:       t.ScheduledAt,
		VisibilityTimeout: t.VisibilityTimeout.Milliseconds(),
		IgnoreResult:      t.IgnoreResult,
		Error:             t.Error,
		CreatedAt:         t.CreatedAt,
	}
	if doc.Status == "" {
		doc.Status = string(TaskStatusPending)
	}
	return doc
}

func (d mongoTask) task() (*Task, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("queue/mongo: parse task id: %w", err)
	}

	t := &Task{
		ID:                id,
		Queue:             d.Queue,
		TaskName:          d.TaskName,
		ContentType:       d.ContentType,
		Headers:           d.Headers,
		Payload:           d.Payload,
		Status:            TaskStatus(d.Status),
		Priority:          Priority(d.Priority),
		RetryCount:        int8(d.RetryCount),
		MaxRetries:        int8(d.MaxRetries),
		ScheduledAt:       d.ScheduledAt,
		VisibilityTimeout: time.Duration(d.VisibilityTimeout) * time.Millisecond,
		IgnoreResult:      d.IgnoreResult,
		LockedUntil:       d.LockedUntil,
		ProcessedAt:       d.ProcessedAt,
		Error:             d.Error,
		Result:            d.Result,
		CreatedAt:         d.CreatedAt,
	}
	if d.LockedBy != "" {
		if wid, err := uuid.Parse(d.LockedBy); err == nil {
			t.LockedBy = &wid
		}
	}
	return t, nil
}

// CreateTask implements EnqueuerRepository
func (s *MongoStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	if _, err := s.tasks.InsertOne(ctx, toMongoTask(task)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
		return fmt.Errorf("queue/mongo: create task: %w", err)
	}
	return nil
}

// GetTask implements ReaderRepository
func (s *MongoStorage) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	var doc mongoTask
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("queue/mongo: get task: %w", err)
	}
	return doc.task()
}

// ClaimTask implements WorkerRepository
//
// Tasks whose lock expired are released first. The claim itself is an
// update pipeline, so a task's own visibility timeout takes precedence over
// lockDuration without a second round trip.
func (s *MongoStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	now := time.Now()

	_, err := s.tasks.UpdateMany(ctx,
		bson.M{"status": string(TaskStatusProcessing), "locked_until": bson.M{"$lte": now}},
		bson.M{
			"$set":   bson.M{"status": string(TaskStatusPending)},
			"$unset": bson.M{"locked_until": "", "locked_by": ""},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("queue/mongo: release expired locks: %w", err)
	}

	filter := bson.M{
		"queue":        bson.M{"$in": queues},
		"status":       bson.M{"$in": bson.A{string(TaskStatusPending), string(TaskStatusRetrying)}},
		"scheduled_at": bson.M{"$lte": now},
	}
	lock := bson.M{"$cond": bson.A{
		bson.M{"$gt": bson.A{"$visibility_timeout_ms", 0}},
		"$visibility_timeout_ms",
		lockDuration.Milliseconds(),
	}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"status":       string(TaskStatusProcessing),
			"locked_by":    workerID.String(),
			"locked_until": bson.M{"$add": bson.A{now, lock}},
		}}},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "scheduled_at", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoTask
	if err := s.tasks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNoTaskToClaim
		}
		return nil, fmt.Errorf("queue/mongo: claim task: %w", err)
	}
	return doc.task()
}

// CompleteTask implements WorkerRepository
func (s *MongoStorage) CompleteTask(ctx context.Context, taskID uuid.UUID, result []byte) error {
	now := time.Now()
	return s.transition(ctx, taskID, "complete task", bson.M{
		"$set": bson.M{
			"status":       string(TaskStatusCompleted),
			"processed_at": now,
			"result":       result,
			"expire_at":    now.Add(s.resultTTL),
		},
		"$unset": bson.M{"locked_until": "", "locked_by": ""},
	})
}

// RetryTask implements WorkerRepository
func (s *MongoStorage) RetryTask(ctx context.Context, taskID uuid.UUID, errorMsg string, delay time.Duration) error {
	return s.transition(ctx, taskID, "retry task", bson.M{
		"$set": bson.M{
			"status":       string(TaskStatusRetrying),
			"error":        errorMsg,
			"scheduled_at": time.Now().Add(max(delay, 0)),
		},
		"$inc":   bson.M{"retry_count": 1},
		"$unset": bson.M{"locked_until": "", "locked_by": ""},
	})
}

// FailTask implements WorkerRepository
func (s *MongoStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	now := time.Now()
	return s.transition(ctx, taskID, "fail task", bson.M{
		"$set": bson.M{
			"status":       string(TaskStatusFailed),
			"error":        errorMsg,
			"processed_at": now,
			"expire_at":    now.Add(s.resultTTL),
		},
		"$unset": bson.M{"locked_until": "", "locked_by": ""},
	})
}

// MoveToDLQ implements WorkerRepository
func (s *MongoStorage) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	entry := newDLQEntry(task)
	doc := bson.M{
		"_id":          entry.ID.String(),
		"task_id":      entry.TaskID.String(),
		"queue":        entry.Queue,
		"task_name":    entry.TaskName,
		"content_type": entry.ContentType,
		"headers":      entry.Headers,
		"payload":      entry.Payload,
		"priority":     int32(entry.Priority),
		"error":        entry.Error,
		"retry_count":  int32(entry.RetryCount),
		"failed_at":    entry.FailedAt,
		"created_at":   entry.CreatedAt,
	}
	if _, err := s.dlq.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("queue/mongo: insert dlq entry: %w", err)
	}
	return nil
}

// ExtendLock implements WorkerRepository
func (s *MongoStorage) ExtendLock(ctx context.Context, taskID uuid.UUID, duration time.Duration) error {
	return s.transition(ctx, taskID, "extend lock", bson.M{
		"$set": bson.M{"locked_until": time.Now().Add(duration)},
	})
}

// DeadLetters returns up to limit dead letter entries, newest first.
func (s *MongoStorage) DeadLetters(ctx context.Context, limit int64) ([]*TasksDlq, error) {
	cur, err := s.dlq.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("queue/mongo: list dlq: %w", err)
	}

	var docs []struct {
		ID          string            `bson:"_id"`
		TaskID      string            `bson:"task_id"`
		Queue       string            `bson:"queue"`
		TaskName    string            `bson:"task_name"`
		ContentType string            `bson:"content_type"`
		Headers     map[string]string `bson:"headers"`
		Payload     []byte            `bson:"payload"`
		Priority    int32             `bson:"priority"`
		Error       string            `bson:"error"`
		RetryCount  int32             `bson:"retry_count"`
		FailedAt    time.Time         `bson:"failed_at"`
		CreatedAt   time.Time         `bson:"created_at"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("queue/mongo: decode dlq entries: %w", err)
	}

	out := make([]*TasksDlq, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("queue/mongo: parse dlq id: %w", err)
		}
		taskID, err := uuid.Parse(d.TaskID)
		if err != nil {
			return nil, fmt.Errorf("queue/mongo: parse dlq task id: %w", err)
		}
		out = append(out, &TasksDlq{
			ID:          id,
			TaskID:      taskID,
			Queue:       d.Queue,
			TaskName:    d.TaskName,
			ContentType: d.ContentType,
			Headers:     d.Headers,
			Payload:     d.Payload,
			Priority:    Priority(d.Priority),
			Error:       d.Error,
			RetryCount:  int8(d.RetryCount),
			FailedAt:    d.FailedAt,
			CreatedAt:   d.CreatedAt,
		})
	}
	return out, nil
}

// transition applies update to a task that is currently processing.
func (s *MongoStorage) transition(ctx context.Context, taskID uuid.UUID, op string, update bson.M) error {
	res, err := s.tasks.UpdateOne(ctx,
		bson.M{"_id": taskID.String(), "status": string(TaskStatusProcessing)},
		update,
	)
	if err != nil {
		return fmt.Errorf("queue/mongo: %s: %w", op, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := s.tasks.CountDocuments(ctx, bson.M{"_id": taskID.String()})
	if err != nil {
		return fmt.Errorf("queue/mongo: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return fmt.Errorf("%w: %s", ErrTaskNotProcessing, taskID)
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	_ EnqueuerRepository = (*RedisStorage)(nil)
	_ WorkerRepository   = (*RedisStorage)(nil)
	_ ReaderRepository   = (*RedisStorage)(nil)
)

// RedisStorage implements the queue repositories on a single Redis node.
//
// Layout under the key prefix:
//
//	task:<id>      hash with the task fields
//	ready:<queue>  zset of due tasks, scored by priority then due time
//	delayed        zset of tasks not yet due, scored by due time in ms
//	processing     zset of claimed tasks, scored by lock expiry in ms
//	dlq            list of JSON encoded TasksDlq entries, newest first
//
// Finished tasks expire after the result TTL.
type RedisStorage struct {
	client    redis.Cmdable
	prefix    string
	resultTTL time.Duration
}

// RedisStorageOption configures a RedisStorage.
type RedisStorageOption func(*RedisStorage)

// WithKeyPrefix sets the prefix of every key the storage touches.
func WithKeyPrefix(prefix string) RedisStorageOption {
	return func(s *RedisStorage) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithResultTTL sets how long completed and failed tasks stay readable.
func WithResultTTL(ttl time.Duration) RedisStorageOption {
	return func(s *RedisStorage) {
		if ttl > 0 {
			s.resultTTL = ttl
		}
	}
}

// NewRedisStorage creates a storage on client. The caller owns the client lifecycle.
func NewRedisStorage(client redis.Cmdable, opts ...RedisStorageOption) (*RedisStorage, error) {
	if client == nil {
		return nil, ErrRepositoryNil
	}

	s := &RedisStorage{
		client:    client,
		prefix:    "deferkit:queue",
		resultTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStorage) taskKey(id uuid.UUID) string { return s.key("task", id.String()) }
func (s *RedisStorage) readyKey(queue string) string {
	return s.key("ready", queue)
}

// readyScore orders ready tasks: higher priority first, then earliest due.
func readyScore(priority Priority, scheduledAt time.Time) float64 {
	return float64(-priority) + float64(scheduledAt.UnixMilli())/1e15
}

// CreateTask implements EnqueuerRepository
func (s *RedisStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	key := s.taskKey(task.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("queue/redis: create task exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(task))
	if task.ScheduledAt.After(time.Now()) {
		pipe.ZAdd(ctx, s.key("delayed"), redis.Z{Score: float64(task.ScheduledAt.UnixMilli()), Member: task.ID.String()})
	} else {
		pipe.ZAdd(ctx, s.readyKey(task.Queue), redis.Z{Score: readyScore(task.Priority, task.ScheduledAt), Member: task.ID.String()})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: create task: %w", err)
	}
	return nil
}

// GetTask implements ReaderRepository
func (s *RedisStorage) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	vals, err := s.client.HGetAll(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return mapToTask(vals)
}

// claimScript requeues tasks whose lock expired, promotes delayed tasks that
// are due, then pops the best ready task across the requested queues.
//
// KEYS[1] processing, KEYS[2] delayed, KEYS[3..] ready zsets.
// ARGV: now ms, default lock ms, worker id, key prefix.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[4]

local function requeue(id)
  local key = prefix .. ':task:' .. id
  if redis.call('EXISTS', key) == 0 then
    return
  end
  local fields = redis.call('HMGET', key, 'queue', 'priority', 'scheduled_at')
  local score = -tonumber(fields[2]) + tonumber(fields[3]) / 1e15
  redis.call('ZADD', prefix .. ':ready:' .. fields[1], score, id)
end

for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)) do
  redis.call('ZREM', KEYS[1], id)
  local key = prefix .. ':task:' .. id
  if redis.call('HGET', key, 'status') == 'processing' then
    redis.call('HSET', key, 'status', 'pending')
    redis.call('HDEL', key, 'locked_until', 'locked_by')
    requeue(id)
  end
end

for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)) do
  redis.call('ZREM', KEYS[2], id)
  requeue(id)
end

local best_key, best_id, best_score
for i = 3, #KEYS do
  local head = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
  if #head > 0 then
    local score = tonumber(head[2])
    if best_score == nil or score < best_score then
      best_key, best_id, best_score = KEYS[i], head[1], score
    end
  end
end
if best_id == nil then
  return false
end

redis.call('ZREM', best_key, best_id)
local key = prefix .. ':task:' .. best_id
local lock = tonumber(ARGV[2])
local vt = tonumber(redis.call('HGET', key, 'visibility_timeout') or '0')
if vt > 0 then
  lock = vt
end
redis.call('HSET', key, 'status', 'processing', 'locked_until', now + lock, 'locked_by', ARGV[3])
redis.call('ZADD', KEYS[1], now + lock, best_id)
return best_id
`)

// ClaimTask implements WorkerRepository
func (s *RedisStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	keys := make([]string, 0, len(queues)+2)
	keys = append(keys, s.key("processing"), s.key("delayed"))
	for _, q := range queues {
		keys = append(keys, s.readyKey(q))
	}

	id, err := claimScript.Run(ctx, s.client, keys,
		time.Now().UnixMilli(), lockDuration.Milliseconds(), workerID.String(), s.prefix,
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoTaskToClaim
		}
		return nil, fmt.Errorf("queue/redis: claim task: %w", err)
	}

	taskID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("queue/redis: claimed malformed task id %q: %w", id, err)
	}
	return s.GetTask(ctx, taskID)
}

// CompleteTask implements WorkerRepository
func (s *RedisStorage) CompleteTask(ctx context.Context, taskID uuid.UUID, result []byte) error {
	if err := s.ensureProcessing(ctx, taskID); err != nil {
		return err
	}

	key := s.taskKey(taskID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(TaskStatusCompleted),
		"processed_at", time.Now().UnixMilli(),
		"result", result,
	)
	pipe.HDel(ctx, key, "locked_until", "locked_by")
	pipe.ZRem(ctx, s.key("processing"), taskID.String())
	pipe.Expire(ctx, key, s.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: complete task: %w", err)
	}
	return nil
}

// RetryTask implements WorkerRepository
func (s *RedisStorage) RetryTask(ctx context.Context, taskID uuid.UUID, errorMsg string, delay time.Duration) error {
	if err := s.ensureProcessing(ctx, taskID); err != nil {
		return err
	}

	key := s.taskKey(taskID)
	due := time.Now().Add(max(delay, 0)).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(TaskStatusRetrying),
		"error", errorMsg,
		"scheduled_at", due,
	)
	pipe.HIncrBy(ctx, key, "retry_count", 1)
	pipe.HDel(ctx, key, "locked_until", "locked_by")
	pipe.ZRem(ctx, s.key("processing"), taskID.String())
	pipe.ZAdd(ctx, s.key("delayed"), redis.Z{Score: float64(due), Member: taskID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: retry task: %w", err)
	}
	return nil
}

// FailTask implements WorkerRepository
func (s *RedisStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	if err := s.ensureProcessing(ctx, taskID); err != nil {
		return err
	}

	key := s.taskKey(taskID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(TaskStatusFailed),
		"error", errorMsg,
		"processed_at", time.Now().UnixMilli(),
	)
	pipe.HDel(ctx, key, "locked_until", "locked_by")
	pipe.ZRem(ctx, s.key("processing"), taskID.String())
	pipe.Expire(ctx, key, s.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: fail task: %w", err)
	}
	return nil
}

// MoveToDLQ implements WorkerRepository
func (s *RedisStorage) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(newDLQEntry(task))
	if err != nil {
		return fmt.Errorf("queue/redis: marshal dlq entry: %w", err)
	}
	if err := s.client.LPush(ctx, s.key("dlq"), data).Err(); err != nil {
		return fmt.Errorf("queue/redis: push dlq: %w", err)
	}
	return nil
}

// ExtendLock implements WorkerRepository
func (s *RedisStorage) ExtendLock(ctx context.Context, taskID uuid.UUID, duration time.Duration) error {
	if err := s.ensureProcessing(ctx, taskID); err != nil {
		return err
	}

	until := time.Now().Add(duration).UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.taskKey(taskID), "locked_until", until)
	pipe.ZAddXX(ctx, s.key("processing"), redis.Z{Score: float64(until), Member: taskID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: extend lock: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit dead letter entries, newest first.
func (s *RedisStorage) DeadLetters(ctx context.Context, limit int64) ([]*TasksDlq, error) {
	raw, err := s.client.LRange(ctx, s.key("dlq"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue/redis: list dlq: %w", err)
	}

	out := make([]*TasksDlq, 0, len(raw))
	for _, r := range raw {
		var e TasksDlq
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("queue/redis: decode dlq entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *RedisStorage) ensureProcessing(ctx context.Context, taskID uuid.UUID) error {
	status, err := s.client.HGet(ctx, s.taskKey(taskID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("queue/redis: read status: %w", err)
	}
	if TaskStatus(status) != TaskStatusProcessing {
		return fmt.Errorf("%w: %s", ErrTaskNotProcessing, taskID)
	}
	return nil
}

func taskToMap(t *Task) map[string]any {
	m := map[string]any{
		"id":                 t.ID.String(),
		"queue":              t.Queue,
		"task_name":          t.TaskName,
		"content_type":       t.ContentType,
		"payload":            t.Payload,
		"status":             string(t.Status),
		"priority":           strconv.Itoa(int(t.Priority)),
		"retry_count":        strconv.Itoa(int(t.RetryCount)),
		"max_retries":        strconv.Itoa(int(t.MaxRetries)),
		"scheduled_at":       t.ScheduledAt.UnixMilli(),
		"visibility_timeout": t.VisibilityTimeout.Milliseconds(),
		"ignore_result":      strconv.FormatBool(t.IgnoreResult),
		"created_at":         t.CreatedAt.UnixMilli(),
	}
	if len(t.Headers) > 0 {
		headers, _ := json.Marshal(t.Headers) //nolint:errcheck // map[string]string always marshals
		m["headers"] = string(headers)
	}
	if t.Error != nil {
		m["error"] = *t.Error
	}
	return m
}

func mapToTask(m map[string]string) (*Task, error) {
	id, err := uuid.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("queue/redis: parse task id: %w", err)
	}

	// Numeric fields are written by taskToMap; zero is a safe fallback.
	priority, _ := strconv.Atoi(m["priority"])
	retryCount, _ := strconv.Atoi(m["retry_count"])
	maxRetries, _ := strconv.Atoi(m["max_retries"])
	visibility, _ := strconv.ParseInt(m["visibility_timeout"], 10, 64)
	ignoreResult, _ := strconv.ParseBool(m["ignore_result"])

	t := &Task{
		ID:                id,
		Queue:             m["queue"],
		TaskName:          m["task_name"],
		ContentType:       m["content_type"],
		Payload:           []byte(m["payload"]),
		Status:            TaskStatus(m["status"]),
		Priority:          Priority(priority),
		RetryCount:        int8(retryCount),
		MaxRetries:        int8(maxRetries),
		ScheduledAt:       millis(m["scheduled_at"]),
		VisibilityTimeout: time.Duration(visibility) * time.Millisecond,
		IgnoreResult:      ignoreResult,
		CreatedAt:         millis(m["created_at"]),
	}

	if v := m["headers"]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.Headers); err != nil {
			return nil, fmt.Errorf("queue/redis: parse headers: %w", err)
		}
	}
	if v, ok := m["error"]; ok {
		t.Error = &v
	}
	if v, ok := m["result"]; ok && v != "" {
		t.Result = []byte(v)
	}
	if v := m["locked_until"]; v != "" {
		at := millis(v)
		t.LockedUntil = &at
	}
	if v := m["locked_by"]; v != "" {
		if wid, err := uuid.Parse(v); err == nil {
			t.LockedBy = &wid
		}
	}
	if v := m["processed_at"]; v != "" {
		at := millis(v)
		t.ProcessedAt = &at
	}

	return t, nil
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

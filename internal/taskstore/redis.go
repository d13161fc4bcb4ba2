package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"genstudio/internal/domain"
)

const maxTxRetries = 16

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisOptions configures key naming.
type RedisOptions struct {
	// Prefix is prepended to every key. Defaults to "genstudio:".
	Prefix string
}

// RedisStore keeps each task as a JSON string under {prefix}task:{id} and the
// ids of non-terminal tasks in the set {prefix}tasks:active. Updates run as
// WATCH/MULTI transactions on the single task key.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore takes ownership of client; Close closes it.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "genstudio:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) taskKey(id string) string {
	return s.prefix + "task:" + id
}

func (s *RedisStore) activeKey() string {
	return s.prefix + "tasks:active"
}

func (s *RedisStore) Create(ctx context.Context, task domain.Task) error {
	if err := checkID(task.ID); err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.taskKey(task.ID), data, 0).Result()
	if err != nil {
		return s.wrap(err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", task.ID, ErrDuplicateTask)
	}
	if !task.Status.Terminal() {
		if err := s.client.SAdd(ctx, s.activeKey(), task.ID).Err(); err != nil {
			return s.wrap(err)
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (domain.Task, error) {
	if err := checkID(id); err != nil {
		return domain.Task{}, err
	}
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) Update(ctx context.Context, id string, fn Mutator) (domain.Task, error) {
	if err := checkID(id); err != nil {
		return domain.Task{}, err
	}
	key := s.taskKey(id)
	var out domain.Task

	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		next, changed, err := apply(cur, fn, s.now)
		out = next
		if err != nil || !changed {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if next.Status.Terminal() {
				pipe.SRem(ctx, s.activeKey(), id)
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return out, s.wrap(err)
		}
		return out, nil
	}
	return out, fmt.Errorf("update task %s: too much contention", id)
}

func (s *RedisStore) ListActive(ctx context.Context) ([]domain.Task, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, s.wrap(err)
	}
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.get(ctx, s.client, id)
		if errors.Is(err, domain.ErrNotFound) {
			s.client.SRem(ctx, s.activeKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			s.client.SRem(ctx, s.activeKey(), id)
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.wrap(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, id string) (domain.Task, error) {
	data, err := c.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, s.wrap(err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	if task.Logs == nil {
		task.Logs = []string{}
	}
	return task, nil
}

func (s *RedisStore) wrap(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrStoreClosed
	}
	return err
}

var _ Store = (*RedisStore)(nil)

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	redisTasksKey = "whiskd:tasks"
	redisSeqKey   = "whiskd:tasks:seq"
)

// redisStore keeps tasks in a Redis hash keyed by task ID.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and marks tasks left running by a previous
// process as errored, mirroring the file store's restart behavior.
func NewRedisStore(ctx context.Context, addr string) (Store, error) { //nolint:ireturn
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	s := &redisStore{client: client}
	if err := s.failRunning(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *redisStore) failRunning(ctx context.Context) error {
	all, err := s.client.HGetAll(ctx, redisTasksKey).Result()
	if err != nil {
		return fmt.Errorf("scan tasks: %w", err)
	}
	for _, raw := range all {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.Status != StatusRunning {
			continue
		}
		t.Status = StatusError
		t.ErrorMessage = "Interrupted by restart"
		if err := s.save(ctx, &t); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) save(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.HSet(ctx, redisTasksKey, t.ID, raw).Err(); err != nil {
		return fmt.Errorf("hset task: %w", err)
	}
	return nil
}

func (s *redisStore) load(ctx context.Context, id string) (*Task, error) {
	raw, err := s.client.HGet(ctx, redisTasksKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("hget task: %w", err)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	return &t, nil
}

func (s *redisStore) List(ctx context.Context) ([]*Task, error) {
	all, err := s.client.HGetAll(ctx, redisTasksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(all))
	for _, raw := range all {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.load(ctx, id)
}

func (s *redisStore) Add(ctx context.Context, t *Task) error {
	if t.Prompt == "" {
		return ErrEmptyPrompt
	}
	if t.ImagesPerPrompt < 1 {
		t.ImagesPerPrompt = 1
	}
	if t.ImagesPerPrompt > 4 {
		return ErrTooManyImages
	}
	seq, err := s.client.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	t.Seq = int(seq)
	return s.save(ctx, t)
}

func (s *redisStore) Update(ctx context.Context, id string, u Update) (*Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	u.apply(t)
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, redisTasksKey, id).Result()
	if err != nil {
		return fmt.Errorf("hdel task: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, redisTasksKey, redisSeqKey).Err(); err != nil {
		return fmt.Errorf("del tasks: %w", err)
	}
	return nil
}

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

const txRetries = 10

// redisStore keeps one JSON record per job under job:<id> with a TTL.
// Update uses WATCH-based optimistic transactions for per-key atomicity.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) Store {
	return &redisStore{client: client, ttl: ttl}
}

// NewRedisStoreFromURL connects from a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

func key(id string) string { return "job:" + id }

func (s *redisStore) Create(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key(j.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errdefs.NotFound("job %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

func (s *redisStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	k := key(id)
	var updated *Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return errdefs.NotFound("job %q not found", id)
		}
		if err != nil {
			return err
		}

		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}

		if err := fn(&j); err != nil {
			if errors.Is(err, ErrSkip) {
				updated = &j
			}
			return err
		}
		j.UpdatedAt = time.Now().UTC()

		buf, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, buf, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = &j
		}
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue // key changed under us, retry
		}
		return updated, err
	}
	return nil, fmt.Errorf("job %s: update contention exceeded %d retries", id, txRetries)
}

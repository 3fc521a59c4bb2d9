package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// statsRetries bounds optimistic retries of the statistics read-modify-write.
const statsRetries = 32

// RedisStore keeps state in Redis under a common key prefix. Read-modify-write
// sequences run inside WATCH/MULTI so concurrent writers are detected.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// OpenRedis parses url, connects and pings the server.
func OpenRedis(ctx context.Context, url string, dialTimeout time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if dialTimeout > 0 {
		opt.DialTimeout = dialTimeout
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewRedisStore returns a store using rdb with every key prefixed by prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) LoadJob(ctx context.Context) (*Job, error) {
	job, err := getJSON[Job](ctx, s.rdb, s.key(KeyJob))
	if errors.Is(err, errDecode) {
		return nil, fmt.Errorf("%w: %w", ErrCorruptJob, err)
	}
	return job, err
}

func (s *RedisStore) SaveJob(ctx context.Context, job *Job) error {
	key := s.key(KeyJob)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := getJSON[Job](ctx, tx, key)
		if err != nil && !errors.Is(err, errDecode) {
			return err
		}
		var version int64
		if current != nil {
			version = current.Version
		}
		if version != job.Version {
			return ErrConflict
		}

		next := cloneJob(job)
		next.Version++
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	job.Version++
	return nil
}

func (s *RedisStore) LoadStats(ctx context.Context) (Stats, error) {
	st, err := getJSON[Stats](ctx, s.rdb, s.key(KeyStats))
	if err != nil || st == nil {
		return Stats{}, err
	}
	return *st, nil
}

func (s *RedisStore) UpdateStats(ctx context.Context, mutate func(*Stats)) (Stats, error) {
	key := s.key(KeyStats)
	var result Stats
	for i := 0; i < statsRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := getJSON[Stats](ctx, tx, key)
			if err != nil {
				return err
			}
			var st Stats
			if current != nil {
				st = *current
			}
			mutate(&st)
			payload, err := json.Marshal(st)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err == nil {
				result = st
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return Stats{}, fmt.Errorf("update stats: %w", ErrConflict)
}

func (s *RedisStore) MarkOptimized(ctx context.Context, itemID string, at time.Time) error {
	return s.rdb.Set(ctx, s.key(KeyMarkerSpace+itemID), at.UTC().Format(time.RFC3339Nano), 0).Err()
}

func (s *RedisStore) OptimizedAt(ctx context.Context, itemID string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(KeyMarkerSpace+itemID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// A marker is present even if its payload is unreadable.
		return time.Time{}, true, nil
	}
	return at, true, nil
}

func (s *RedisStore) IsOptimized(ctx context.Context, itemID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(KeyMarkerSpace+itemID)).Result()
	return n > 0, err
}

func (s *RedisStore) PutNotice(ctx context.Context, n Notice, ttl time.Duration) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(KeyNotice), payload, ttl).Err()
}

func (s *RedisStore) TakeNotice(ctx context.Context) (*Notice, error) {
	data, err := s.rdb.GetDel(ctx, s.key(KeyNotice)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	key := s.key(KeyJobLease)
	ok, err := s.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	holder, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = s.rdb.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		return ErrLeaseHeld
	}
	if err != nil {
		return err
	}
	if holder != owner {
		return ErrLeaseHeld
	}
	return s.rdb.PExpire(ctx, key, ttl).Err()
}

func (s *RedisStore) ReleaseLease(ctx context.Context, owner string) error {
	key := s.key(KeyJobLease)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if holder != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

var errDecode = errors.New("decode")

// getter is satisfied by both clients and WATCH transactions.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w %s: %w", errDecode, key, err)
	}
	return &v, nil
}

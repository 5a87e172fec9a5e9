package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// ErrContention is returned when a record kept changing under every
// optimistic transaction attempt.
var ErrContention = errors.New("circuit record update contended")

// Redis store defaults.
const (
	DefaultRedisPrefix     = "avaroute:circuit:"
	DefaultRedisTxAttempts = 8
	defaultScanCount       = 100
)

// RedisStore shares circuit records between processes. Each record is a
// JSON value under prefix+id, updated with WATCH/MULTI/EXEC. Redis calls go
// through a gobreaker so an unreachable Redis fails fast.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	txAttempts int
	guard      *gobreaker.CircuitBreaker
	logger     observability.Logger
}

// RedisOption is a functional option for configuring the Redis store.
type RedisOption func(*redisSettings)

type redisSettings struct {
	prefix       string
	txAttempts   int
	logger       observability.Logger
	guardTrips   uint32
	guardTimeout time.Duration
}

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *redisSettings) {
		s.prefix = prefix
	}
}

// WithRedisTxAttempts sets how many optimistic transactions are tried.
func WithRedisTxAttempts(n int) RedisOption {
	return func(s *redisSettings) {
		s.txAttempts = n
	}
}

// WithRedisLogger sets the logger for the Redis store.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(s *redisSettings) {
		s.logger = logger
	}
}

// WithRedisGuard sets the consecutive Redis errors that trip the guard and
// how long it stays open.
func WithRedisGuard(trips uint32, timeout time.Duration) RedisOption {
	return func(s *redisSettings) {
		s.guardTrips = trips
		s.guardTimeout = timeout
	}
}

// NewRedisStore creates a Redis-backed store over an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	settings := redisSettings{
		prefix:       DefaultRedisPrefix,
		txAttempts:   DefaultRedisTxAttempts,
		logger:       observability.NopLogger(),
		guardTrips:   3,
		guardTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.txAttempts < 1 {
		settings.txAttempts = 1
	}

	s := &RedisStore{
		client:     client,
		prefix:     settings.prefix,
		txAttempts: settings.txAttempts,
		logger:     settings.logger,
	}

	trips := settings.guardTrips
	s.guard = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "circuit-store",
		MaxRequests: 1,
		Timeout:     settings.guardTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrContention) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("redis circuit store guard state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return s
}

// NewRedisClient creates a client from address settings.
func NewRedisClient(addr, password string, db int, timeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   1,
	})
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (prev, next Record, err error) {
	if err := ctx.Err(); err != nil {
		return Record{}, Record{}, err
	}

	key := s.key(id)
	_, err = s.guard.Execute(func() (interface{}, error) {
		for attempt := 0; attempt < s.txAttempts; attempt++ {
			txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
				current, exists, err := s.read(ctx, tx, key)
				if err != nil {
					return err
				}

				updated, persist := fn(current, exists)
				prev, next = current, updated
				if !persist {
					return nil
				}

				data, err := json.Marshal(updated)
				if err != nil {
					return fmt.Errorf("failed to encode circuit record: %w", err)
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, data, 0)
					return nil
				})
				return err
			}, key)

			if txErr == nil {
				return nil, nil
			}
			if !errors.Is(txErr, redis.TxFailedErr) {
				return nil, txErr
			}
		}
		return nil, ErrContention
	})
	if err != nil {
		return Record{}, Record{}, fmt.Errorf("redis circuit update %s: %w", id, err)
	}
	return prev, next, nil
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable, key string) (Record, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt record is treated as absent and overwritten.
		s.logger.Warn("discarding malformed circuit record",
			observability.String("key", key),
			observability.Error(err),
		)
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (Record, bool, error) {
	var (
		rec    Record
		exists bool
	)
	_, err := s.guard.Execute(func() (interface{}, error) {
		var err error
		rec, exists, err = s.read(ctx, s.client, s.key(id))
		return nil, err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("redis circuit get %s: %w", id, err)
	}
	return rec, exists, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.guard.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, s.key(id)).Err()
	})
	if err != nil {
		return fmt.Errorf("redis circuit delete %s: %w", id, err)
	}
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) (map[string]Record, error) {
	out := make(map[string]Record)
	_, err := s.guard.Execute(func() (interface{}, error) {
		iter := s.client.Scan(ctx, 0, s.prefix+"*", defaultScanCount).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			rec, exists, err := s.read(ctx, s.client, key)
			if err != nil {
				return nil, err
			}
			if exists {
				out[key[len(s.prefix):]] = rec
			}
		}
		return nil, iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("redis circuit list: %w", err)
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

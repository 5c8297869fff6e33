package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/pairing/types"
)

// Storage bundles the store client with the key layout and the clock every component reads time from.
type Storage struct {
	Namespace string
	Client    redis.UniversalClient
	Keys      Keys
	Log       zerolog.Logger
	Clock     func() time.Time
}

type Options = redis.Options

func NewRedisStorage(options Options, namespace string, logger zerolog.Logger) *Storage {
	return NewStorageFromClient(redis.NewClient(&options), namespace, logger)
}

// NewStorageFromClient wraps an existing client, which is how tests plug in miniredis.
func NewStorageFromClient(client redis.UniversalClient, namespace string, logger zerolog.Logger) *Storage {
	return &Storage{
		Namespace: namespace,
		Client:    client,
		Keys:      NewKeys(namespace),
		Log:       logger,
		Clock:     time.Now,
	}
}

func (s *Storage) Now() time.Time {
	return s.Clock()
}

// NowMs returns the current time in unix milliseconds, the unit of every stored timestamp.
func (s *Storage) NowMs() int64 {
	return s.Clock().UnixMilli()
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.Client.Ping(ctx).Err(); err != nil {
		return Unavailable(err, "ping failed")
	}
	return nil
}

func (s *Storage) Close() error {
	log.Info().Msg("Closing storage connection.")
	if err := s.Client.Close(); err != nil {
		return eris.Wrap(err, "")
	}
	log.Info().Msg("Successfully closed storage connection.")
	return nil
}

// IsNil reports whether err is the client's "key does not exist" reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Unavailable wraps a client error as types.ErrStoreUnavailable.
func Unavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return eris.Wrapf(types.ErrStoreUnavailable, "%s: %v", msg, err)
}

// ParseMillis parses a stored millisecond timestamp, rejecting anything that is not a positive integer.
func ParseMillis(s string) (int64, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(types.ErrCorruptRecord, "invalid timestamp %q", s)
	}
	if ms <= 0 {
		return 0, eris.Wrapf(types.ErrCorruptRecord, "non positive timestamp %d", ms)
	}
	return ms, nil
}

// ScanKeys iterates over every key matching pattern and calls fn once per key.
func (s *Storage) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.Client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return Unavailable(err, "scan "+pattern)
		}
		for _, key := range keys {
			// SCAN may return a key more than once.
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if err := fn(key); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

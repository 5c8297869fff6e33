package pairing

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/pairing/room"
)

// Option augments how a Coordinator is built.
type Option func(*Coordinator)

// WithRedisClient uses client instead of dialing the configured address. The caller keeps ownership of it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *Coordinator) {
		c.client = client
	}
}

// WithRoomProvider replaces the provider built from ROOM_PROVIDER_URL.
func WithRoomProvider(p room.Provider) Option {
	return func(c *Coordinator) {
		c.rooms = p
	}
}

// WithClock sets the clock every stored timestamp is read from.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithLogger replaces the logger built from PAIRING_LOG_LEVEL and PAIRING_LOG_FORMAT.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = &logger
	}
}

func WithPort(port string) Option {
	return func(c *Coordinator) {
		c.opts.Port = port
	}
}

func WithNamespace(namespace string) Option {
	return func(c *Coordinator) {
		c.opts.Namespace = namespace
	}
}

// WithOptions edits the resolved options after the environment has been applied.
func WithOptions(fn func(*Options)) Option {
	return func(c *Coordinator) {
		fn(&c.opts)
	}
}

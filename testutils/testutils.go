// Package testutils wires a miniredis backed store and a controllable clock for package tests.
package testutils

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	storage "pkg.world.dev/world-engine/pairing/storage/redis"
)

// Clock is a manual clock. Advancing it also fast forwards miniredis so key TTLs expire in step.
type Clock struct {
	mu  sync.Mutex
	now time.Time
	mr  *miniredis.Miniredis
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	if c.mr != nil {
		c.mr.FastForward(d)
	}
}

type Env struct {
	Storage *storage.Storage
	Redis   *miniredis.Miniredis
	Client  *redis.Client
	Clock   *Clock
}

// NewEnv starts miniredis and returns a storage whose clock starts at a fixed instant.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &Clock{now: time.UnixMilli(1_700_000_000_000), mr: mr}
	mr.SetTime(clock.now)

	s := storage.NewStorageFromClient(client, "test", zerolog.Nop())
	s.Clock = clock.Now
	return &Env{Storage: s, Redis: mr, Client: client, Clock: clock}
}

// AssertNilErrorWithTrace fails the test and prints the eris stack when err is not nil.
func AssertNilErrorWithTrace(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		require.NoError(t, err, eris.ToString(err, true))
	}
}

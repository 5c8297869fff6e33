package pairing

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.world.dev/world-engine/pairing/room"
	"pkg.world.dev/world-engine/pairing/service"
)

func newClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return strconv.Itoa(port)
}

func TestNewAppliesEnvironment(t *testing.T) {
	t.Setenv("PAIRING_PORT", "5050")
	t.Setenv("PAIRING_NAMESPACE", "staging")
	t.Setenv("PAIRING_HEARTBEAT_TTL_SECONDS", "3")
	t.Setenv("PAIRING_LOCK_STALE_MS", "2500")
	t.Setenv("PAIRING_ADMIN_ROUTES", "false")
	t.Setenv("SENTRY_DSN", "https://public@sentry.example.com/1")
	t.Setenv("SENTRY_ENV", "DEV")

	c, err := New(WithRedisClient(newClient(t)), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.Equal(t, "5050", c.opts.Port)
	assert.Equal(t, "staging", c.storage.Namespace)
	assert.Equal(t, 3*time.Second, c.opts.Service.HeartbeatTTL)
	assert.Equal(t, 2500*time.Millisecond, c.opts.Service.LockStaleAfter)
	assert.Equal(t, service.DefaultConfig().MatchTTL, c.opts.Service.MatchTTL)
	assert.False(t, c.opts.AdminRoutes)
	assert.Equal(t, "https://public@sentry.example.com/1", c.opts.SentryDSN)
	assert.Equal(t, "DEV", c.opts.SentryEnvironment)
	assert.IsType(t, room.NopProvider{}, c.rooms)
	require.NoError(t, c.Close())
}

func TestOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("PAIRING_PORT", "5050")
	now := time.UnixMilli(1_700_000_000_000)

	c, err := New(
		WithRedisClient(newClient(t)),
		WithLogger(zerolog.Nop()),
		WithPort("6060"),
		WithNamespace("test"),
		WithClock(func() time.Time { return now }),
		WithOptions(func(o *Options) { o.Service.ProcessBatch = 10 }),
	)
	require.NoError(t, err)
	assert.Equal(t, "6060", c.opts.Port)
	assert.Equal(t, 10, c.opts.Service.ProcessBatch)
	assert.Equal(t, now.UnixMilli(), c.storage.NowMs())
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Run("log format", func(t *testing.T) {
		t.Setenv("PAIRING_LOG_FORMAT", "xml")
		_, err := New(WithRedisClient(newClient(t)))
		require.Error(t, err)
	})
	t.Run("batch", func(t *testing.T) {
		_, err := New(WithRedisClient(newClient(t)), WithOptions(func(o *Options) { o.Service.ProcessBatch = 1 }))
		require.ErrorContains(t, err, "process batch")
	})
	t.Run("interval", func(t *testing.T) {
		t.Setenv("PAIRING_ALONE_SWEEP_MS", "0")
		_, err := New(WithRedisClient(newClient(t)))
		require.ErrorContains(t, err, "alone sweep")
	})
	t.Run("env", func(t *testing.T) {
		t.Setenv("PAIRING_PROCESS_BATCH", "many")
		_, err := New(WithRedisClient(newClient(t)))
		require.ErrorContains(t, err, "failed to load config")
	})
}

func TestNewBuildsHTTPRoomProvider(t *testing.T) {
	t.Setenv("ROOM_PROVIDER_URL", "https://rooms.example.com")
	t.Setenv("ROOM_PROVIDER_API_KEY", "secret")

	c, err := New(WithRedisClient(newClient(t)), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.IsType(t, &room.HTTPProvider{}, c.rooms)
}

func TestRunPairsUsersUntilCancelled(t *testing.T) {
	port := freePort(t)
	c, err := New(
		WithRedisClient(newClient(t)),
		WithLogger(zerolog.Nop()),
		WithPort(port),
		// Pairing must come from the join trigger, not the ticker.
		WithOptions(func(o *Options) { o.ProcessInterval = time.Hour }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	base := "http://127.0.0.1:" + port
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	for _, id := range []string{"alice", "bob"} {
		bz, err := json.Marshal(map[string]any{"userId": id})
		require.NoError(t, err)
		resp, err := http.Post(base+"/queue/join", "application/json", bytes.NewReader(bz))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}

	require.Eventually(t, func() bool {
		status, err := c.Service().CheckMatchStatus(context.Background(), "alice")
		return err == nil && status.Status == service.StatusMatched && status.PartnerID == "bob"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

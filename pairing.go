// Package pairing is the matchmaking and presence coordinator. It pairs waiting users into two-party rooms,
// tracks their liveness and repairs the shared state it keeps in redis.
package pairing

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/pairing/room"
	"pkg.world.dev/world-engine/pairing/server"
	"pkg.world.dev/world-engine/pairing/service"
	"pkg.world.dev/world-engine/pairing/statsd"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/telemetry"
	"pkg.world.dev/world-engine/pairing/telemetry/sentry"
)

type Coordinator struct {
	opts       Options
	instanceID string

	// Set through options.
	client redis.UniversalClient
	rooms  room.Provider
	clock  func() time.Time
	logger *zerolog.Logger

	storage *storage.Storage
	svc     *service.Service
	server  *server.Server
	log     zerolog.Logger
}

// New builds a coordinator from the environment and opts. Nothing runs until Start or Run is called.
func New(opts ...Option) (*Coordinator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load config")
	}
	c := &Coordinator{opts: newDefaultOptions(), instanceID: uuid.NewString()}
	c.opts.applyConfig(cfg)
	for _, opt := range opts {
		opt(c)
	}
	if err := c.opts.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid coordinator options")
	}

	if c.logger != nil {
		c.log = *c.logger
	} else {
		c.log, err = telemetry.NewLogger(c.opts.LogLevel, c.opts.LogFormat)
		if err != nil {
			return nil, err
		}
		log.Logger = c.log
	}
	c.log = c.log.With().Str("instance", c.instanceID).Logger()

	if c.client != nil {
		c.storage = storage.NewStorageFromClient(c.client, c.opts.Namespace, c.log)
	} else {
		c.storage = storage.NewRedisStorage(c.opts.Redis, c.opts.Namespace, c.log)
	}
	if c.clock != nil {
		c.storage.Clock = c.clock
	}

	if c.rooms == nil {
		c.rooms, err = c.newRoomProvider()
		if err != nil {
			return nil, err
		}
	}

	c.svc = service.New(c.storage, c.rooms, c.opts.Service, c.instanceID)
	c.server, err = server.New(c.svc, server.WithPort(c.opts.Port), server.WithAdminRoutes(c.opts.AdminRoutes))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create server")
	}
	return c, nil
}

func (c *Coordinator) newRoomProvider() (room.Provider, error) {
	if c.opts.RoomProviderURL == "" {
		c.log.Info().Msg("No room provider configured, rooms are not deleted remotely")
		return room.NopProvider{}, nil
	}
	p, err := room.NewHTTPProvider(c.opts.RoomProviderURL, c.opts.RoomProviderAPIKey, c.log)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create room provider")
	}
	return p, nil
}

// Service exposes the coordinator operations for in-process callers.
func (c *Coordinator) Service() *service.Service {
	return c.svc
}

// Start runs the coordinator until SIGINT or SIGTERM.
func (c *Coordinator) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return c.Run(ctx)
}

// Run serves HTTP and drives the processor, the alone sweep and the reconciler until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	err := sentry.New(sentry.Options{
		DSN:         c.opts.SentryDSN,
		Environment: c.opts.SentryEnvironment,
		Tags:        map[string]string{"namespace": c.opts.Namespace, "instance": c.instanceID},
	})
	if err != nil {
		return err
	}
	defer sentry.RecoverAndFlush(true)

	if err := c.svc.Health(ctx); err != nil {
		return eris.Wrap(err, "store is not reachable")
	}

	if c.opts.StatsdAddress != "" {
		if err := statsd.Init(c.opts.StatsdAddress, c.opts.StatsdTags); err != nil {
			return eris.Wrap(err, "failed to init statsd")
		}
		defer func() {
			if err := statsd.Close(); err != nil {
				c.log.Error().Err(err).Msg("failed to close statsd")
			}
		}()
	}
	tm, err := telemetry.New(c.opts.TraceEnabled, c.opts.ProfilerEnabled)
	if err != nil {
		return eris.Wrap(err, "failed to init telemetry")
	}
	defer func() {
		if err := tm.Shutdown(); err != nil {
			c.log.Error().Err(err).Msg("failed to shut down telemetry")
		}
	}()

	c.log.Info().
		Str("namespace", c.opts.Namespace).
		Dur("process_interval", c.opts.ProcessInterval).
		Dur("alone_sweep", c.opts.AloneSweepInterval).
		Dur("reconcile_interval", c.opts.ReconcileInterval).
		Msg("Starting coordinator")

	g, ctx := errgroup.WithContext(ctx)
	for _, run := range []func() error{
		func() error { return c.server.Serve(ctx) },
		func() error { return c.svc.RunProcessor(ctx, c.opts.ProcessInterval) },
		func() error { return c.svc.RunAloneSweep(ctx, c.opts.AloneSweepInterval) },
		func() error { return c.svc.RunReconciler(ctx, c.opts.ReconcileInterval) },
	} {
		run := run
		g.Go(func() error {
			defer sentry.RecoverAndFlush(true)
			return run()
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.log.Info().Msg("Coordinator stopped")
	return err
}

// Close releases the store connection unless the client was supplied through WithRedisClient.
func (c *Coordinator) Close() error {
	if c.client != nil {
		return nil
	}
	return c.storage.Close()
}

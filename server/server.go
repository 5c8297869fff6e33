package server

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/pairing/server/handler"
	"pkg.world.dev/world-engine/pairing/service"
)

const (
	defaultPort     = "4040"
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	app   *fiber.App
	svc   *service.Service
	port  string
	admin bool
}

// New returns an HTTP server exposing the coordinator operations of svc.
func New(svc *service.Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, eris.New("server requires a non-nil service")
	}

	app := fiber.New(fiber.Config{
		Network:               "tcp", // Enable server listening on both ipv4 & ipv6 (default: ipv4 only)
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	s := &Server{
		app:   app,
		svc:   svc,
		port:  defaultPort,
		admin: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()

	return s, nil
}

// Serve serves the application, blocking the calling thread until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		log.Info().Msgf("Starting HTTP server at port %s", s.port)
		if err := s.app.Listen(":" + s.port); err != nil {
			serverErr <- eris.Wrap(err, "error starting http server")
		}
	}()

	select {
	case err := <-serverErr:
		return eris.Wrap(err, "server encountered an error")
	case <-ctx.Done():
		if err := s.shutdown(); err != nil {
			return eris.Wrap(err, "error shutting down server")
		}
	}
	return nil
}

// shutdown gracefully shuts down the server. Open websocket handlers see their connection close.
func (s *Server) shutdown() error {
	log.Info().Msg("Shutting down server")
	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return eris.Wrap(err, "error shutting down server")
	}
	log.Info().Msg("Successfully shut down server")
	return nil
}

func (s *Server) setupRoutes() {
	// Route: /events/:userId
	s.app.Use("/events", handler.WebSocketUpgrader)
	s.app.Get("/events/:userId", handler.WebSocketSignals(s.svc))

	s.app.Get("/health", handler.GetHealth(s.svc))

	// Route: /queue/...
	q := s.app.Group("/queue")
	q.Post("/join", handler.PostJoinQueue(s.svc))
	q.Post("/leave", handler.PostLeaveQueue(s.svc))

	s.app.Get("/match/:userId", handler.GetMatchStatus(s.svc))
	s.app.Post("/heartbeat", handler.PostHeartbeat(s.svc))
	s.app.Get("/left-behind/:userId", handler.GetLeftBehind(s.svc))
	s.app.Post("/room/verify", handler.PostVerifyRoom(s.svc))

	// Route: /signal/...
	sig := s.app.Group("/signal")
	sig.Post("/disconnect", handler.PostDisconnect(s.svc))
	sig.Post("/skip", handler.PostSkip(s.svc))
	sig.Post("/pre-skip", handler.PostPreSkip(s.svc))
	sig.Post("/poll", handler.PostPoll(s.svc))

	if !s.admin {
		return
	}
	// Route: /admin/...
	admin := s.app.Group("/admin")
	admin.Post("/reconcile", handler.PostReconcile(s.svc))
	admin.Get("/reconcile/last", handler.GetLastReport(s.svc))
	admin.Post("/validate", handler.PostValidate(s.svc))
	admin.Post("/process", handler.PostProcess(s.svc))
}

package server

type Option func(s *Server)

// WithPort sets the port the server listens on.
func WithPort(port string) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithAdminRoutes toggles the reconcile, validate and process endpoints.
func WithAdminRoutes(enabled bool) Option {
	return func(s *Server) {
		s.admin = enabled
	}
}

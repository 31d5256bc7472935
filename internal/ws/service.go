package ws

import (
	"github.com/agent-chat-relay/backend/internal/registry"
	"github.com/agent-chat-relay/backend/internal/repository"
	"github.com/agent-chat-relay/backend/internal/router"
)

// Service bundles the session registry, notification router and connection
// handler behind one lifecycle.
type Service struct {
	registry *registry.Registry
	router   *router.Router
	handler  *Handler
}

// NewService creates a WebSocket service backed by the given message store.
// A nil Authenticator accepts every connection's path identity.
func NewService(repo *repository.MessageRepository, auth Authenticator, cfg router.Config) *Service {
	reg := registry.NewRegistry()
	rt := router.NewRouter(reg, repo, cfg)

	return &Service{
		registry: reg,
		router:   rt,
		handler:  NewHandler(reg, rt, repo, auth),
	}
}

// Start begins consuming published notification events.
func (s *Service) Start() {
	go s.router.Run()
}

// Handler returns the WebSocket connection handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Router returns the notification router. Producers publish through it.
func (s *Service) Router() *router.Router {
	return s.router
}

// Registry returns the session registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// ConnectedSessions returns the number of live sessions for the user.
func (s *Service) ConnectedSessions(userID string) int {
	return len(s.registry.SessionsFor(userID))
}

// Close stops delivery and closes all live connections.
func (s *Service) Close() {
	for _, sess := range s.registry.All() {
		s.registry.Deregister(sess.ConnectionID)
		sess.Close()
	}
	s.router.Close()
}

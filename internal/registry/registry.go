// Package registry tracks live WebSocket sessions per user.
package registry

import (
	"sync"

	"github.com/agent-chat-relay/backend/internal/model"
)

// Sink is the delivery target behind a session. It is implemented by the
// connection handler that owns the physical WebSocket connection and its
// delivery cursor.
type Sink interface {
	// Deliver attempts a single send of the message on the connection.
	// It returns model.ErrConnectionClosed if the connection is gone and
	// model.ErrTransientBackpressure if the send buffer is momentarily full.
	Deliver(msg *model.Message) error

	// Cursor returns the sequence number of the last message delivered on
	// this connection.
	Cursor() int64

	// Close releases the connection's buffered state. Idempotent.
	Close()
}

// Session is the live binding of a user to one physical connection. The
// registry owns the mapping; the delivery cursor stays with the Sink.
type Session struct {
	UserID       string
	ConnectionID string
	sink         Sink
}

// Deliver forwards a message to the session's connection.
func (s *Session) Deliver(msg *model.Message) error {
	return s.sink.Deliver(msg)
}

// Cursor returns the session's delivery cursor.
func (s *Session) Cursor() int64 {
	return s.sink.Cursor()
}

// Close closes the session's connection.
func (s *Session) Close() {
	s.sink.Close()
}

// Registry maintains the authoritative mapping from user ID to the set of
// currently live sessions. Lookups are read-mostly; mutations are exclusive.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Session
	byUser map[string]map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
	}
}

// Register creates a session binding the user to the connection. It fails
// with model.ErrAlreadyRegistered if the connection ID is already present.
func (r *Registry) Register(userID, connectionID string, sink Sink) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connectionID]; ok {
		return nil, model.ErrAlreadyRegistered
	}

	sess := &Session{
		UserID:       userID,
		ConnectionID: connectionID,
		sink:         sink,
	}

	r.byConn[connectionID] = sess
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Session)
	}
	r.byUser[userID][connectionID] = sess

	return sess, nil
}

// Deregister removes the session for the connection. Deregistering an
// unknown connection is a no-op.
func (r *Registry) Deregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byConn[connectionID]
	if !ok {
		return
	}

	delete(r.byConn, connectionID)
	if userSessions := r.byUser[sess.UserID]; userSessions != nil {
		delete(userSessions, connectionID)
		if len(userSessions) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
}

// SessionsFor returns a snapshot of the user's live sessions. The returned
// slice does not alias registry state; callers may iterate it freely while
// the registry mutates.
func (r *Registry) SessionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[userID]
	if len(userSessions) == 0 {
		return nil
	}

	sessions := make([]*Session, 0, len(userSessions))
	for _, sess := range userSessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// All returns a snapshot of every live session across all users.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.byConn))
	for _, sess := range r.byConn {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Get returns the session for the connection, or nil if not registered.
func (r *Registry) Get(connectionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connectionID]
}

// Len returns the total number of live sessions across all users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

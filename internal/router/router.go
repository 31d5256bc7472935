// Package router delivers produced messages to the live WebSocket sessions
// of their owning user, in message order, with bounded retry on transient
// delivery failure.
package router

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/agent-chat-relay/backend/internal/model"
	"github.com/agent-chat-relay/backend/internal/registry"
)

const (
	// Delivery attempts per message before the session is declared dead.
	defaultMaxAttempts = 3

	// Base backoff between delivery attempts, doubled per attempt.
	defaultRetryBackoff = 50 * time.Millisecond

	// Pending messages buffered per session before the overflow policy kicks in.
	defaultQueueSize = 64

	// Events buffered between producers and the router's consume loop.
	defaultEventBuffer = 256

	// Bound on reading a missed sequence range back from the store.
	gapFillTimeout = 5 * time.Second
)

// Store reads missed messages back when events arrive out of creation
// order. The message store is the ordering authority; the message
// repository satisfies this.
type Store interface {
	ListSince(ctx context.Context, userID string, cursor int64) ([]*model.Message, error)
}

// Config holds configuration for the router.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	QueueSize    int
	EventBuffer  int
}

// Router consumes notification events and fans each message out to every
// live session of the owning user.
//
// Delivery for one session is strictly serialized in message order by a
// dedicated queue worker; queues for different sessions are independent, so
// one slow connection never stalls another user's notifications.
type Router struct {
	registry *registry.Registry
	store    Store
	cfg      Config

	events chan model.NotificationEvent

	mu     sync.Mutex
	queues map[string]*sessionQueue

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// sessionQueue is the per-connection delivery pipeline. The worker stays
// paused until the connection's history replay has drained.
type sessionQueue struct {
	sess *registry.Session
	ch   chan *model.Message

	resume     chan struct{}
	resumeOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRouter creates a router delivering through the given registry. The
// store backfills sequence gaps when concurrent producers publish out of
// creation order; a nil store delivers events exactly as they arrive.
func NewRouter(reg *registry.Registry, store Store, cfg Config) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Router{
		registry: reg,
		store:    store,
		cfg:      cfg,
		events:   make(chan model.NotificationEvent, cfg.EventBuffer),
		queues:   make(map[string]*sessionQueue),
		done:     make(chan struct{}),
	}
}

// Publish hands a notification event to the router. Publishing for a user
// with zero live sessions is a silent success; the message stays durable in
// the store and is picked up by replay on the next connect.
func (r *Router) Publish(event model.NotificationEvent) {
	select {
	case r.events <- event:
	case <-r.done:
	}
}

// Run consumes published events until Close is called. It is intended to run
// on its own goroutine.
func (r *Router) Run() {
	for {
		select {
		case event := <-r.events:
			r.dispatch(event)
		case <-r.done:
			return
		}
	}
}

// Attach creates the delivery queue for a freshly registered session. The
// queue buffers live events but stays paused until Resume is called, so
// nothing published during the replay window can jump ahead of history.
func (r *Router) Attach(sess *registry.Session) {
	q := &sessionQueue{
		sess:   sess,
		ch:     make(chan *model.Message, r.cfg.QueueSize),
		resume: make(chan struct{}),
		stop:   make(chan struct{}),
	}

	r.mu.Lock()
	r.queues[sess.ConnectionID] = q
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runQueue(q)
}

// Resume starts live delivery for the connection once its replay has drained.
func (r *Router) Resume(connectionID string) {
	r.mu.Lock()
	q := r.queues[connectionID]
	r.mu.Unlock()

	if q != nil {
		q.resumeOnce.Do(func() { close(q.resume) })
	}
}

// Detach tears down the delivery queue for the connection. Idempotent; the
// registry entry and the connection itself are left to the caller.
func (r *Router) Detach(connectionID string) {
	r.mu.Lock()
	q := r.queues[connectionID]
	delete(r.queues, connectionID)
	r.mu.Unlock()

	if q != nil {
		q.stopOnce.Do(func() { close(q.stop) })
	}
}

// Close stops the consume loop and all delivery queues.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	queues := make([]*sessionQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.queues = make(map[string]*sessionQueue)
	r.mu.Unlock()

	for _, q := range queues {
		q.stopOnce.Do(func() { close(q.stop) })
	}

	r.wg.Wait()
}

// dispatch fans one event out to the queues of the owning user's sessions.
func (r *Router) dispatch(event model.NotificationEvent) {
	sessions := r.registry.SessionsFor(event.UserID)
	if len(sessions) == 0 {
		return
	}

	for _, sess := range sessions {
		r.mu.Lock()
		q := r.queues[sess.ConnectionID]
		r.mu.Unlock()

		if q == nil {
			// Registered but not yet attached; replay covers the message.
			continue
		}

		select {
		case q.ch <- event.Message:
		default:
			log.Printf("Delivery queue full for connection %s, evicting session", sess.ConnectionID)
			r.evict(q)
		}
	}
}

// runQueue drains one session's queue in order. Paused until resume.
func (r *Router) runQueue(q *sessionQueue) {
	defer r.wg.Done()

	select {
	case <-q.resume:
	case <-q.stop:
		return
	}

	for {
		select {
		case msg := <-q.ch:
			if !r.deliverInOrder(q, msg) {
				r.evict(q)
				return
			}
		case <-q.stop:
			return
		}
	}
}

// deliverInOrder delivers one queued event in creation order. Concurrent
// producers can publish a user's messages N and N+1 in either order; a
// sequence gap ahead of the session's cursor is closed by reading the missed
// range back from the store, the same way reconnect replay does. A failed
// backfill evicts the session so the client recovers via reconnect.
func (r *Router) deliverInOrder(q *sessionQueue, msg *model.Message) bool {
	cursor := q.sess.Cursor()
	if msg.ID <= cursor {
		return true
	}

	if msg.ID > cursor+1 && r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gapFillTimeout)
		defer cancel()

		missed, err := r.store.ListSince(ctx, q.sess.UserID, cursor)
		if err != nil {
			log.Printf("Failed to backfill sequence gap for connection %s: %v", q.sess.ConnectionID, err)
			return false
		}

		for _, m := range missed {
			if !r.deliver(q, m) {
				return false
			}
		}
		return true
	}

	return r.deliver(q, msg)
}

// deliver attempts one message with bounded backoff. Returns false once the
// session must be treated as dead.
func (r *Router) deliver(q *sessionQueue, msg *model.Message) bool {
	backoff := r.cfg.RetryBackoff

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := q.sess.Deliver(msg)
		if err == nil {
			return true
		}

		if errors.Is(err, model.ErrConnectionClosed) {
			return false
		}

		if !errors.Is(err, model.ErrTransientBackpressure) {
			log.Printf("Delivery failed for connection %s: %v", q.sess.ConnectionID, err)
			return false
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-q.stop:
			return false
		}
		backoff *= 2
	}

	log.Printf("Delivery attempts exhausted for connection %s", q.sess.ConnectionID)
	return false
}

// evict applies the dead-session policy: deregister, drop the queue and
// close the connection. The client recovers via reconnect replay.
func (r *Router) evict(q *sessionQueue) {
	r.registry.Deregister(q.sess.ConnectionID)
	r.Detach(q.sess.ConnectionID)
	q.sess.Close()
}

package agent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/agent-chat-relay/backend/internal/model"
	"github.com/agent-chat-relay/backend/internal/repository"
	"github.com/agent-chat-relay/backend/internal/router"
)

const (
	defaultSubmitBuffer = 64
	historyLimit        = 50
	respondTimeout      = 30 * time.Second
)

// ErrWorkerBusy is returned when the worker's submission queue is full.
var ErrWorkerBusy = errors.New("agent worker busy")

// Worker consumes submitted user messages asynchronously, generates the
// assistant reply, appends it to the store with the triggering message's ID
// as correlation, and publishes one notification event per produced message.
type Worker struct {
	repo      *repository.MessageRepository
	router    *router.Router
	responder Responder

	queue chan *model.Message

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWorker creates an agent worker. Call Start before submitting.
func NewWorker(repo *repository.MessageRepository, rt *router.Router, responder Responder) *Worker {
	return &Worker{
		repo:      repo,
		router:    rt,
		responder: responder,
		queue:     make(chan *model.Message, defaultSubmitBuffer),
		done:      make(chan struct{}),
	}
}

// Start launches the worker's processing loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Submit hands a stored user message to the worker. The ingestion path stays
// synchronous; the reply is produced and published later.
func (w *Worker) Submit(msg *model.Message) error {
	select {
	case <-w.done:
		return ErrWorkerBusy
	default:
	}

	select {
	case w.queue <- msg:
		return nil
	default:
		return ErrWorkerBusy
	}
}

// Close stops the worker after the in-flight message finishes.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case msg := <-w.queue:
			w.process(msg)
		case <-w.done:
			return
		}
	}
}

func (w *Worker) process(userMsg *model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), respondTimeout)
	defer cancel()

	history, err := w.repo.ListRecent(ctx, userMsg.UserID, historyLimit)
	if err != nil {
		log.Printf("Failed to load history for user %s: %v", userMsg.UserID, err)
		history = nil
	}

	content, err := w.responder.Respond(ctx, userMsg, history)
	if err != nil {
		log.Printf("Responder failed for user %s message %d: %v", userMsg.UserID, userMsg.ID, err)
		return
	}

	correlationID := userMsg.ID
	reply, err := w.repo.Append(ctx, userMsg.UserID, model.RoleAssistant, content, &correlationID)
	if err != nil {
		log.Printf("Failed to store assistant reply for user %s: %v", userMsg.UserID, err)
		return
	}

	w.router.Publish(model.NotificationEvent{UserID: reply.UserID, Message: reply})
}

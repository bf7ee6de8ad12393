package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler processes one delivery. A non-nil error asks the queue to retry.
type Handler func(ctx context.Context, payload []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe starts consuming topic in the background until ctx ends.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

const defaultMaxRetries = 3

// InMemoryQueue delivers in-process with retry. Jobs are lost on restart.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]subscription
	wg         sync.WaitGroup
	log        logrus.FieldLogger
	MaxRetries int
	Backoff    time.Duration
}

type subscription struct {
	ctx     context.Context
	handler Handler
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log logrus.FieldLogger) *InMemoryQueue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &InMemoryQueue{
		handlers:   make(map[string][]subscription),
		log:        log,
		MaxRetries: defaultMaxRetries,
		Backoff:    500 * time.Millisecond,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	subs := q.handlers[topic]
	q.mu.Unlock()

	if len(subs) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	for _, sub := range subs {
		q.wg.Add(1)
		go q.processJob(sub, topic, payload)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(sub subscription, topic string, payload []byte) {
	defer q.wg.Done()
	log := q.log.WithField("topic", topic)

	for attempt := 1; ; attempt++ {
		err := sub.handler(sub.ctx, payload)
		if err == nil {
			return
		}
		if attempt > q.MaxRetries {
			log.WithError(err).Errorf("job permanently failed after %d attempts", attempt)
			return
		}
		log.WithError(err).WithField("attempt", attempt).Warn("job failed, retrying")

		select {
		case <-time.After(time.Duration(attempt) * q.Backoff):
		case <-sub.ctx.Done():
			return
		}
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], subscription{ctx: ctx, handler: handler})
	return nil
}

// Wait blocks until every published job has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

func (q *InMemoryQueue) Close() error {
	q.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)

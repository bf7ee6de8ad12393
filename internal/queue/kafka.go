package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaQueue publishes to topics on a Kafka cluster and consumes them in a
// consumer group. Offsets are committed only after the handler finishes or
// the message has been written to "<topic>.dlq".
type KafkaQueue struct {
	brokers []string
	groupID string
	writer  *kafka.Writer
	log     logrus.FieldLogger

	mu      sync.Mutex
	readers []*kafka.Reader

	MaxRetries int
	Backoff    time.Duration
}

func NewKafkaQueue(brokers []string, groupID string, log logrus.FieldLogger) (*KafkaQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka queue needs at least one broker")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &KafkaQueue{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		log:        log,
		MaxRetries: defaultMaxRetries,
		Backoff:    2 * time.Second,
	}, nil
}

func (q *KafkaQueue) Publish(ctx context.Context, topic string, payload []byte) error {
	return q.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload})
}

func (q *KafkaQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        q.brokers,
		Topic:          topic,
		GroupID:        q.groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0, // explicit commits only
		StartOffset:    kafka.FirstOffset,
	})
	q.mu.Lock()
	q.readers = append(q.readers, reader)
	q.mu.Unlock()

	go q.run(ctx, topic, reader, handler)
	return nil
}

func (q *KafkaQueue) run(ctx context.Context, topic string, reader *kafka.Reader, handler Handler) {
	log := q.log.WithField("topic", topic)
	log.Info("consuming")
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("fetch failed")
			select {
			case <-time.After(q.Backoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := q.dispatch(ctx, topic, m, handler); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("offset", m.Offset).Error("routed message to DLQ")
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			log.WithError(err).Warn("commit failed, message may be redelivered")
		}
	}
}

// dispatch retries with linear backoff and writes the raw message to the
// DLQ once attempts are exhausted.
func (q *KafkaQueue) dispatch(ctx context.Context, topic string, m kafka.Message, handler Handler) error {
	var lastErr error
	for attempt := 1; attempt <= q.MaxRetries+1; attempt++ {
		lastErr = handler(ctx, m.Value)
		if lastErr == nil {
			return nil
		}
		q.log.WithFields(logrus.Fields{"topic": topic, "attempt": attempt}).WithError(lastErr).Warn("job failed")
		if attempt <= q.MaxRetries {
			select {
			case <-time.After(time.Duration(attempt) * q.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := q.writer.WriteMessages(ctx, kafka.Message{Topic: topic + ".dlq", Key: m.Key, Value: m.Value}); err != nil {
		q.log.WithError(err).Error("could not write to DLQ")
	}
	return lastErr
}

func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var first error
	for _, r := range q.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := q.writer.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

var _ Queue = (*KafkaQueue)(nil)

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes to durable RabbitMQ queues named after the topic.
// Failed deliveries are republished with an incremented x-retry-count and
// parked on "<topic>.dlq" once MaxRetries is exhausted.
type AMQPQueue struct {
	conn *amqp.Connection
	log  logrus.FieldLogger

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool

	MaxRetries int
	Prefetch   int
}

func DialAMQP(url string, log logrus.FieldLogger) (*AMQPQueue, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	return &AMQPQueue{
		conn:       conn,
		log:        log,
		pub:        ch,
		declared:   map[string]bool{},
		MaxRetries: defaultMaxRetries,
		Prefetch:   1,
	}, nil
}

func declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

// ensure declares topic and its DLQ once per process. Caller holds q.mu.
func (q *AMQPQueue) ensure(topic string) error {
	if q.declared[topic] {
		return nil
	}
	if err := declare(q.pub, topic); err != nil {
		return fmt.Errorf("declare %s: %w", topic, err)
	}
	if err := declare(q.pub, topic+".dlq"); err != nil {
		return fmt.Errorf("declare %s.dlq: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, payload []byte) error {
	return q.publish(ctx, topic, payload, 0)
}

func (q *AMQPQueue) publish(ctx context.Context, topic string, payload []byte, retries int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensure(topic); err != nil {
		return err
	}
	return q.pub.Publish(
		"",
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      amqp.Table{retryHeader: retries},
			Body:         payload,
		},
	)
}

func (q *AMQPQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	err := q.ensure(topic)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(q.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					q.log.WithField("topic", topic).Warn("amqp delivery channel closed")
					return
				}
				q.handle(ctx, topic, d, handler)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(ctx context.Context, topic string, d amqp.Delivery, handler Handler) {
	err := handler(ctx, d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	log := q.log.WithFields(logrus.Fields{"topic": topic, "attempt": retries + 1}).WithError(err)
	target := topic
	if int(retries) >= q.MaxRetries {
		target = topic + ".dlq"
		log.Error("job exhausted retries, parking on dead-letter queue")
	} else {
		log.Warn("job failed, requeueing")
	}

	if perr := q.publish(context.Background(), target, d.Body, retries+1); perr != nil {
		log.WithField("publish_error", perr).Error("could not requeue job")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	case int16:
		return int32(v)
	case int8:
		return int32(v)
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pub.Close(); err != nil {
		q.log.WithError(err).Warn("close publish channel")
	}
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)

package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBackend runs the transform as an RPC over RabbitMQ: the frame is
// published to the model worker's exchange with a correlation id, and the
// transformed frame comes back on an exclusive reply queue.
type AMQPBackend struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
	replyQueue string

	mu      sync.Mutex
	pending map[string]chan amqp.Delivery
}

func NewAMQPBackend(url, exchange, routingKey string) (*AMQPBackend, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: channel: %v", ErrUnavailable, err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: exchange declare: %v", ErrUnavailable, err)
	}

	reply, err := ch.QueueDeclare(
		"",    // name (server-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: reply queue declare: %v", ErrUnavailable, err)
	}

	deliveries, err := ch.Consume(
		reply.Name, // queue
		"",         // consumer
		true,       // auto-ack
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: consume: %v", ErrUnavailable, err)
	}

	b := &AMQPBackend{
		conn:       conn,
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		replyQueue: reply.Name,
		pending:    make(map[string]chan amqp.Delivery),
	}
	go b.dispatchReplies(deliveries)
	return b, nil
}

func (b *AMQPBackend) dispatchReplies(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		b.mu.Lock()
		waiter, ok := b.pending[d.CorrelationId]
		if ok {
			delete(b.pending, d.CorrelationId)
		}
		b.mu.Unlock()

		if ok {
			waiter <- d
		}
		// No waiter means the caller already timed out; the late reply is
		// discarded here so it can never reach the pipeline.
	}
}

func (b *AMQPBackend) Transform(ctx context.Context, frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrInvalidInput
	}

	corrID := uuid.NewString()
	waiter := make(chan amqp.Delivery, 1)

	b.mu.Lock()
	b.pending[corrID] = waiter
	b.mu.Unlock()

	err := b.ch.PublishWithContext(ctx,
		b.exchange,   // exchange
		b.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:   "image/jpeg",
			Body:          frame,
			CorrelationId: corrID,
			ReplyTo:       b.replyQueue,
		},
	)
	if err != nil {
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
	}

	select {
	case d := <-waiter:
		if status, ok := d.Headers["x-status"].(string); ok && status != "ok" {
			if status == "invalid_input" {
				return nil, ErrInvalidInput
			}
			return nil, fmt.Errorf("%w: worker status %s", ErrUnavailable, status)
		}
		if len(d.Body) == 0 {
			return nil, fmt.Errorf("%w: empty reply", ErrUnavailable)
		}
		return d.Body, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
		return nil, ErrTimeout
	}
}

func (b *AMQPBackend) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one message body. A non-nil error drops the message.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

type Consumer struct {
	channel  *amqp.Channel
	queue    string
	handler  Handler
	prefetch int
	log      *zap.Logger
}

func NewConsumer(conn *amqp.Connection, exchange, routingKey, queue string, prefetch int, handler Handler, log *zap.Logger) (*Consumer, error) {
	if prefetch < 1 {
		prefetch = 1
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c := &Consumer{
		channel:  ch,
		queue:    queue,
		handler:  handler,
		prefetch: prefetch,
		log:      log,
	}
	if err := c.setup(exchange, routingKey); err != nil {
		ch.Close()
		return nil, err
	}
	return c, nil
}

func (c *Consumer) setup(exchange, routingKey string) error {
	if err := declareExchange(c.channel, exchange); err != nil {
		return err
	}

	_, err := c.channel.QueueDeclare(
		c.queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}

	if err := c.channel.QueueBind(c.queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.queue, err)
	}

	// Prefetch bounds how many diagnoses this instance runs at once.
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// Start consumes until ctx is done or the channel closes, then waits for
// handlers already running.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("diagnosis consumer shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}

			wg.Add(1)
			go func(msg amqp.Delivery) {
				defer wg.Done()
				c.deliver(ctx, msg)
			}(msg)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg amqp.Delivery) {
	if err := c.handler.Handle(ctx, msg.Body); err != nil {
		c.log.Warn("dropping diagnosis job", zap.ByteString("body", msg.Body), zap.Error(err))
		if err := msg.Nack(false, false); err != nil {
			c.log.Error("nack", zap.Error(err))
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		c.log.Error("ack", zap.Error(err))
	}
}

func (c *Consumer) Close() error {
	return c.channel.Close()
}

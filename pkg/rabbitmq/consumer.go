package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery and reports whether it may be acknowledged.
// False re-queues the message.
type Handler func(body []byte) bool

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares exchange and queue, binds every routing key
// and dispatches deliveries to their handler in a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			if dispatch(handlers, d.RoutingKey, d.Body, c.logger) {
				d.Ack(false)
			} else {
				d.Nack(false, true)
			}
		}
		c.logger.Info("delivery channel closed", "component", "rabbitmq_consumer", "queue", q.Name)
	}()

	return nil
}

// dispatch runs the handler bound to routingKey. Messages without a handler
// are acknowledged so they are dropped.
func dispatch(handlers map[string]Handler, routingKey string, body []byte, logger *slog.Logger) bool {
	handler, ok := handlers[routingKey]
	if !ok {
		logger.Warn("no handler for routing key; dropping", "component", "rabbitmq_consumer", "routing_key", routingKey)
		return true
	}
	if handler(body) {
		return true
	}
	logger.Warn("handler failed; re-queuing", "component", "rabbitmq_consumer", "routing_key", routingKey)
	return false
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

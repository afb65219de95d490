package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumerPrefetch caps unacknowledged deliveries per channel so a slow
// handler does not hoard the queue.
const consumerPrefetch = 16

// Handler processes one delivery body. Returning true acknowledges the
// delivery; returning false re-queues it for another attempt.
type Handler func(body []byte) bool

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares a durable queue, binds it to the exchange
// under every routing key in bindings and starts a dispatch goroutine.
// Deliveries with no matching handler are acknowledged and dropped so they
// do not cycle through the queue forever.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
		handlers[routingKey] = handler
	}

	deliveries, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go c.dispatch(deliveries, handlers)
	return nil
}

func (c *Consumer) dispatch(deliveries <-chan amqp.Delivery, handlers map[string]Handler) {
	for d := range deliveries {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key, dropping\" routing_key=%s", d.RoutingKey)
			d.Ack(false)
			continue
		}
		if handler(d.Body) {
			d.Ack(false)
			continue
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed, re-queuing\" routing_key=%s", d.RoutingKey)
		d.Nack(false, true)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

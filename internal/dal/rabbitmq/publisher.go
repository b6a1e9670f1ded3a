package rabbitmq

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
)

// Publisher sends event payloads to a durable topic exchange. The routing
// key is the aggregate id, so consumers binding per-aggregate queues see
// events for one aggregate in publish order.
type Publisher struct {
	client   *Client
	exchange string
}

// NewPublisher declares the exchange and returns a publisher bound to it.
func NewPublisher(client *Client, exchange string) (*Publisher, error) {
	err := client.DeclareExchange(DeclareExchangeConfig{
		Name:    exchange,
		Kind:    "topic",
		Durable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		client:   client,
		exchange: exchange,
	}, nil
}

// Publish delivers one message keyed by the aggregate id. Delivery is
// at-least-once; consumers are expected to be idempotent.
func (p *Publisher) Publish(_ context.Context, key string, payload []byte, headers map[string]string) error {
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	return p.client.Channel().Publish(
		p.exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      table,
			Body:         payload,
		},
	)
}

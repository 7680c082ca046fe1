// Package messaging wraps the AMQP connection the entity-mutation fan-out
// publishes through. The coordinator only ever produces on this connection;
// consuming the fan-out queues is downstream systems' business.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/quangdang46/subgraph-coordinator/shared/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig holds broker connection settings.
type RabbitMQConfig struct {
	RabbitMQHost     string `json:"rabbitmq_host"`
	RabbitMQPort     int    `json:"rabbitmq_port"`
	RabbitMQUser     string `json:"rabbitmq_user"`
	RabbitMQPassword string `json:"rabbitmq_password"`
}

// ExchangeConfig declares one exchange.
type ExchangeConfig struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // "topic", "direct", "fanout"
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// QueueConfig declares one queue.
type QueueConfig struct {
	Name       string `json:"name"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	DLX        string `json:"dlx,omitempty"`
	DLRKey     string `json:"dlr_key,omitempty"`
}

// BindingConfig binds a queue to an exchange under a routing-key pattern.
type BindingConfig struct {
	QueueName    string `json:"queue_name"`
	ExchangeName string `json:"exchange_name"`
	RoutingKey   string `json:"routing_key"`
}

// RabbitMQ wraps one connection and channel.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewRabbitMQ dials the broker and opens a channel.
func NewRabbitMQ(config RabbitMQConfig) (*RabbitMQ, error) {
	scheme := "amqp"
	if config.RabbitMQPort == 5671 {
		scheme = "amqps"
	}
	url := fmt.Sprintf("%s://%s:%s@%s:%d",
		scheme,
		config.RabbitMQUser,
		config.RabbitMQPassword,
		config.RabbitMQHost,
		config.RabbitMQPort,
	)

	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &RabbitMQ{conn: conn, channel: ch}, nil
}

// DeclareExchange declares an exchange.
func (r *RabbitMQ) DeclareExchange(config ExchangeConfig) error {
	return r.channel.ExchangeDeclare(
		config.Name,
		config.Type,
		config.Durable,
		config.AutoDelete,
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareQueue declares a queue, with dead-lettering when configured.
func (r *RabbitMQ) DeclareQueue(config QueueConfig) (amqp.Queue, error) {
	args := amqp.Table{}
	if config.DLX != "" {
		args["x-dead-letter-exchange"] = config.DLX
	}
	if config.DLRKey != "" {
		args["x-dead-letter-routing-key"] = config.DLRKey
	}
	return r.channel.QueueDeclare(
		config.Name,
		config.Durable,
		config.AutoDelete,
		false, // exclusive
		false, // no-wait
		args,
	)
}

// BindQueue binds a queue to an exchange.
func (r *RabbitMQ) BindQueue(config BindingConfig) error {
	return r.channel.QueueBind(
		config.QueueName,
		config.RoutingKey,
		config.ExchangeName,
		false, // no-wait
		nil,
	)
}

// Publish publishes one message, persistent by default so the fan-out
// survives a broker restart.
func (r *RabbitMQ) Publish(ctx context.Context, message contracts.AMQPMessage) error {
	if r.closed {
		return fmt.Errorf("connection is closed")
	}

	headers := make(amqp.Table, len(message.Headers))
	for k, v := range message.Headers {
		headers[k] = v
	}

	return r.channel.PublishWithContext(
		ctx,
		message.Exchange,
		message.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         message.Body,
		},
	)
}

// IsConnected reports whether the underlying connection is still open.
func (r *RabbitMQ) IsConnected() bool {
	return !r.closed && r.conn != nil && !r.conn.IsClosed()
}

// Close closes the channel and connection.
func (r *RabbitMQ) Close() error {
	r.closed = true
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

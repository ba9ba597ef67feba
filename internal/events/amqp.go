package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"qrcloud/internal/types"
)

const exchangeKind = "topic"

// amqpChannel is the subset of *amqp.Channel used here.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a RabbitMQ topic exchange under
// subscription.<kind> routing keys.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *slog.Logger
	mu       sync.Mutex
}

// DialAMQPPublisher connects to url and declares the exchange.
func DialAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	logger.Info("RabbitMQ publisher connected", "exchange", exchange)

	p := newAMQPPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger}
}

// Publish implements Publisher. Messages are persistent.
func (p *AMQPPublisher) Publish(ctx context.Context, evt types.SubscriptionEvent) error {
	body, err := Encode(evt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(evt.Kind),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         string(evt.Kind),
			Body:         body,
		},
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamEventBus, fmt.Sprintf("failed to publish %s event", evt.Kind), err)
	}

	p.logger.DebugContext(ctx, "subscription event published",
		"transport", "rabbitmq",
		"routing_key", RoutingKey(evt.Kind),
		"user_id", evt.UserID,
	)
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.Close(); err != nil {
		p.logger.Warn("error closing channel", "error", err)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var _ Publisher = (*AMQPPublisher)(nil)

// AMQPConsumerConfig configures an AMQPConsumer.
type AMQPConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	Logger   *slog.Logger
}

// AMQPConsumer consumes events from a durable queue bound to every
// subscription.* routing key and dispatches them through a Registry.
type AMQPConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	prefetch int
	registry *Registry
	logger   *slog.Logger
}

// DialAMQPConsumer connects, declares the exchange and queue and binds them.
func DialAMQPConsumer(cfg AMQPConsumerConfig, registry *Registry) (*AMQPConsumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("declaring exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("declaring queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, routingKeyPrefix+"*", cfg.Exchange, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("binding queue %s: %w", cfg.Queue, err)
	}

	cfg.Logger.Info("RabbitMQ consumer connected", "queue", cfg.Queue, "exchange", cfg.Exchange)

	return &AMQPConsumer{
		conn:     conn,
		channel:  ch,
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
		registry: registry,
		logger:   cfg.Logger,
	}, nil
}

// Run consumes until ctx is canceled or the delivery channel closes.
// Successful deliveries are acked; failed ones are nacked and requeued.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("setting QoS: %w", err)
	}

	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	c.logger.InfoContext(ctx, "consuming subscription events", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

// acknowledger is the subset of amqp.Delivery used to settle a message.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *AMQPConsumer) handle(ctx context.Context, msg amqp.Delivery) {
	settle(ctx, c.registry, c.logger, msg.Body, msg.RoutingKey, msg)
}

func settle(ctx context.Context, registry *Registry, logger *slog.Logger, body []byte, routingKey string, ack acknowledger) {
	evt, err := Decode(body, routingKey)
	if err != nil {
		logger.ErrorContext(ctx, "discarding undecodable event", "routing_key", routingKey, "error", err)
		if ackErr := ack.Ack(false); ackErr != nil {
			logger.ErrorContext(ctx, "failed to ack message", "error", ackErr)
		}
		return
	}

	if err := registry.Dispatch(ctx, evt); err != nil {
		if nackErr := ack.Nack(false, true); nackErr != nil {
			logger.ErrorContext(ctx, "failed to nack message", "error", nackErr)
		}
		return
	}

	if ackErr := ack.Ack(false); ackErr != nil {
		logger.ErrorContext(ctx, "failed to ack message", "error", ackErr)
	}
}

// Close closes the channel and connection.
func (c *AMQPConsumer) Close() error {
	if err := c.channel.Close(); err != nil {
		c.logger.Warn("error closing channel", "error", err)
	}
	return c.conn.Close()
}
